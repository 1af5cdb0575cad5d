// Package devserver spawns and supervises the frontend dev-server
// process during interactive development, feeding its output into the
// host log and guaranteeing the whole process tree dies with the host.
package devserver

import (
	"errors"
	"fmt"
	"os"
)

// ErrLeaseHeld is returned by Acquire when the marker file already
// exists, meaning another instance (or a previous crashed one) may own
// the dev server's port. The supervisor deliberately does not try to
// distinguish these cases; that is an operator decision.
var ErrLeaseHeld = errors.New("dev server lease already held")

// Lease is a filesystem mutual-exclusion marker for dev-server
// ownership. Existence alone is the signal; the file content is
// informational.
type Lease struct {
	path string
}

// NewLease creates a lease at the given path without acquiring it.
func NewLease(path string) *Lease {
	return &Lease{path: path}
}

// Path returns the marker file location.
func (l *Lease) Path() string {
	return l.path
}

// Acquire atomically claims the lease via exclusive file creation.
// Returns ErrLeaseHeld if the marker already exists.
func (l *Lease) Acquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrLeaseHeld
		}
		return err
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return f.Close()
}

// Release removes the marker. Releasing an already released lease is
// success, not an error, so the exit-triggered and shutdown-triggered
// cleanup paths can race safely.
func (l *Lease) Release() error {
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Held reports whether the marker currently exists.
func (l *Lease) Held() bool {
	_, err := os.Stat(l.path)
	return err == nil
}
