package proxy

import (
	"io"
	"net/http"
	"sync"
	"time"
)

const flushInterval = 100 * time.Millisecond

// Relay copies the upstream status, headers and streamed body onto the
// client-facing ResponseWriter. Hop-by-hop headers are dropped, which
// in particular keeps any upstream Transfer-Encoding declaration off
// the wire: the local server computes its own framing, and re-declaring
// the upstream's would produce a mismatch the client cannot parse.
//
// Returns the number of body bytes relayed.
func Relay(w http.ResponseWriter, resp *http.Response) (int64, error) {
	if resp.Body != nil {
		defer func() {
			_ = resp.Body.Close()
		}()
	}

	// clear any pending headers and write upstream headers instead
	header := w.Header()
	for name := range header {
		header.Del(name)
	}
	copyEndToEndHeaders(header, resp.Header)

	w.WriteHeader(resp.StatusCode)
	if resp.Body == nil {
		return 0, nil
	}

	flusher, ok := w.(http.Flusher)
	// flusher may not be implemented by a ResponseWriter wrapper
	if !ok {
		return io.Copy(w, resp.Body)
	}
	wf := &threadSafeWriteFlusher{w: w, f: flusher}
	return copyAndFlush(wf, resp.Body, flushInterval)
}

// stream utils

type threadSafeWriteFlusher struct {
	m sync.Mutex
	w io.Writer
	f http.Flusher
}

func (w *threadSafeWriteFlusher) Write(p []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()
	return w.w.Write(p)
}

func (w *threadSafeWriteFlusher) Flush() {
	w.m.Lock()
	defer w.m.Unlock()
	w.f.Flush()
}

// copyAndFlush streams r to w, flushing at regular intervals so the
// client observes bytes as they arrive rather than when net/http's
// buffer fills.
func copyAndFlush(w *threadSafeWriteFlusher, r io.Reader, interval time.Duration) (int64, error) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-time.After(interval):
				w.Flush()
			case <-done:
				return
			}
		}
	}()

	n, err := io.Copy(w, r)
	close(done)
	wg.Wait()

	// final flush before returning
	w.Flush()

	return n, err
}
