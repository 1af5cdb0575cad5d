package devserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
)

// State is the supervisor lifecycle: Idle -> Starting -> Running ->
// Exited.
type State int

const (
	Idle State = iota
	Starting
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Exited:
		return "exited"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrAlreadyStarted is returned by Start when the supervisor has left
// the Idle state.
var ErrAlreadyStarted = errors.New("dev server supervisor already started")

// maximum tagged log line; longer lines are split by the scanner
// rather than dropped
const maxLogLine = 1024 * 1024

// Config holds the supervisor's spawn parameters.
type Config struct {
	// Command is the argv to spawn, e.g. {"npm", "run", "dev"}.
	Command []string

	// Dir is the working directory of the frontend app.
	Dir string

	// LockFile is the lease marker path.
	LockFile string

	// Env is the child environment; nil inherits the host's.
	Env []string

	// Tag is the short prefix attached to every relayed child log
	// line. Defaults to "web".
	Tag string

	// Logger receives the child's output and supervisor events.
	Logger *logrus.Logger
}

// Supervisor owns at most one dev-server process. The lease file is
// the single source of truth for whether a dev server is already
// owned by someone; the supervisor only spawns when it can claim the
// lease, and releases it when the process exits by any cause.
type Supervisor struct {
	conf  Config
	lease *Lease

	mutex sync.Mutex
	state State
	cmd   *Command

	readers sync.WaitGroup
	done    chan struct{}
	cleanup sync.Once
}

// New creates a Supervisor in the Idle state.
func New(conf Config) *Supervisor {
	if len(conf.Command) == 0 {
		conf.Command = []string{"npm", "run", "dev"}
	}
	if conf.Tag == "" {
		conf.Tag = "web"
	}
	if conf.Logger == nil {
		conf.Logger, _ = nullLog.NewNullLogger()
	}
	return &Supervisor{
		conf:  conf,
		lease: NewLease(conf.LockFile),
		state: Idle,
		done:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Pid returns the child PID, or 0 when no process is running.
func (s *Supervisor) Pid() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.cmd == nil {
		return 0
	}
	return s.cmd.Pid()
}

// Done is closed once the child has exited and cleanup has run.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Start claims the lease and spawns the dev server. If the lease is
// already held it logs and returns ErrLeaseHeld without spawning:
// another instance may own the port, and double-binding is worse than
// requiring operator intervention. "Running" means the process
// started, not that it is ready; readiness is the caller's problem.
func (s *Supervisor) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state != Idle {
		return ErrAlreadyStarted
	}

	if err := s.lease.Acquire(); err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			s.conf.Logger.WithField("lock-file", s.lease.Path()).
				Info("dev server already owned, not spawning")
			return err
		}
		return fmt.Errorf("could not acquire dev server lease: %w", err)
	}
	s.state = Starting

	env := s.conf.Env
	if env == nil {
		env = os.Environ()
	}
	cmd, err := NewCommand(s.conf.Command, s.conf.Dir, env)
	if err != nil {
		return s.failStart(err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failStart(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failStart(err)
	}

	if err := cmd.Start(); err != nil {
		return s.failStart(fmt.Errorf("could not spawn %v: %w", cmd, err))
	}

	s.cmd = cmd
	s.state = Running
	s.conf.Logger.WithFields(logrus.Fields{
		"pid": cmd.Pid(),
		"dir": s.conf.Dir,
	}).Infof("started dev server %v", cmd)

	s.readers.Add(2)
	go s.relayLines(stdout, "stdout")
	go s.relayLines(stderr, "stderr")
	go s.monitor()
	return nil
}

// failStart releases the lease after a spawn failure so a later start
// is not blocked. The host degrades (no fallback rendering) but keeps
// serving local routes, so this is not fatal to the host.
func (s *Supervisor) failStart(err error) error {
	_ = s.lease.Release()
	s.state = Exited
	close(s.done)
	s.conf.Logger.Errorf("dev server failed to start: %v", err)
	return err
}

// monitor waits for the child to exit on its own and runs cleanup.
// This races with Stop's kill on the same process; whichever observes
// termination first cleans up and the other no-ops.
//
// Known limitation: a daemonized grandchild that escapes the process
// group and keeps the inherited stdout/stderr open holds the scanners
// short of EOF, deferring lease release and Done past the child's own
// exit. Stop still unblocks the ordinary tree via the group kill.
func (s *Supervisor) monitor() {
	// drain output before Wait so no buffered lines are lost
	s.readers.Wait()
	err := s.cmd.Wait()

	s.cleanup.Do(func() {
		s.mutex.Lock()
		s.state = Exited
		s.mutex.Unlock()
		if relErr := s.lease.Release(); relErr != nil {
			s.conf.Logger.Errorf("could not release dev server lease: %v", relErr)
		}
		if err != nil {
			s.conf.Logger.Warnf("dev server exited: %v", err)
		} else {
			s.conf.Logger.Info("dev server exited")
		}
		close(s.done)
	})
}

// Stop kills the child and its entire process tree, then waits for
// the monitor to finish cleanup. Safe to call in any state and more
// than once.
func (s *Supervisor) Stop() error {
	s.mutex.Lock()
	cmd := s.cmd
	state := s.state
	s.mutex.Unlock()

	if cmd == nil || state != Running {
		return nil
	}
	if err := cmd.KillTree(); err != nil {
		return fmt.Errorf("could not kill dev server process tree: %w", err)
	}
	<-s.done
	return nil
}

// relayLines copies one output stream into the host log line by line.
// Line boundaries are preserved: one child line becomes exactly one
// log entry, tagged so interleaved host/child output stays
// attributable.
func (s *Supervisor) relayLines(r io.Reader, stream string) {
	defer s.readers.Done()
	entry := s.conf.Logger.WithFields(logrus.Fields{
		"tag":    s.conf.Tag,
		"stream": stream,
	})
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)
	for scanner.Scan() {
		entry.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		entry.Debugf("output stream closed: %v", err)
	}
}
