package devserver

import (
	"fmt"
	"os/exec"
	"sync"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// Command wraps exec.Cmd with whole-process-tree ownership: the child
// is placed in its own process group at spawn, and KillTree targets
// the group (plus any descendants that escaped it) rather than the
// single PID. Orphaned grandchildren are the classic supervisor
// failure mode this guards against.
type Command struct {
	mutex sync.Mutex
	*exec.Cmd
}

// NewCommand builds a Command for the given argv, working directory
// and environment. The process is not started.
func NewCommand(commandLine []string, workingDirectory string, env []string) (*Command, error) {
	if len(commandLine) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	cmd := exec.Command(commandLine[0], commandLine[1:]...)
	cmd.Dir = workingDirectory
	cmd.Env = env
	cmd.SysProcAttr = sysProcAttr()
	return &Command{Cmd: cmd}, nil
}

func (c *Command) String() string {
	return fmt.Sprintf("%q", c.Args)
}

// Pid returns the child's PID, or 0 if it has not started.
func (c *Command) Pid() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.Process == nil {
		return 0
	}
	return c.Process.Pid
}

// KillTree forcibly terminates the child and every transitive
// descendant. It is idempotent: killing a process that never started
// or already exited is a no-op.
func (c *Command) KillTree() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.Process == nil {
		// nothing was ever started
		return nil
	}
	pid := c.Process.Pid
	// sweep descendants first so nothing re-parents away mid-kill
	killDescendants(pid)
	return killGroup(pid)
}

// killDescendants walks the live process tree under pid and kills
// leaves first. Processes that disappear mid-walk are skipped; the
// group kill that follows catches stragglers.
func killDescendants(pid int) {
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killDescendants(int(child.Pid))
		_ = child.Kill()
	}
}
