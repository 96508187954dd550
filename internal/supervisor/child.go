package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ExitStatus describes one terminated child run. It is produced exactly
// once per run by the monitor goroutine.
type ExitStatus struct {
	Code int
	Err  error
	At   time.Time
}

// child wraps a single run of the agent process. All lifecycle
// coordination happens in the Supervisor's state machine; child only
// knows how to build, spawn, signal, and reap one process.
type child struct {
	cmd       *exec.Cmd
	startedAt time.Time
	outW      io.WriteCloser
	errW      io.WriteCloser
	// exits receives the ExitStatus once; buffered so the monitor
	// goroutine never blocks on a slow consumer.
	exits chan ExitStatus
}

// buildCommand constructs an *exec.Cmd for the configured command line.
// A shell is only involved when metacharacters require it.
func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// newChild builds the command for spec with the given environment. The
// agent's stdout/stderr are wired to rotating capture files so console
// output is never dropped.
func newChild(spec Spec, env []string) (*child, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("empty agent command")
	}
	cmd := buildCommand(spec.Command)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	c := &child{cmd: cmd, exits: make(chan ExitStatus, 1)}

	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.Writers(spec.Name)
		c.outW, c.errW = outW, errW
	}
	if c.outW != nil {
		cmd.Stdout = c.outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if c.errW != nil {
		cmd.Stderr = c.errW
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	return c, nil
}

// start spawns the process and launches the monitor goroutine that
// resolves exits exactly once.
func (c *child) start() error {
	if err := c.cmd.Start(); err != nil {
		c.closeWriters()
		return err
	}
	c.startedAt = time.Now()
	go c.monitor()
	return nil
}

// monitor waits for the process, closes the capture writers, and
// publishes the exit status.
func (c *child) monitor() {
	err := c.cmd.Wait()
	c.closeWriters()
	c.exits <- ExitStatus{Code: exitCode(err), Err: err, At: time.Now()}
}

func (c *child) pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// terminate asks the whole process group to stop gracefully.
func (c *child) terminate() {
	if pid := c.pid(); pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}
}

// kill forcibly ends the process group after a graceful stop timed out.
func (c *child) kill() {
	if pid := c.pid(); pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func (c *child) closeWriters() {
	if c.outW != nil {
		_ = c.outW.Close()
	}
	if c.errW != nil {
		_ = c.errW.Close()
	}
}

// exitCode extracts the process exit code from cmd.Wait's error.
// 0 means a clean exit; signals map to the shell convention 128+sig.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
			return ws.ExitStatus()
		}
		return ee.ExitCode()
	}
	return -1
}
