package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/raidan-labs/provisiond/pkg/engine"
)

// Exec runs a shell command on the local host.
//
// Params:
//
//	command               shell command, run with "sh -c"
//	dir                   working directory
//	transient_exit_codes  comma separated exit codes that are worth retrying
type Exec struct {
	// Shell defaults to /bin/sh.
	Shell string

	// Grace is how long the command may take to exit after SIGTERM
	// before it is killed.
	Grace time.Duration
}

// Run implements engine.ActionHandler.
func (e *Exec) Run(ctx context.Context, req engine.ActionRequest) (*engine.ActionResult, error) {
	if err := required(req, "command"); err != nil {
		return nil, err
	}
	transient, err := exitCodes(req.Param("transient_exit_codes"))
	if err != nil {
		return nil, err
	}
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	// The shell leads its own process group so that signals reach every
	// process the command forked, not only sh.
	cmd := exec.CommandContext(ctx, shell, "-c", req.Param("command"))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Let the command clean up before WaitDelay kills it.
		return signalGroup(cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.Grace
	cmd.Dir = req.Param("dir")

	out := newLineLog(req.Log)
	cmd.Stdout = out
	cmd.Stderr = out
	runErr := cmd.Run()
	if ctx.Err() != nil && cmd.Process != nil {
		// WaitDelay only kills sh; sweep whatever survived SIGTERM.
		_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	result := &engine.ActionResult{Output: out.Close()}

	switch {
	case runErr == nil, errors.Is(runErr, exec.ErrWaitDelay):
		return result, nil
	case ctx.Err() != nil:
		return result, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return result, exitError(exitErr.ExitCode(), transient)
	}
	return result, engine.NewFatalError(fmt.Sprintf("failed to start %s", shell), runErr)
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
