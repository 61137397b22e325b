//go:build !windows

package terminal

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// shellCommand builds the platform shell invocation for a one-shot command.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

// sessionProcess is a pty-backed interactive process. Stdout and stderr are
// inherently merged by the terminal, and control sequences (arrows, ctrl+c)
// are interpreted by the foreground program.
type sessionProcess struct {
	cmd *exec.Cmd
	tty *os.File
}

func startSessionProcess(command, workdir string) (*sessionProcess, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = workdir
	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}
	return &sessionProcess{cmd: cmd, tty: tty}, nil
}

func (p *sessionProcess) Read(b []byte) (int, error) {
	return p.tty.Read(b)
}

func (p *sessionProcess) Write(b []byte) (int, error) {
	return p.tty.Write(b)
}

func (p *sessionProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *sessionProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *sessionProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *sessionProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *sessionProcess) Close() error {
	return p.tty.Close()
}
