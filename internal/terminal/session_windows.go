//go:build windows

package terminal

import (
	"context"
	"io"
	"os"
	"os/exec"
)

// shellCommand builds the platform shell invocation for a one-shot command.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd", "/C", command)
}

// sessionProcess is a pipe-backed interactive process. Windows has no pty
// support here, so stdout and stderr are merged through one pipe and special
// keys are delivered as raw bytes the program may or may not interpret.
type sessionProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *os.File
}

func startSessionProcess(command, workdir string) (*sessionProcess, error) {
	cmd := exec.Command("cmd", "/C", command)
	cmd.Dir = workdir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	reader, writer, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		stdin.Close()
		reader.Close()
		writer.Close()
		return nil, err
	}
	// Parent's copy of the write end; the child holds its own.
	writer.Close()

	return &sessionProcess{cmd: cmd, stdin: stdin, reader: reader}, nil
}

func (p *sessionProcess) Read(b []byte) (int, error) {
	return p.reader.Read(b)
}

func (p *sessionProcess) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
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
	return p.cmd.Process.Kill()
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
	p.stdin.Close()
	return p.reader.Close()
}
