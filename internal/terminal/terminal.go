package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gofer/internal/logging"
)

// DefaultSessionName is used when a tool call does not name a session.
const DefaultSessionName = "main"

// Result captures the outcome of a one-shot command execution.
type Result struct {
	Command    string `json:"command"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Background bool   `json:"background,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// Info describes a live interactive session.
type Info struct {
	Name      string    `json:"name"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// Manager runs one-shot commands and owns the set of interactive sessions.
type Manager struct {
	mu       sync.Mutex
	workdir  string
	timeout  time.Duration
	sessions map[string]*Session
}

// NewManager creates a Manager whose commands run inside workdir.
func NewManager(workdir string, defaultTimeout time.Duration) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Manager{
		workdir:  workdir,
		timeout:  defaultTimeout,
		sessions: make(map[string]*Session),
	}
}

// Execute runs a shell command to completion (or detaches it when background
// is set) and reports captured output, exit code and duration.
func (m *Manager) Execute(ctx context.Context, command string, timeout time.Duration, background bool) (Result, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{}, errors.New("command is empty")
	}
	if name := blockedCommand(command); name != "" {
		return Result{}, fmt.Errorf("command '%s' requires interactive input and is not allowed. Use alternative approaches that don't require user interaction", name)
	}

	if background {
		cmd := shellCommand(context.Background(), command)
		cmd.Dir = m.workdir
		cmd.Stdin = nil
		if err := cmd.Start(); err != nil {
			return Result{}, fmt.Errorf("start command: %w", err)
		}
		pid := cmd.Process.Pid
		go cmd.Wait()
		logging.DebugLog("terminal: started background command pid=%d: %s", pid, command)
		return Result{Command: command, Background: true, PID: pid}, nil
	}

	if timeout <= 0 {
		timeout = m.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(runCtx, command)
	cmd.Dir = m.workdir
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := Result{
		Command:    command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration.Milliseconds(),
	}
	if ps := cmd.ProcessState; ps != nil {
		result.ExitCode = ps.ExitCode()
	}
	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logging.ErrorLog("terminal: command timed out after %s: %s", timeout, command)
			result.TimedOut = true
			result.ExitCode = -1
			return result, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit travels in ExitCode, not as a Go error.
			return result, nil
		}
		return result, runErr
	}
	return result, nil
}

// StartInteractive launches a named interactive session. An existing session
// under the same name is terminated first.
func (m *Manager) StartInteractive(name, command string) error {
	if name == "" {
		name = DefaultSessionName
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return errors.New("command is empty")
	}
	if blocked := blockedCommand(command); blocked != "" {
		return fmt.Errorf("command '%s' requires interactive input and is not allowed. Use alternative approaches that don't require user interaction", blocked)
	}

	m.mu.Lock()
	existing := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if existing != nil {
		logging.DebugLog("terminal: replacing session %s", name)
		existing.stop()
	}

	sess, err := newSession(name, command, m.workdir)
	if err != nil {
		return fmt.Errorf("start session %s: %w", name, err)
	}

	m.mu.Lock()
	m.sessions[name] = sess
	m.mu.Unlock()
	logging.DebugLog("terminal: session %s started: %s", name, command)
	return nil
}

// Send writes one input line to a session and returns the output produced
// after the send.
func (m *Manager) Send(name, input string) (string, error) {
	sess, err := m.session(name)
	if err != nil {
		return "", err
	}
	return sess.Send(input)
}

// SendKey writes a named special key (arrows, enter, tab, escape, space,
// ctrl+c) to a session.
func (m *Manager) SendKey(name, key string) error {
	sess, err := m.session(name)
	if err != nil {
		return err
	}
	return sess.SendKey(key)
}

// Read returns buffered session output, draining it when clear is set.
func (m *Manager) Read(name string, clear bool) (string, error) {
	sess, err := m.session(name)
	if err != nil {
		return "", err
	}
	return sess.Read(clear), nil
}

// WaitFor polls session output until it contains pattern or the timeout
// elapses. Returns the output seen and whether the pattern matched.
func (m *Manager) WaitFor(name, pattern string, timeout time.Duration) (string, bool, error) {
	sess, err := m.session(name)
	if err != nil {
		return "", false, err
	}
	return sess.WaitFor(pattern, timeout)
}

// Stop terminates a named session.
func (m *Manager) Stop(name string) error {
	if name == "" {
		name = DefaultSessionName
	}
	m.mu.Lock()
	sess, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session named %s", name)
	}
	sess.stop()
	logging.DebugLog("terminal: session %s stopped", name)
	return nil
}

// StopAll terminates every live session. Called at process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.stop()
	}
}

// Sessions lists live sessions sorted by name.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, Info{
			Name:      sess.name,
			Command:   sess.command,
			StartedAt: sess.startedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (m *Manager) session(name string) (*Session, error) {
	if name == "" {
		name = DefaultSessionName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("no session named %s", name)
	}
	return sess, nil
}

// blockedCommand reports the first program in the command line that demands
// interactive credentials.
func blockedCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	name := filepath.Base(fields[0])
	for _, blocked := range []string{"sudo", "su", "passwd"} {
		if name == blocked {
			return blocked
		}
	}
	return ""
}
