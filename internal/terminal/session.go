package terminal

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// settleDelay is how long Send waits for the process to react before
	// collecting its output.
	settleDelay = 500 * time.Millisecond

	// outputChanCap bounds the reader goroutine's channel. When the buffer
	// is full the reader blocks until a Read or Send drains it.
	outputChanCap = 256

	stopGrace = 2 * time.Second
)

// Session is one interactive subprocess. A single background goroutine drains
// its output into a bounded channel; callers pull the channel into a pending
// buffer under the mutex.
type Session struct {
	name      string
	command   string
	proc      *sessionProcess
	output    chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	mu        sync.Mutex
	pending   bytes.Buffer
	startedAt time.Time
}

func newSession(name, command, workdir string) (*Session, error) {
	proc, err := startSessionProcess(command, workdir)
	if err != nil {
		return nil, err
	}
	s := &Session{
		name:      name,
		command:   command,
		proc:      proc,
		output:    make(chan []byte, outputChanCap),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	go s.readLoop()
	return s, nil
}

// readLoop is the session's single reader goroutine. It exits on process EOF
// or when the session is stopped, closing the output channel either way.
func (s *Session) readLoop() {
	defer close(s.output)
	buf := make([]byte, 4096)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.output <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drainLocked moves everything currently queued by the reader into the
// pending buffer. Caller must hold s.mu.
func (s *Session) drainLocked() {
	for {
		select {
		case chunk, ok := <-s.output:
			if !ok {
				return
			}
			s.pending.Write(chunk)
		default:
			return
		}
	}
}

// Send clears any pending output, writes one input line and returns only the
// output produced after the write.
func (s *Session) Send(input string) (string, error) {
	s.mu.Lock()
	s.drainLocked()
	s.pending.Reset()
	s.mu.Unlock()

	line := strings.TrimRight(input, "\r\n") + "\n"
	if _, err := s.proc.Write([]byte(line)); err != nil {
		return "", fmt.Errorf("write to session %s: %w", s.name, err)
	}

	time.Sleep(settleDelay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
	out := s.pending.String()
	s.pending.Reset()
	return out, nil
}

// SendKey writes the byte sequence for a named special key.
func (s *Session) SendKey(key string) error {
	seq, err := KeySequence(key)
	if err != nil {
		return err
	}
	if _, err := s.proc.Write([]byte(seq)); err != nil {
		return fmt.Errorf("write key to session %s: %w", s.name, err)
	}
	return nil
}

// Read returns buffered output, draining the buffer when clear is set.
func (s *Session) Read(clear bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
	out := s.pending.String()
	if clear {
		s.pending.Reset()
	}
	return out
}

// WaitFor polls buffered output until it contains pattern or timeout elapses.
func (s *Session) WaitFor(pattern string, timeout time.Duration) (string, bool, error) {
	if pattern == "" {
		return "", false, fmt.Errorf("pattern is empty")
	}
	deadline := time.Now().Add(timeout)
	for {
		out := s.Read(false)
		if strings.Contains(out, pattern) {
			return out, true, nil
		}
		if time.Now().After(deadline) {
			return out, false, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// stop terminates the process: graceful signal, bounded wait, hard kill
// fallback. Closing the terminal handle unblocks the reader.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.proc.Terminate()
		waited := make(chan struct{})
		go func() {
			s.proc.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(stopGrace):
			s.proc.Kill()
			<-waited
		}
		s.proc.Close()
	})
}
