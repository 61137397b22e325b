package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Run lifecycle states persisted alongside the conversation history.
const (
	StatusIdle     = "idle"
	StatusRunning  = "running"
	StatusAwaiting = "awaiting_user_input"
	StatusStopped  = "stopped"
)

var (
	// ErrUnknownRun is returned when operations reference an undefined key.
	ErrUnknownRun = errors.New("unknown run")

	fileExtension = ".json"
	keySanitizer  = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

// Message mirrors the OpenAI chat schema so that stored history can be reused
// verbatim in requests.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall represents a function call request emitted by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is embedded inside ToolCall for OpenAI-compatible schemas.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Run is a named task execution: its goal, lifecycle status, step counter and
// the full chat history accumulated while working on it.
type Run struct {
	key         string
	goal        string
	status      string
	stepsTaken  int
	messages    []Message
	storagePath string
	createdAt   time.Time
	updatedAt   time.Time
}

// Key returns the identifier assigned to the run.
func (r *Run) Key() string {
	return r.key
}

// StoragePath returns the file path where this run is persisted.
func (r *Run) StoragePath() string {
	return r.storagePath
}

// Goal returns the task description the run was started with.
func (r *Run) Goal() string {
	return r.goal
}

// SetGoal records the task description for the run.
func (r *Run) SetGoal(goal string) {
	r.goal = goal
	r.touch()
}

// Status returns the current lifecycle state.
func (r *Run) Status() string {
	if r.status == "" {
		return StatusIdle
	}
	return r.status
}

// SetStatus moves the run to a new lifecycle state.
func (r *Run) SetStatus(status string) {
	r.status = status
	r.touch()
}

// StepsTaken returns how many agent steps the run has completed.
func (r *Run) StepsTaken() int {
	return r.stepsTaken
}

// SetStepsTaken records the completed step count.
func (r *Run) SetStepsTaken(n int) {
	r.stepsTaken = n
	r.touch()
}

// Messages exposes the underlying history for serialization.
func (r *Run) Messages() []Message {
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// MessageCount returns the number of stored messages.
func (r *Run) MessageCount() int {
	return len(r.messages)
}

// Append adds a new chat message to the history.
func (r *Run) Append(msg Message) {
	r.messages = append(r.messages, msg)
	r.touch()
}

// SetSystemMessage replaces the leading system message, inserting one when the
// history does not start with a system role. Each step rewrites this slot with
// the step-numbered prompt.
func (r *Run) SetSystemMessage(content string) {
	if len(r.messages) > 0 && r.messages[0].Role == "system" {
		r.messages[0].Content = content
	} else {
		r.messages = append([]Message{{Role: "system", Content: content}}, r.messages...)
	}
	r.touch()
}

// Clear removes all non-system history and reinstates the system prompt when given.
func (r *Run) Clear(systemPrompt string) {
	r.messages = r.messages[:0]
	if systemPrompt != "" {
		r.messages = append(r.messages, Message{Role: "system", Content: systemPrompt})
	}
	r.touch()
}

// ReplaceMessages swaps the current history with the provided slice.
func (r *Run) ReplaceMessages(messages []Message) {
	r.messages = make([]Message, len(messages))
	copy(r.messages, messages)
	r.touch()
}

// CreatedAt returns when the run was first persisted.
func (r *Run) CreatedAt() time.Time {
	return r.createdAt
}

// UpdatedAt returns when the run last changed.
func (r *Run) UpdatedAt() time.Time {
	return r.updatedAt
}

func (r *Run) touch() {
	now := time.Now()
	if r.createdAt.IsZero() {
		r.createdAt = now
	}
	r.updatedAt = now
}

// Manager orchestrates multiple named runs backed by disk persistence.
type Manager struct {
	mu           sync.RWMutex
	runs         map[string]*Run
	currentKey   string
	systemPrompt string
	root         string
	logger       *log.Logger
}

// NewManager sets up the container for managing runs stored under root.
func NewManager(systemPrompt, root string, logger *log.Logger) (*Manager, error) {
	if root == "" {
		root = "runs"
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	mgr := &Manager{
		runs:         make(map[string]*Run),
		systemPrompt: systemPrompt,
		root:         root,
		logger:       logger,
	}
	if err := mgr.loadExisting(); err != nil {
		return nil, err
	}
	return mgr, nil
}

// EnsureRun fetches or creates a run for the provided key.
func (m *Manager) EnsureRun(key string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		key = m.generateUniqueRunKeyLocked()
	}
	if run, ok := m.runs[key]; ok {
		m.currentKey = key
		return run, nil
	}
	run := newRun(key, m.systemPrompt)
	if err := m.assignPathLocked(run); err != nil {
		return nil, err
	}
	if err := m.persistRunLocked(run); err != nil {
		return nil, err
	}
	m.runs[key] = run
	m.currentKey = key
	return run, nil
}

// NewRun explicitly creates a fresh run and errors if the key exists.
func (m *Manager) NewRun(key string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		key = m.generateUniqueRunKeyLocked()
	}
	if _, exists := m.runs[key]; exists {
		return nil, fmt.Errorf("run %s already exists", key)
	}
	run := newRun(key, m.systemPrompt)
	if err := m.assignPathLocked(run); err != nil {
		return nil, err
	}
	if err := m.persistRunLocked(run); err != nil {
		return nil, err
	}
	m.runs[key] = run
	m.currentKey = key
	return run, nil
}

// Use switches to an existing run.
func (m *Manager) Use(key string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, key)
	}
	m.currentKey = key
	return run, nil
}

// Delete removes a stored run from memory and disk.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, key)
	}
	if run.storagePath != "" {
		if err := os.Remove(run.storagePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete run %s: %w", key, err)
		}
	}
	delete(m.runs, key)
	if m.currentKey == key {
		m.currentKey = ""
	}
	return nil
}

// Current exposes the active run, creating a default one if needed.
func (m *Manager) Current() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureCurrentLocked()
}

// CurrentKey reveals which run is active.
func (m *Manager) CurrentKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentKey
}

// ListKeys returns the known run identifiers.
func (m *Manager) ListKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.runs))
	for k := range m.runs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Summary captures metadata about a stored run without exposing message content.
type Summary struct {
	Key          string    `json:"key"`
	Goal         string    `json:"goal"`
	Status       string    `json:"status"`
	StepsTaken   int       `json:"steps_taken"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Summaries returns lightweight details for each known run, sorted by last update desc.
func (m *Manager) Summaries() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summaries := make([]Summary, 0, len(m.runs))
	for key, run := range m.runs {
		if run == nil {
			continue
		}
		summaries = append(summaries, Summary{
			Key:          key,
			Goal:         run.goal,
			Status:       run.Status(),
			StepsTaken:   run.stepsTaken,
			CreatedAt:    run.CreatedAt(),
			UpdatedAt:    run.UpdatedAt(),
			MessageCount: len(run.messages),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries
}

// SetSystemPrompt updates the default system prompt used for new runs.
func (m *Manager) SetSystemPrompt(prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemPrompt = prompt
}

// Save writes the provided run to disk.
func (m *Manager) Save(run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	if _, ok := m.runs[run.key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, run.key)
	}
	return m.persistRunLocked(run)
}

func (m *Manager) ensureCurrentLocked() *Run {
	if m.currentKey == "" {
		m.currentKey = m.generateUniqueRunKeyLocked()
	}
	if run, ok := m.runs[m.currentKey]; ok {
		return run
	}
	run := newRun(m.currentKey, m.systemPrompt)
	if err := m.assignPathLocked(run); err != nil {
		m.logger.Printf("assign storage path failed: %v", err)
	} else if err := m.persistRunLocked(run); err != nil {
		m.logger.Printf("persist run failed: %v", err)
	}
	m.runs[m.currentKey] = run
	return run
}

func (m *Manager) loadExisting() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read run root: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dayDir := filepath.Join(m.root, entry.Name())
		files, err := os.ReadDir(dayDir)
		if err != nil {
			m.logger.Printf("skip %s: %v", dayDir, err)
			continue
		}
		for _, fileEntry := range files {
			if fileEntry.IsDir() || filepath.Ext(fileEntry.Name()) != fileExtension {
				continue
			}
			path := filepath.Join(dayDir, fileEntry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				m.logger.Printf("read %s failed: %v", path, err)
				continue
			}
			var persisted persistedRun
			if err := json.Unmarshal(data, &persisted); err != nil {
				m.logger.Printf("parse %s failed: %v", path, err)
				continue
			}
			key := persisted.Key
			if key == "" {
				key = strings.TrimSuffix(fileEntry.Name(), fileExtension)
			}
			run := &Run{
				key:         key,
				goal:        persisted.Goal,
				status:      persisted.Status,
				stepsTaken:  persisted.StepsTaken,
				messages:    persisted.Messages,
				storagePath: path,
				createdAt:   persisted.CreatedAt,
				updatedAt:   persisted.UpdatedAt,
			}
			if run.createdAt.IsZero() {
				if info, statErr := os.Stat(path); statErr == nil {
					run.createdAt = info.ModTime()
				} else {
					run.createdAt = time.Now()
				}
			}
			if run.updatedAt.IsZero() {
				run.updatedAt = run.createdAt
			}
			if existing, exists := m.runs[run.key]; exists {
				if existing.updatedAt.After(run.updatedAt) {
					continue
				}
			}
			m.runs[run.key] = run
			loaded++
		}
	}
	if loaded > 0 {
		m.logger.Printf("loaded %d stored runs", loaded)

		// Resume from the most recently updated run.
		var mostRecent *Run
		for _, run := range m.runs {
			if mostRecent == nil || run.updatedAt.After(mostRecent.updatedAt) {
				mostRecent = run
			}
		}
		if mostRecent != nil {
			m.currentKey = mostRecent.key
		}
	}
	return nil
}

func (m *Manager) assignPathLocked(run *Run) error {
	if run.storagePath != "" {
		return nil
	}
	folder := filepath.Join(m.root, run.createdAt.Format("2006-01-02"))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("create folder %s: %w", folder, err)
	}
	sanitized := sanitizeKey(run.key)
	run.storagePath = filepath.Join(folder, sanitized+fileExtension)
	return nil
}

func (m *Manager) persistRunLocked(run *Run) error {
	if run.storagePath == "" {
		if err := m.assignPathLocked(run); err != nil {
			return err
		}
	}
	payload := persistedRun{
		Key:        run.key,
		Goal:       run.goal,
		Status:     run.Status(),
		StepsTaken: run.stepsTaken,
		Messages:   run.messages,
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	tmp := run.storagePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp run: %w", err)
	}
	if err := os.Rename(tmp, run.storagePath); err != nil {
		return fmt.Errorf("replace run: %w", err)
	}
	return nil
}

func sanitizeKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "run"
	}
	sanitized := keySanitizer.ReplaceAllString(trimmed, "_")
	sanitized = strings.Trim(sanitized, "_-")
	if sanitized == "" {
		sanitized = "run"
	}
	return sanitized
}

// generateUniqueRunKeyLocked creates a unique sequential run name (run-1, run-2, etc.).
// Caller must hold m.mu lock.
func (m *Manager) generateUniqueRunKeyLocked() string {
	maxNum := 0
	for key := range m.runs {
		var num int
		if _, err := fmt.Sscanf(key, "run-%d", &num); err == nil {
			if num > maxNum {
				maxNum = num
			}
		}
	}
	return fmt.Sprintf("run-%d", maxNum+1)
}

func newRun(key, systemPrompt string) *Run {
	now := time.Now()
	run := &Run{key: key, status: StatusIdle, createdAt: now, updatedAt: now}
	if systemPrompt != "" {
		run.messages = append(run.messages, Message{Role: "system", Content: systemPrompt})
	}
	return run
}

// persistedRun mirrors the JSON schema stored on disk.
type persistedRun struct {
	Key        string    `json:"key"`
	Goal       string    `json:"goal"`
	Status     string    `json:"status"`
	StepsTaken int       `json:"steps_taken"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
