package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestra/internal/agent"
	"orchestra/internal/notify"
	"orchestra/internal/parser"
	"orchestra/internal/process"
	"orchestra/internal/store"
)

// shellSentinel is echoed after every shell command; its line marks the
// command complete and carries the command's exit status.
const shellSentinel = "__ORCHESTRA_CMD_DONE__"

const defaultShell = "/bin/sh"

// Output is one line or parsed event from a session process, forwarded to
// output handlers.
type Output struct {
	SessionID string             `json:"sessionId"`
	Mode      Mode               `json:"mode"`
	Stream    string             `json:"stream"` // stdout, stderr or event
	Data      string             `json:"data,omitempty"`
	Event     *parser.AgentEvent `json:"event,omitempty"`
}

type OutputHandler func(Output)

// StateChange is the payload of session-state-changed notifications.
type StateChange struct {
	Mode    Mode   `json:"mode"`
	State   State  `json:"state"`
	Error   string `json:"error,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// QueueChange is the payload of queue-changed notifications.
type QueueChange struct {
	Mode  Mode            `json:"mode"`
	Queue []QueuedMessage `json:"queue"`
}

// Config wires a Machine. Runner and Catalog are required.
type Config struct {
	Runner      process.Runner
	Catalog     *agent.Catalog
	Registry    *Registry
	Bus         *notify.Bus
	Store       *store.SessionStore
	Shell       string
	MaxSessions int
	Logger      *slog.Logger
}

// Machine owns session state transitions. It reacts to process callbacks
// from its Runner and issues the next command back into it.
type Machine struct {
	runner      process.Runner
	catalog     *agent.Catalog
	registry    *Registry
	bus         *notify.Bus
	store       *store.SessionStore
	shell       string
	maxSessions int
	logger      *slog.Logger

	outMu   sync.RWMutex
	outNext int
	outputs map[int]OutputHandler

	unsubs []func()
}

// NewMachine creates a Machine and subscribes it to the runner's callbacks.
func NewMachine(cfg Config) *Machine {
	m := &Machine{
		runner:      cfg.Runner,
		catalog:     cfg.Catalog,
		registry:    cfg.Registry,
		bus:         cfg.Bus,
		store:       cfg.Store,
		shell:       cfg.Shell,
		maxSessions: cfg.MaxSessions,
		logger:      cfg.Logger,
		outputs:     make(map[int]OutputHandler),
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.shell == "" {
		m.shell = defaultShell
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}

	r := cfg.Runner
	m.unsubs = []func(){
		r.OnData(m.handleData),
		r.OnStderr(m.handleStderr),
		r.OnEvent(m.handleEvent),
		r.OnExit(m.handleExit),
		r.OnSessionID(m.handleSessionID),
		r.OnUsage(m.handleUsage),
	}
	return m
}

// Close detaches the machine from its runner.
func (m *Machine) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

// Registry returns the session registry the machine mutates.
func (m *Machine) Registry() *Registry { return m.registry }

// OnOutput registers fn for session output and returns its unsubscribe.
func (m *Machine) OnOutput(fn OutputHandler) func() {
	m.outMu.Lock()
	m.outNext++
	id := m.outNext
	m.outputs[id] = fn
	m.outMu.Unlock()
	return func() {
		m.outMu.Lock()
		delete(m.outputs, id)
		m.outMu.Unlock()
	}
}

func (m *Machine) emit(out Output) {
	m.outMu.RLock()
	fns := make([]OutputHandler, 0, len(m.outputs))
	for _, fn := range m.outputs {
		fns = append(fns, fn)
	}
	m.outMu.RUnlock()
	for _, fn := range fns {
		fn(out)
	}
}

// CreateRequest describes a new session. ID, AgentSessionID and CreatedAt
// are set when restoring a persisted session.
type CreateRequest struct {
	ID             string
	Name           string
	AgentID        string
	WorkDir        string
	Model          string
	ReadOnly       bool
	AgentSessionID string
	CreatedAt      time.Time
}

// Create registers a session and starts its processes: the shell always,
// and the agent too when it takes input on stdin. Batch agents are spawned
// per prompt. If the pair cannot be completed the session is kept in the
// error state and a *PairingError is returned.
func (m *Machine) Create(req CreateRequest) (Session, error) {
	def, ok := m.catalog.Get(req.AgentID)
	if !ok {
		return Session{}, fmt.Errorf("%w: unknown agent %s", ErrSpawnFailed, req.AgentID)
	}
	if err := def.CheckTurns(); err != nil {
		return Session{}, err
	}

	s := Session{
		ID:             req.ID,
		Name:           req.Name,
		AgentID:        def.ID,
		WorkDir:        req.WorkDir,
		Model:          req.Model,
		ReadOnly:       req.ReadOnly,
		CreatedAt:      req.CreatedAt,
		State:          StateIdle,
		ShellState:     StateIdle,
		AgentSessionID: req.AgentSessionID,
		Queue:          []QueuedMessage{},
		ShellQueue:     []QueuedMessage{},
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Name == "" {
		s.Name = def.Name
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	e := &entry{s: s, delivery: def.Delivery}
	if err := m.registry.add(e, m.maxSessions); err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	err := m.startPair(&e.s, def)
	if err != nil {
		e.s.State = StateError
		e.s.ShellState = StateError
		e.s.LastError = err.Error()
	}
	snap := e.s.clone()
	e.mu.Unlock()

	m.persist()
	m.publishState(snap.ID, ModeAI, snap.State, snap.LastError)

	if err != nil {
		m.logger.Warn("session create failed", "session", snap.ID, "agent", snap.AgentID, "error", err)
		return snap, err
	}
	m.logger.Info("session created", "session", snap.ID, "agent", snap.AgentID, "workdir", snap.WorkDir)
	return snap, nil
}

func (m *Machine) startPair(s *Session, def *agent.Definition) error {
	aiPID := 0
	if def.Delivery == agent.DeliveryStdin {
		res, err := m.runner.Spawn(m.interactiveConfig(s, def))
		if err := spawnError(res, err); err != nil {
			return &PairingError{Err: err}
		}
		aiPID = res.PID
		s.AIPID = aiPID
	}

	res, err := m.runner.Spawn(process.SpawnConfig{
		SessionID: TerminalProcessID(s.ID),
		Command:   m.shell,
		WorkDir:   s.WorkDir,
	})
	if err := spawnError(res, err); err != nil {
		if aiPID > 0 {
			m.runner.Kill(AIProcessID(s.ID))
			s.AIPID = 0
		}
		return &PairingError{AIPID: aiPID, Err: err}
	}
	s.TerminalPID = res.PID
	return nil
}

func spawnError(res process.SpawnResult, err error) error {
	if err != nil {
		return err
	}
	if !res.Success || res.PID <= 0 {
		return fmt.Errorf("invalid pid %d", res.PID)
	}
	return nil
}

func (m *Machine) interactiveConfig(s *Session, def *agent.Definition) process.SpawnConfig {
	return process.SpawnConfig{
		SessionID: AIProcessID(s.ID),
		AgentID:   def.ID,
		WorkDir:   s.WorkDir,
		Parser:    def.Parser,
		Options: agent.Options{
			JSONOutput: true,
			WorkDir:    s.WorkDir,
			ReadOnly:   s.ReadOnly,
			Model:      s.Model,
			ResumeID:   s.AgentSessionID,
		},
	}
}

func (m *Machine) batchConfig(s *Session, def *agent.Definition, prompt string) process.SpawnConfig {
	cfg := m.interactiveConfig(s, def)
	cfg.Options.Batch = true
	cfg.Options.Prompt = prompt
	return cfg
}

// Send submits input to a session's family. Input arriving while the
// family is busy is queued, never forwarded.
func (m *Machine) Send(sessionID string, mode Mode, text string) error {
	e := m.registry.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.s
	state, queue, history := &s.State, &s.Queue, &s.AIHistory
	if mode == ModeShell {
		state, queue, history = &s.ShellState, &s.ShellQueue, &s.ShellHistory
	}

	switch *state {
	case StateError:
		return fmt.Errorf("%w: %s", ErrSessionErrored, sessionID)
	case StateBusy:
		*queue = append(*queue, QueuedMessage{
			ID:       uuid.New().String(),
			Text:     text,
			QueuedAt: time.Now().UTC(),
		})
		m.publishQueue(s.ID, mode, *queue)
		return nil
	}

	*state = StateBusy
	*history = append(*history, text)
	m.publishState(s.ID, mode, StateBusy, "")

	if err := m.deliver(e, mode, text); err != nil {
		m.fail(s, mode, err)
		return err
	}
	return nil
}

func (m *Machine) deliver(e *entry, mode Mode, text string) error {
	s := &e.s
	if mode == ModeShell {
		cmd := strings.TrimRight(text, "\n") + "\necho " + shellSentinel + ":$?\n"
		if err := m.runner.Write(TerminalProcessID(s.ID), cmd); err != nil {
			return fmt.Errorf("write to shell: %w", err)
		}
		return nil
	}

	if e.delivery == agent.DeliveryStdin {
		if err := m.runner.Write(AIProcessID(s.ID), text+"\n"); err != nil {
			return fmt.Errorf("write to agent: %w", err)
		}
		return nil
	}

	def, ok := m.catalog.Get(s.AgentID)
	if !ok {
		return fmt.Errorf("%w: unknown agent %s", ErrSpawnFailed, s.AgentID)
	}
	res, err := m.runner.Spawn(m.batchConfig(s, def, text))
	if err := spawnError(res, err); err != nil {
		return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	s.AIPID = res.PID
	return nil
}

// fail moves a family to the error state. Caller holds the entry lock.
func (m *Machine) fail(s *Session, mode Mode, err error) {
	if mode == ModeShell {
		s.ShellState = StateError
	} else {
		s.State = StateError
	}
	s.LastError = err.Error()
	m.logger.Warn("session failed", "session", s.ID, "mode", mode, "error", err)
	m.publishState(s.ID, mode, StateError, s.LastError)
}

// advance finishes the current turn of a family: the next queued input is
// issued and the family stays busy, or it goes idle. Caller holds the entry
// lock.
func (m *Machine) advance(e *entry, mode Mode) {
	s := &e.s
	state, queue, history := &s.State, &s.Queue, &s.AIHistory
	if mode == ModeShell {
		state, queue, history = &s.ShellState, &s.ShellQueue, &s.ShellHistory
	}
	if *state != StateBusy {
		return
	}

	if len(*queue) == 0 {
		*state = StateIdle
		m.publishState(s.ID, mode, StateIdle, "")
		return
	}

	next := (*queue)[0]
	*queue = (*queue)[1:]
	*history = append(*history, next.Text)
	m.publishQueue(s.ID, mode, *queue)

	if err := m.deliver(e, mode, next.Text); err != nil {
		m.fail(s, mode, err)
	}
}

// IsControlLine reports whether line is the shell's completion marker,
// which is consumed rather than shown.
func IsControlLine(line string) bool {
	return strings.HasPrefix(line, shellSentinel+":")
}

func (m *Machine) find(processID string) (*entry, string, Mode) {
	id, mode, ok := splitProcessID(processID)
	if !ok {
		return nil, "", ""
	}
	return m.registry.lookup(id), id, mode
}

func (m *Machine) handleData(processID, line string) {
	e, id, mode := m.find(processID)
	if e == nil {
		return
	}
	if mode == ModeShell {
		if rest, ok := strings.CutPrefix(line, shellSentinel+":"); ok {
			code, _ := strconv.Atoi(strings.TrimSpace(rest))
			m.logger.Debug("shell command finished", "session", id, "exit_code", code)
			e.mu.Lock()
			m.advance(e, ModeShell)
			e.mu.Unlock()
			return
		}
	}
	m.emit(Output{SessionID: id, Mode: mode, Stream: "stdout", Data: line})
}

func (m *Machine) handleStderr(processID, line string) {
	if e, id, mode := m.find(processID); e != nil {
		m.emit(Output{SessionID: id, Mode: mode, Stream: "stderr", Data: line})
	}
}

func (m *Machine) handleEvent(processID string, ev *parser.AgentEvent) {
	e, id, mode := m.find(processID)
	if e == nil || mode != ModeAI {
		return
	}
	m.emit(Output{SessionID: id, Mode: mode, Stream: "event", Event: ev})

	// Interactive agents stay alive between prompts; their turn ends on the
	// result event rather than on exit.
	if ev.Type == parser.EventResult && e.delivery == agent.DeliveryStdin {
		e.mu.Lock()
		m.advance(e, ModeAI)
		e.mu.Unlock()
	}
}

func (m *Machine) handleExit(processID string, code int) {
	e, id, mode := m.find(processID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.s

	if mode == ModeShell {
		s.TerminalPID = 0
		if s.ShellState != StateError {
			m.fail(s, ModeShell, fmt.Errorf("shell exited with code %d", code))
		}
		return
	}

	s.AIPID = 0
	if e.delivery == agent.DeliveryStdin {
		if s.State != StateError {
			m.fail(s, ModeAI, fmt.Errorf("agent exited with code %d", code))
		}
		return
	}

	if code != 0 {
		s.LastError = fmt.Sprintf("agent exited with code %d", code)
		m.logger.Warn("batch agent exited with error", "session", id, "exit_code", code)
	}
	m.advance(e, ModeAI)
}

func (m *Machine) handleSessionID(processID, agentSessionID string) {
	e, _, mode := m.find(processID)
	if e == nil || mode != ModeAI {
		return
	}
	e.mu.Lock()
	changed := e.s.AgentSessionID != agentSessionID
	e.s.AgentSessionID = agentSessionID
	e.mu.Unlock()
	if changed {
		m.persist()
	}
}

func (m *Machine) handleUsage(processID string, usage parser.Usage) {
	e, id, mode := m.find(processID)
	if e == nil || mode != ModeAI {
		return
	}
	e.mu.Lock()
	e.s.Usage.Add(&usage)
	total := e.s.Usage
	e.mu.Unlock()
	m.bus.Publish(notify.UsageUpdated, id, total)
}

// Interrupt signals the family's process. It does not escalate; callers
// fall back to Kill.
func (m *Machine) Interrupt(sessionID string, mode Mode) error {
	if m.registry.lookup(sessionID) == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := m.runner.Interrupt(ProcessID(sessionID, mode)); err != nil {
		return fmt.Errorf("interrupt %s: %w", sessionID, err)
	}
	return nil
}

// Kill forcefully stops the family's process and reports whether a live
// process was killed.
func (m *Machine) Kill(sessionID string, mode Mode) (bool, error) {
	if m.registry.lookup(sessionID) == nil {
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.runner.Kill(ProcessID(sessionID, mode)), nil
}

// Delete removes a session and kills both of its processes.
func (m *Machine) Delete(sessionID string) error {
	if m.registry.remove(sessionID) == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.runner.Kill(AIProcessID(sessionID))
	m.runner.Kill(TerminalProcessID(sessionID))
	m.persist()
	m.bus.Publish(notify.SessionStateChanged, sessionID, StateChange{Mode: ModeAI, Deleted: true})
	m.logger.Info("session deleted", "session", sessionID)
	return nil
}

// Get returns a copy of a session.
func (m *Machine) Get(sessionID string) (Session, error) {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// List returns copies of all sessions, oldest first.
func (m *Machine) List() []Session {
	return m.registry.List()
}

// AcquireWriteLock gives tabID write access to a session. Re-acquiring an
// owned lock succeeds.
func (m *Machine) AcquireWriteLock(sessionID, tabID string) error {
	e := m.registry.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.WriteLockOwner != "" && e.s.WriteLockOwner != tabID {
		return fmt.Errorf("%w: held by %s", ErrWriteLocked, e.s.WriteLockOwner)
	}
	e.s.WriteLockOwner = tabID
	return nil
}

// ReleaseWriteLock drops tabID's lock. Releasing a lock held by another tab
// is a no-op.
func (m *Machine) ReleaseWriteLock(sessionID, tabID string) error {
	e := m.registry.lookup(sessionID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.WriteLockOwner == tabID {
		e.s.WriteLockOwner = ""
	}
	return nil
}

// WriteLockOwner returns the tab holding a session's write lock, or "".
func (m *Machine) WriteLockOwner(sessionID string) (string, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return "", err
	}
	return s.WriteLockOwner, nil
}

// Snapshot returns the persistable view of every session.
func (m *Machine) Snapshot() []store.SessionRecord {
	sessions := m.registry.List()
	records := make([]store.SessionRecord, 0, len(sessions))
	for _, s := range sessions {
		records = append(records, store.SessionRecord{
			ID:             s.ID,
			Name:           s.Name,
			AgentID:        s.AgentID,
			WorkDir:        s.WorkDir,
			AgentSessionID: s.AgentSessionID,
			CreatedAt:      s.CreatedAt,
		})
	}
	return records
}

func (m *Machine) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(m.Snapshot()); err != nil {
		m.logger.Warn("persist sessions", "error", err)
	}
}

// Restore recreates the persisted sessions, resuming each agent's
// conversation where the agent supports it.
func (m *Machine) Restore() error {
	if m.store == nil {
		return nil
	}
	records, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	var errs []error
	for _, r := range records {
		_, err := m.Create(CreateRequest{
			ID:             r.ID,
			Name:           r.Name,
			AgentID:        r.AgentID,
			WorkDir:        r.WorkDir,
			AgentSessionID: r.AgentSessionID,
			CreatedAt:      r.CreatedAt,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", r.ID, err))
		}
	}
	m.logger.Info("sessions restored", "count", len(records)-len(errs), "failed", len(errs))
	return errors.Join(errs...)
}

func (m *Machine) publishState(sessionID string, mode Mode, state State, errText string) {
	m.bus.Publish(notify.SessionStateChanged, sessionID, StateChange{Mode: mode, State: state, Error: errText})
}

func (m *Machine) publishQueue(sessionID string, mode Mode, queue []QueuedMessage) {
	m.bus.Publish(notify.QueueChanged, sessionID, QueueChange{Mode: mode, Queue: append([]QueuedMessage(nil), queue...)})
}
