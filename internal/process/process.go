// Package process spawns and supervises agent and shell processes, keyed by
// a logical session id, and turns their output into callbacks.
package process

import (
	"errors"
	"sort"
	"sync"
	"time"

	"orchestra/internal/agent"
	"orchestra/internal/parser"
)

var (
	ErrNotFound       = errors.New("process not found")
	ErrAlreadyRunning = errors.New("process already running")
	ErrNotRunning     = errors.New("process not running")
	ErrUnknownAgent   = errors.New("unknown agent")
)

// SpawnConfig describes a process to start. Either AgentID (resolved
// through the agent catalog) or Command must be set.
type SpawnConfig struct {
	SessionID string
	AgentID   string
	Command   string
	Args      []string
	WorkDir   string
	Env       []string
	Options   agent.Options

	// Parser overrides the parser family used for stdout. When empty, the
	// agent's parser is used if JSON output was requested.
	Parser string
}

// SpawnResult reports the outcome of a spawn. PID is zero on failure.
type SpawnResult struct {
	PID     int  `json:"pid"`
	Success bool `json:"success"`
}

// OutputEventType distinguishes stdout, stderr, and exit events.
type OutputEventType string

const (
	OutputStdout OutputEventType = "stdout"
	OutputStderr OutputEventType = "stderr"
	OutputExit   OutputEventType = "exit"
)

// OutputEvent is a single line of output from a process. Event is set for
// stdout lines of processes with a parser.
type OutputEvent struct {
	SessionID string             `json:"sessionId"`
	Type      OutputEventType    `json:"type"`
	Data      string             `json:"data"`
	Event     *parser.AgentEvent `json:"event,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

type (
	DataHandler      func(sessionID, line string)
	EventHandler     func(sessionID string, event *parser.AgentEvent)
	ExitHandler      func(sessionID string, exitCode int)
	SessionIDHandler func(sessionID, agentSessionID string)
	UsageHandler     func(sessionID string, usage parser.Usage)
)

// Runner is the process surface the orchestration components depend on.
// Manager implements it over OS processes and Fake in memory.
type Runner interface {
	Spawn(cfg SpawnConfig) (SpawnResult, error)
	Write(sessionID, data string) error
	Interrupt(sessionID string) error
	Kill(sessionID string) bool
	IsRunning(sessionID string) bool

	OnData(h DataHandler) func()
	OnStderr(h DataHandler) func()
	OnEvent(h EventHandler) func()
	OnExit(h ExitHandler) func()
	OnSessionID(h SessionIDHandler) func()
	OnUsage(h UsageHandler) func()
}

// handlers holds subscriptions. Each On* call returns a function that
// removes the subscription.
type handlers struct {
	mu        sync.RWMutex
	next      int
	data      map[int]DataHandler
	stderr    map[int]DataHandler
	events    map[int]EventHandler
	exits     map[int]ExitHandler
	sessionID map[int]SessionIDHandler
	usage     map[int]UsageHandler
}

func newHandlers() *handlers {
	return &handlers{
		data:      make(map[int]DataHandler),
		stderr:    make(map[int]DataHandler),
		events:    make(map[int]EventHandler),
		exits:     make(map[int]ExitHandler),
		sessionID: make(map[int]SessionIDHandler),
		usage:     make(map[int]UsageHandler),
	}
}

func register[H any](h *handlers, m map[int]H, fn H) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	m[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(m, id)
		h.mu.Unlock()
	}
}

// snapshot copies the handler set so callbacks run without the lock held;
// handlers are free to call back into the Runner.
func snapshot[H any](h *handlers, m map[int]H) []H {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]H, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func (h *handlers) OnData(fn DataHandler) func()           { return register(h, h.data, fn) }
func (h *handlers) OnStderr(fn DataHandler) func()         { return register(h, h.stderr, fn) }
func (h *handlers) OnEvent(fn EventHandler) func()         { return register(h, h.events, fn) }
func (h *handlers) OnExit(fn ExitHandler) func()           { return register(h, h.exits, fn) }
func (h *handlers) OnSessionID(fn SessionIDHandler) func() { return register(h, h.sessionID, fn) }
func (h *handlers) OnUsage(fn UsageHandler) func()         { return register(h, h.usage, fn) }

// streamState tracks per-process parse state.
type streamState struct {
	parser         parser.Parser
	agentSessionID string
}

// dispatchStdout delivers one stdout line: raw to data handlers, and parsed
// to event, session-id and usage handlers. It returns the parsed event.
func (h *handlers) dispatchStdout(sessionID, line string, st *streamState) *parser.AgentEvent {
	for _, fn := range snapshot(h, h.data) {
		fn(sessionID, line)
	}
	if st == nil || st.parser == nil {
		return nil
	}
	ev := st.parser.ParseLine(line)
	if ev == nil {
		return nil
	}
	h.dispatchEvent(sessionID, ev, st)
	return ev
}

// dispatchEvent reports session-id changes and usage before the event
// itself, so event handlers that close a turn see the turn's usage.
func (h *handlers) dispatchEvent(sessionID string, ev *parser.AgentEvent, st *streamState) {
	var id string
	var usage *parser.Usage
	if st != nil && st.parser != nil {
		id = st.parser.ExtractSessionID(ev)
		usage = st.parser.ExtractUsage(ev)
	} else {
		id, usage = ev.SessionID, ev.Usage
	}
	if id != "" && st != nil && id != st.agentSessionID {
		st.agentSessionID = id
		for _, fn := range snapshot(h, h.sessionID) {
			fn(sessionID, id)
		}
	}
	if usage != nil {
		for _, fn := range snapshot(h, h.usage) {
			fn(sessionID, *usage)
		}
	}
	for _, fn := range snapshot(h, h.events) {
		fn(sessionID, ev)
	}
}

func (h *handlers) dispatchStderr(sessionID, line string) {
	for _, fn := range snapshot(h, h.stderr) {
		fn(sessionID, line)
	}
}

func (h *handlers) dispatchExit(sessionID string, code int) {
	for _, fn := range snapshot(h, h.exits) {
		fn(sessionID, code)
	}
}
