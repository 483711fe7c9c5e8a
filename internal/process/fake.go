package process

import (
	"fmt"
	"sync"

	"orchestra/internal/parser"
)

// Op names a recorded Fake call.
type Op string

const (
	OpSpawn     Op = "spawn"
	OpWrite     Op = "write"
	OpInterrupt Op = "interrupt"
	OpKill      Op = "kill"
)

// Call is one recorded interaction with a Fake.
type Call struct {
	Op        Op
	SessionID string
	Data      string
}

// Fake is an in-memory Runner for tests. It records every call in order and
// lets tests drive output and exits through Emit* and Exit.
type Fake struct {
	*handlers

	mu       sync.Mutex
	calls    []Call
	spawns   []SpawnConfig
	running  map[string]int
	streams  map[string]*streamState
	nextPID  int
	spawnErr map[string]error
	writeErr map[string]error
	parsers  *parser.Registry
}

var _ Runner = (*Fake)(nil)

// NewFake creates a Fake. When parsers is non-nil, EmitLine runs lines
// through the parser named by each spawn's SpawnConfig.Parser.
func NewFake(parsers *parser.Registry) *Fake {
	return &Fake{
		handlers: newHandlers(),
		running:  make(map[string]int),
		streams:  make(map[string]*streamState),
		nextPID:  1000,
		spawnErr: make(map[string]error),
		writeErr: make(map[string]error),
		parsers:  parsers,
	}
}

// FailSpawn makes the next spawn of id fail with err.
func (f *Fake) FailSpawn(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnErr[id] = err
}

// FailWrite makes writes to id fail with err until cleared with a nil err.
func (f *Fake) FailWrite(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.writeErr, id)
		return
	}
	f.writeErr[id] = err
}

func (f *Fake) Spawn(cfg SpawnConfig) (SpawnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: OpSpawn, SessionID: cfg.SessionID})
	f.spawns = append(f.spawns, cfg)

	if err, ok := f.spawnErr[cfg.SessionID]; ok {
		delete(f.spawnErr, cfg.SessionID)
		return SpawnResult{}, err
	}
	if _, ok := f.running[cfg.SessionID]; ok {
		return SpawnResult{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.SessionID)
	}

	f.nextPID++
	f.running[cfg.SessionID] = f.nextPID
	st := &streamState{}
	if f.parsers != nil && cfg.Parser != "" {
		st.parser, _ = f.parsers.Get(cfg.Parser)
	}
	f.streams[cfg.SessionID] = st
	return SpawnResult{PID: f.nextPID, Success: true}, nil
}

func (f *Fake) Write(id, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: OpWrite, SessionID: id, Data: data})
	if err, ok := f.writeErr[id]; ok {
		return err
	}
	if _, ok := f.running[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (f *Fake) Interrupt(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: OpInterrupt, SessionID: id})
	if _, ok := f.running[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Kill marks id as no longer running. Like the real Manager it does not
// dispatch the exit itself; tests call Exit to simulate the process ending.
func (f *Fake) Kill(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: OpKill, SessionID: id})
	if _, ok := f.running[id]; !ok {
		return false
	}
	delete(f.running, id)
	return true
}

func (f *Fake) IsRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[id]
	return ok
}

// EmitData delivers a stdout line for id, parsing it when the spawn named a
// parser.
func (f *Fake) EmitData(id, line string) *parser.AgentEvent {
	return f.dispatchStdout(id, line, f.stream(id))
}

// EmitStderr delivers a stderr line for id.
func (f *Fake) EmitStderr(id, line string) {
	f.dispatchStderr(id, line)
}

// EmitEvent delivers an already parsed event for id.
func (f *Fake) EmitEvent(id string, ev *parser.AgentEvent) {
	st := f.stream(id)
	if st == nil {
		st = &streamState{}
	}
	f.dispatchEvent(id, ev, st)
}

// Exit ends the process under id and dispatches its exit.
func (f *Fake) Exit(id string, code int) {
	f.mu.Lock()
	delete(f.running, id)
	delete(f.streams, id)
	f.mu.Unlock()
	f.dispatchExit(id, code)
}

func (f *Fake) stream(id string) *streamState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[id]
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the recorded calls for one session id.
func (f *Fake) CallsFor(id string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.SessionID == id {
			out = append(out, c)
		}
	}
	return out
}

// Spawns returns a copy of every SpawnConfig passed to Spawn.
func (f *Fake) Spawns() []SpawnConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SpawnConfig, len(f.spawns))
	copy(out, f.spawns)
	return out
}

// LastSpawn returns the most recent SpawnConfig.
func (f *Fake) LastSpawn() (SpawnConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawns) == 0 {
		return SpawnConfig{}, false
	}
	return f.spawns[len(f.spawns)-1], true
}

// Running returns the ids currently marked running.
func (f *Fake) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.running))
	for id := range f.running {
		out = append(out, id)
	}
	return out
}

// Reset clears recorded calls and spawns but keeps running state.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.spawns = nil
}
