// Package parser converts raw agent CLI output lines into normalized
// AgentEvents. Each agent family has its own Parser; a Registry selects one
// by agent id.
package parser

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Parser converts output lines of one agent family into AgentEvents.
//
// ParseLine never fails: empty or whitespace-only lines yield nil, lines
// that are not JSON yield a text event carrying the line verbatim, and JSON
// of an unknown shape yields a system event.
type Parser interface {
	AgentID() string
	ParseLine(line string) *AgentEvent

	// IsResultMessage reports whether the event is the terminal result of a
	// turn. Intermediate system markers never qualify.
	IsResultMessage(event *AgentEvent) bool
	ExtractSessionID(event *AgentEvent) string
	ExtractUsage(event *AgentEvent) *Usage

	// ExtractSlashCommands returns nil when the agent family has no notion
	// of slash commands.
	ExtractSlashCommands(event *AgentEvent) []string
}

// Registry maps agent ids to parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns a registry holding the built-in parser families.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(NewOpenCode())
	r.Register(NewClaudeCode())
	r.Register(NewCodex())
	return r
}

// Register adds or replaces the parser for p.AgentID().
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[p.AgentID()] = p
}

// Get returns the parser registered for agentID.
func (r *Registry) Get(agentID string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[agentID]
	return p, ok
}

// IDs returns the registered agent ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.parsers))
	for id := range r.parsers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// record is a decoded JSON object with lazily decoded fields.
type record map[string]json.RawMessage

// decodeLine prepares a line for parsing. It returns a non-nil event when the
// line is fully handled by the common rules (blank or not a JSON object), in
// which case done is true and event may still be nil for blank lines.
func decodeLine(line string) (rec record, raw json.RawMessage, event *AgentEvent, done bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, nil, nil, true
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, nil, &AgentEvent{Type: EventText, Text: line}, true
	}
	raw = json.RawMessage(trimmed)
	if err := json.Unmarshal(raw, &rec); err != nil || rec == nil {
		// Valid JSON that is not an object carries no type.
		return nil, raw, &AgentEvent{Type: EventSystem, Raw: raw}, true
	}
	return rec, raw, nil, false
}

func (r record) str(key string) string {
	v, ok := r[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

func (r record) obj(key string) record {
	v, ok := r[key]
	if !ok {
		return nil
	}
	var out record
	if err := json.Unmarshal(v, &out); err != nil {
		return nil
	}
	return out
}

func (r record) int(key string) int64 {
	v, ok := r[key]
	if !ok {
		return 0
	}
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		return 0
	}
	return int64(n)
}

func (r record) float(key string) float64 {
	v, ok := r[key]
	if !ok {
		return 0
	}
	var n float64
	if err := json.Unmarshal(v, &n); err != nil {
		return 0
	}
	return n
}

func (r record) bool(key string) bool {
	v, ok := r[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return false
	}
	return b
}

func (r record) has(key string) bool {
	v, ok := r[key]
	return ok && string(v) != "null"
}

// errorText renders an "error" field that may be a string or an object.
// Objects are searched for a message in the common places agents put one.
func errorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj record
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		if msg := obj.str("message"); msg != "" {
			return msg
		}
		if data := obj.obj("data"); data != nil {
			if msg := data.str("message"); msg != "" {
				return msg
			}
		}
		if name := obj.str("name"); name != "" {
			return name
		}
	}
	return string(raw)
}

// resultOnly implements IsResultMessage for every family.
func resultOnly(event *AgentEvent) bool {
	return event != nil && event.Type == EventResult
}

func sessionOf(event *AgentEvent) string {
	if event == nil {
		return ""
	}
	return event.SessionID
}

func usageOf(event *AgentEvent) *Usage {
	if event == nil {
		return nil
	}
	return event.Usage
}
