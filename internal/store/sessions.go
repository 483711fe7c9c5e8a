package store

import (
	"path/filepath"
	"time"

	"orchestra/internal/parser"
)

// SessionRecord is the persisted snapshot of one session.
type SessionRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	AgentID        string    `json:"agentId"`
	WorkDir        string    `json:"workDir"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SessionStore keeps the session list in <dir>/sessions.json.
type SessionStore struct {
	path string
}

func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{path: filepath.Join(dir, "sessions.json")}
}

// Load returns the persisted sessions, or none when nothing was saved.
func (s *SessionStore) Load() ([]SessionRecord, error) {
	var records []SessionRecord
	if _, err := ReadJSON(s.path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Save replaces the persisted session list.
func (s *SessionStore) Save(records []SessionRecord) error {
	if records == nil {
		records = []SessionRecord{}
	}
	return WriteJSON(s.path, records)
}

// HistoryType classifies a history entry.
type HistoryType string

const (
	HistoryAuto  HistoryType = "AUTO"
	HistoryUser  HistoryType = "USER"
	HistoryGroup HistoryType = "GROUP"
)

// HistoryEntry summarizes one completed unit of work.
type HistoryEntry struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	Type      HistoryType   `json:"type"`
	Summary   string        `json:"summary"`
	Success   bool          `json:"success"`
	Usage     *parser.Usage `json:"usage,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// HistoryStore keeps per-session history in <dir>/history/<sessionId>.jsonl.
type HistoryStore struct {
	dir string
}

func NewHistoryStore(dir string) *HistoryStore {
	return &HistoryStore{dir: filepath.Join(dir, "history")}
}

func (h *HistoryStore) path(sessionID string) string {
	return filepath.Join(h.dir, filepath.Base(sessionID)+".jsonl")
}

// Append records an entry for its session.
func (h *HistoryStore) Append(entry HistoryEntry) error {
	return AppendJSONL(h.path(entry.SessionID), entry)
}

// List returns a session's entries in insertion order.
func (h *HistoryStore) List(sessionID string) ([]HistoryEntry, error) {
	return ReadJSONL[HistoryEntry](h.path(sessionID))
}
