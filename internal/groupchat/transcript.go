package groupchat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"orchestra/internal/store"
)

// Transcript is a chat's append-only log of JSON lines. Appends are
// serialized in-process by a mutex and across processes by a file lock, so
// entries never interleave.
type Transcript struct {
	mu   sync.Mutex
	path string
}

func NewTranscript(path string) *Transcript {
	return &Transcript{path: path}
}

// Path returns the log file path given to participants.
func (t *Transcript) Path() string { return t.path }

// Append adds one entry and returns it.
func (t *Transcript) Append(from, content string) (Message, error) {
	msg := Message{
		From:      from,
		Content:   strings.TrimRight(content, "\n"),
		Timestamp: time.Now().UTC(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := store.AppendJSONL(t.path, msg); err != nil {
		return Message{}, fmt.Errorf("append transcript: %w", err)
	}
	return msg, nil
}

// ReadAll returns every entry in order.
func (t *Transcript) ReadAll() ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs, err := store.ReadJSONL[Message](t.path)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// Tail returns the last n entries.
func (t *Transcript) Tail(n int) ([]Message, error) {
	msgs, err := t.ReadAll()
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}
