package groupchat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"orchestra/internal/store"
)

const (
	metadataFile   = "metadata.json"
	transcriptFile = "chat.log"
	historyFile    = "history.jsonl"
	imagesDir      = "images"
)

// ChatStore is the persistence the Manager needs.
type ChatStore interface {
	LoadChat(id string) (Chat, error)
	UpdateParticipants(id string, participants []Participant) error
	AddHistoryEntry(chatID string, entry HistoryEntry) (HistoryEntry, error)
}

// Storage keeps each chat under <root>/<chatId>/.
type Storage struct {
	root string
}

var _ ChatStore = (*Storage)(nil)

// NewStorage stores chats under <dataDir>/group-chats.
func NewStorage(dataDir string) *Storage {
	return &Storage{root: filepath.Join(dataDir, "group-chats")}
}

func (s *Storage) dir(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: invalid id %q", ErrChatNotFound, id)
	}
	return filepath.Join(s.root, id), nil
}

// CreateChat creates the chat directory, an empty transcript and images
// directory, and the metadata document.
func (s *Storage) CreateChat(name, moderatorAgentID string) (Chat, error) {
	id := uuid.New().String()
	dir, _ := s.dir(id)
	if err := os.MkdirAll(filepath.Join(dir, imagesDir), 0o755); err != nil {
		return Chat{}, fmt.Errorf("create chat dir: %w", err)
	}

	logPath := filepath.Join(dir, transcriptFile)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Chat{}, fmt.Errorf("create transcript: %w", err)
	}
	f.Close()

	now := time.Now().UTC()
	chat := Chat{
		ID:               id,
		Name:             name,
		ModeratorAgentID: moderatorAgentID,
		Participants:     []Participant{},
		LogPath:          logPath,
		ImagesDir:        filepath.Join(dir, imagesDir),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.WriteJSON(filepath.Join(dir, metadataFile), chat); err != nil {
		return Chat{}, err
	}
	return chat, nil
}

// LoadChat reads a chat's metadata.
func (s *Storage) LoadChat(id string) (Chat, error) {
	dir, err := s.dir(id)
	if err != nil {
		return Chat{}, err
	}
	var chat Chat
	found, err := store.ReadJSON(filepath.Join(dir, metadataFile), &chat)
	if err != nil {
		return Chat{}, err
	}
	if !found {
		return Chat{}, fmt.Errorf("%w: %s", ErrChatNotFound, id)
	}
	return chat, nil
}

// ListChats returns every readable chat, oldest first.
func (s *Storage) ListChats() ([]Chat, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return []Chat{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chats: %w", err)
	}

	chats := make([]Chat, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		chat, err := s.LoadChat(e.Name())
		if err != nil {
			continue
		}
		chats = append(chats, chat)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].CreatedAt.Before(chats[j].CreatedAt) })
	return chats, nil
}

// DeleteChat removes a chat and everything stored with it.
func (s *Storage) DeleteChat(id string) error {
	if _, err := s.LoadChat(id); err != nil {
		return err
	}
	dir, _ := s.dir(id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	return nil
}

// UpdateParticipants replaces a chat's persisted participant list.
func (s *Storage) UpdateParticipants(id string, participants []Participant) error {
	chat, err := s.LoadChat(id)
	if err != nil {
		return err
	}
	if participants == nil {
		participants = []Participant{}
	}
	chat.Participants = participants
	chat.UpdatedAt = time.Now().UTC()
	dir, _ := s.dir(id)
	return store.WriteJSON(filepath.Join(dir, metadataFile), chat)
}

// TranscriptPath returns the path of a chat's transcript.
func (s *Storage) TranscriptPath(id string) string {
	return filepath.Join(s.root, filepath.Base(id), transcriptFile)
}

func (s *Storage) historyPath(chatID string) (string, error) {
	if _, err := s.LoadChat(chatID); err != nil {
		return "", err
	}
	dir, _ := s.dir(chatID)
	return filepath.Join(dir, historyFile), nil
}

// AddHistoryEntry appends an entry, filling in its id and timestamp.
func (s *Storage) AddHistoryEntry(chatID string, entry HistoryEntry) (HistoryEntry, error) {
	path, err := s.historyPath(chatID)
	if err != nil {
		return HistoryEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := store.AppendJSONL(path, entry); err != nil {
		return HistoryEntry{}, err
	}
	return entry, nil
}

// ListHistory returns a chat's history in insertion order.
func (s *Storage) ListHistory(chatID string) ([]HistoryEntry, error) {
	path, err := s.historyPath(chatID)
	if err != nil {
		return nil, err
	}
	entries, err := store.ReadJSONL[HistoryEntry](path)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return entries, nil
}

// DeleteHistoryEntry removes one entry and reports whether it existed.
func (s *Storage) DeleteHistoryEntry(chatID, entryID string) (bool, error) {
	entries, err := s.ListHistory(chatID)
	if err != nil {
		return false, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != entryID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return false, nil
	}
	path, _ := s.historyPath(chatID)
	if err := store.RewriteJSONL(path, kept); err != nil {
		return false, err
	}
	return true, nil
}

// ClearHistory removes every history entry of a chat.
func (s *Storage) ClearHistory(chatID string) error {
	path, err := s.historyPath(chatID)
	if err != nil {
		return err
	}
	return store.RewriteJSONL[HistoryEntry](path, nil)
}
