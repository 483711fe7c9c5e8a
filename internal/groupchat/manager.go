package groupchat

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"orchestra/internal/agent"
	"orchestra/internal/notify"
	"orchestra/internal/parser"
	"orchestra/internal/process"
)

// member is a live moderator or participant process.
type member struct {
	chatID    string
	name      string
	agentID   string
	processID string
	workDir   string
	parser    string
	delivery  agent.Delivery
	moderator bool
	addedAt   time.Time

	systemPrompt   string
	agentSessionID string
	state          ParticipantState

	// Current turn.
	intro     bool
	reply     strings.Builder
	usage     parser.Usage
	turnStart time.Time
}

func (mb *member) from() string {
	if mb.moderator {
		return FromModerator
	}
	return mb.name
}

type chatRuntime struct {
	id         string
	name       string
	transcript *Transcript

	// op serializes the operations that start, stop or message processes of
	// the chat and is held across runner calls. mu guards the fields below
	// and the members' turn state; it is never held across runner calls.
	op sync.Mutex

	mu           sync.Mutex
	moderator    *member
	participants map[string]*member
	state        ChatState
}

func (rt *chatRuntime) tracks(mb *member) bool {
	return rt.moderator == mb || rt.participants[mb.name] == mb
}

// Config wires a Manager. A nil Runner limits the Manager to storage-only
// operations.
type Config struct {
	Runner  process.Runner
	Catalog *agent.Catalog
	Store   ChatStore
	Bus     *notify.Bus
	Logger  *slog.Logger
}

// Manager owns the moderator and participant processes of every chat.
type Manager struct {
	runner  process.Runner
	catalog *agent.Catalog
	store   ChatStore
	bus     *notify.Bus
	logger  *slog.Logger

	// mu guards the maps only. Lock order is rt.op, rt.mu, then mu.
	mu    sync.RWMutex
	chats map[string]*chatRuntime
	procs map[string]*member

	unsubs []func()
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		runner:  cfg.Runner,
		catalog: cfg.Catalog,
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		chats:   make(map[string]*chatRuntime),
		procs:   make(map[string]*member),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if r := cfg.Runner; r != nil {
		m.unsubs = []func(){
			r.OnData(m.handleData),
			r.OnEvent(m.handleEvent),
			r.OnExit(m.handleExit),
			r.OnSessionID(m.handleSessionID),
			r.OnUsage(m.handleUsage),
		}
	}
	return m
}

// Close detaches the manager from its runner.
func (m *Manager) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

// Shutdown stops every moderator and participant.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.chats))
	for id := range m.chats {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.StopModerator(id); err != nil {
			m.logger.Debug("stop moderator during shutdown", "chat", id, "error", err)
		}
	}
}

// runtime returns the runtime of chatID, loading its metadata on first use.
func (m *Manager) runtime(chatID string) (*chatRuntime, error) {
	if rt := m.loaded(chatID); rt != nil {
		return rt, nil
	}
	chat, err := m.store.LoadChat(chatID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.chats[chatID]; ok {
		return rt, nil
	}
	rt := &chatRuntime{
		id:           chat.ID,
		name:         chat.Name,
		transcript:   NewTranscript(chat.LogPath),
		participants: make(map[string]*member),
		state:        ChatIdle,
	}
	m.chats[chatID] = rt
	return rt, nil
}

// loaded returns the runtime of chatID, or nil when it was never loaded.
func (m *Manager) loaded(chatID string) *chatRuntime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chats[chatID]
}

func (m *Manager) track(mb *member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[mb.processID] = mb
}

func (m *Manager) forget(mb *member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.procs[mb.processID] == mb {
		delete(m.procs, mb.processID)
	}
}

// Transcript returns the transcript of chatID.
func (m *Manager) Transcript(chatID string) (*Transcript, error) {
	rt, err := m.runtime(chatID)
	if err != nil {
		return nil, err
	}
	return rt.transcript, nil
}

// State returns what chatID is waiting on.
func (m *Manager) State(chatID string) ChatState {
	rt := m.loaded(chatID)
	if rt == nil {
		return ChatIdle
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func moderatorProcessID(chatID string) string {
	return fmt.Sprintf("group-chat-%s-moderator", chatID)
}

func participantProcessID(chatID, name string) string {
	return fmt.Sprintf("group-chat-%s-participant-%s", chatID, name)
}

// start launches mb's process and gives it its system prompt. mb is already
// tracked; the turn begins before the spawn so early output is kept. Caller
// holds rt.op.
func (m *Manager) start(rt *chatRuntime, mb *member) error {
	if m.runner == nil {
		return ErrNoRunner
	}
	cfg := process.SpawnConfig{
		SessionID: mb.processID,
		AgentID:   mb.agentID,
		WorkDir:   mb.workDir,
		Parser:    mb.parser,
		Options: agent.Options{
			JSONOutput: true,
			WorkDir:    mb.workDir,
		},
	}
	if mb.delivery == agent.DeliveryBatch {
		cfg.Options.Batch = true
		cfg.Options.Prompt = mb.systemPrompt
	}

	rt.mu.Lock()
	mb.intro = true
	m.beginTurn(rt, mb)
	rt.mu.Unlock()

	res, err := m.runner.Spawn(cfg)
	if err == nil && (!res.Success || res.PID <= 0) {
		err = fmt.Errorf("invalid pid %d", res.PID)
	}
	if err != nil {
		err = fmt.Errorf("spawn %s: %w", mb.from(), err)
	} else if mb.delivery == agent.DeliveryStdin {
		if werr := m.runner.Write(mb.processID, mb.systemPrompt+"\n"); werr != nil {
			m.runner.Kill(mb.processID)
			err = fmt.Errorf("send system prompt to %s: %w", mb.from(), werr)
		}
	}
	if err != nil {
		m.abortTurn(rt, mb)
		return err
	}
	return nil
}

// deliver sends one message to mb. Batch agents get a fresh process that
// resumes the agent's conversation. Caller holds rt.op.
func (m *Manager) deliver(rt *chatRuntime, mb *member, text string) error {
	if m.runner == nil {
		return ErrNoRunner
	}

	rt.mu.Lock()
	if mb.delivery == agent.DeliveryBatch && mb.state == ParticipantWorking {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", process.ErrAlreadyRunning, mb.processID)
	}
	resumeID := mb.agentSessionID
	mb.intro = false
	m.beginTurn(rt, mb)
	rt.mu.Unlock()

	var err error
	if mb.delivery == agent.DeliveryStdin {
		err = m.runner.Write(mb.processID, text+"\n")
	} else {
		prompt := text
		if resumeID == "" {
			prompt = mb.systemPrompt + "\n\n" + text
		}
		var res process.SpawnResult
		res, err = m.runner.Spawn(process.SpawnConfig{
			SessionID: mb.processID,
			AgentID:   mb.agentID,
			WorkDir:   mb.workDir,
			Parser:    mb.parser,
			Options: agent.Options{
				Batch:      true,
				JSONOutput: true,
				WorkDir:    mb.workDir,
				ResumeID:   resumeID,
				Prompt:     prompt,
			},
		})
		if err == nil && (!res.Success || res.PID <= 0) {
			err = fmt.Errorf("invalid pid %d", res.PID)
		}
	}
	if err != nil {
		m.abortTurn(rt, mb)
		return err
	}
	return nil
}

// beginTurn resets mb's reply buffer and marks it working. Caller holds
// rt.mu.
func (m *Manager) beginTurn(rt *chatRuntime, mb *member) {
	mb.reply.Reset()
	mb.usage = parser.Usage{}
	mb.turnStart = time.Now()
	m.setMemberState(rt, mb, ParticipantWorking)
}

func (m *Manager) abortTurn(rt *chatRuntime, mb *member) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	mb.intro = false
	if mb.state == ParticipantWorking {
		m.setMemberState(rt, mb, ParticipantIdle)
	}
}

// logSystem records a process-communication outcome in the transcript.
func (m *Manager) logSystem(rt *chatRuntime, format string, args ...any) {
	msg, err := rt.transcript.Append(FromSystem, fmt.Sprintf(format, args...))
	if err != nil {
		m.logger.Warn("append system message", "chat", rt.id, "error", err)
		return
	}
	m.bus.Publish(notify.MessageAppended, rt.id, msg)
}

// appendMessage appends to the transcript and announces it.
func (m *Manager) appendMessage(rt *chatRuntime, from, content string) error {
	msg, err := rt.transcript.Append(from, content)
	if err != nil {
		return err
	}
	m.bus.Publish(notify.MessageAppended, rt.id, msg)
	return nil
}

// ParticipantStatus is the payload of participant-state-changed.
type ParticipantStatus struct {
	Name  string           `json:"name"`
	State ParticipantState `json:"state"`
}

// setMemberState updates mb and the chat state derived from it. Caller
// holds rt.mu.
func (m *Manager) setMemberState(rt *chatRuntime, mb *member, state ParticipantState) {
	if mb.state != state {
		mb.state = state
		if !mb.moderator {
			m.bus.Publish(notify.ParticipantStateChanged, mb.chatID, ParticipantStatus{Name: mb.name, State: state})
		}
	}
	m.refreshChatState(rt)
}

// refreshChatState derives the chat state from its members. Caller holds
// rt.mu.
func (m *Manager) refreshChatState(rt *chatRuntime) {
	next := ChatIdle
	if rt.moderator != nil && rt.moderator.state == ParticipantWorking {
		next = ChatModeratorThinking
	} else {
		for _, p := range rt.participants {
			if p.state == ParticipantWorking {
				next = ChatAgentWorking
				break
			}
		}
	}
	if next != rt.state {
		rt.state = next
		m.bus.Publish(notify.StateChanged, rt.id, next)
	}
}

// persistParticipants writes the tracked participant list. Caller holds
// rt.mu.
func (m *Manager) persistParticipants(rt *chatRuntime) error {
	list := make([]Participant, 0, len(rt.participants))
	for _, p := range rt.participants {
		list = append(list, Participant{
			Name:      p.name,
			AgentID:   p.agentID,
			SessionID: p.processID,
			AddedAt:   p.addedAt,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].AddedAt.Equal(list[j].AddedAt) {
			return list[i].Name < list[j].Name
		}
		return list[i].AddedAt.Before(list[j].AddedAt)
	})
	if err := m.store.UpdateParticipants(rt.id, list); err != nil {
		return fmt.Errorf("persist participants: %w", err)
	}
	m.bus.Publish(notify.ParticipantsChanged, rt.id, list)
	return nil
}
