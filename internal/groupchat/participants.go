package groupchat

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"orchestra/internal/process"
)

// AddParticipant starts a participant process named name in chatID. It
// fails when no moderator is active or the name is already taken; on
// failure the active set is left untouched.
func (m *Manager) AddParticipant(chatID, name, agentID, workDir string) (Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Participant{}, fmt.Errorf("participant name is required")
	}

	rt, err := m.runtime(chatID)
	if err != nil {
		return Participant{}, err
	}
	rt.op.Lock()
	defer rt.op.Unlock()

	rt.mu.Lock()
	moderated := rt.moderator != nil
	_, taken := rt.participants[name]
	rt.mu.Unlock()
	if !moderated {
		return Participant{}, fmt.Errorf("%w: %s", ErrModeratorNotActive, chatID)
	}
	if taken || strings.EqualFold(name, FromModerator) || strings.EqualFold(name, FromSystem) {
		return Participant{}, fmt.Errorf("%w: %s", ErrDuplicateParticipant, name)
	}
	def, ok := m.catalog.Get(agentID)
	if !ok {
		return Participant{}, fmt.Errorf("%w: %s", process.ErrUnknownAgent, agentID)
	}

	mb := &member{
		chatID:       chatID,
		name:         name,
		agentID:      def.ID,
		processID:    participantProcessID(chatID, name),
		workDir:      workDir,
		parser:       def.Parser,
		delivery:     def.Delivery,
		addedAt:      time.Now().UTC(),
		systemPrompt: ParticipantPrompt(name, rt.name, rt.transcript.Path()),
		state:        ParticipantIdle,
	}
	rt.mu.Lock()
	rt.participants[name] = mb
	rt.mu.Unlock()
	m.track(mb)

	if err := m.start(rt, mb); err != nil {
		m.forget(mb)
		rt.mu.Lock()
		if rt.participants[name] == mb {
			delete(rt.participants, name)
		}
		m.refreshChatState(rt)
		rt.mu.Unlock()
		return Participant{}, err
	}

	rt.mu.Lock()
	err = m.persistParticipants(rt)
	rt.mu.Unlock()
	if err != nil {
		m.logger.Warn("persist participants", "chat", chatID, "error", err)
	}
	m.logger.Info("participant added", "chat", chatID, "name", name, "agent", def.ID)
	return Participant{Name: name, AgentID: def.ID, SessionID: mb.processID, AddedAt: mb.addedAt}, nil
}

// SendToParticipant forwards a moderator instruction to one participant,
// logging it as moderator-><name>.
func (m *Manager) SendToParticipant(chatID, name, text string) error {
	rt, err := m.runtime(chatID)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()

	rt.mu.Lock()
	mb, ok := rt.participants[name]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, name)
	}
	if err := m.appendMessage(rt, RouteToParticipant(name), text); err != nil {
		return err
	}
	if err := m.deliver(rt, mb, text); err != nil {
		m.logger.Warn("deliver to participant", "chat", chatID, "name", name, "error", err)
		m.logSystem(rt, "Failed to deliver message to %s: %v", name, err)
		return fmt.Errorf("send to %s: %w", name, err)
	}
	return nil
}

// RemoveParticipant kills the participant's process, stops tracking it, and
// only then persists the shortened participant list.
func (m *Manager) RemoveParticipant(chatID, name string) error {
	rt, err := m.runtime(chatID)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()

	rt.mu.Lock()
	mb, active := rt.participants[name]
	rt.mu.Unlock()
	if !active {
		// A participant can be persisted without a live process, e.g. after
		// a restart; drop it from storage only.
		chat, err := m.store.LoadChat(chatID)
		if err != nil {
			return err
		}
		kept := make([]Participant, 0, len(chat.Participants))
		for _, p := range chat.Participants {
			if p.Name != name {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(chat.Participants) {
			return fmt.Errorf("%w: %s", ErrParticipantNotFound, name)
		}
		return m.store.UpdateParticipants(chatID, kept)
	}

	m.untrack(rt, mb)
	rt.mu.Lock()
	err = m.persistParticipants(rt)
	rt.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Info("participant removed", "chat", chatID, "name", name)
	return nil
}

// ClearAllParticipantSessions kills and untracks every participant of
// chatID, then persists the empty list.
func (m *Manager) ClearAllParticipantSessions(chatID string) error {
	rt, err := m.runtime(chatID)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()
	return m.clearParticipants(rt)
}

// clearParticipants untracks every participant, then persists. Caller holds
// rt.op.
func (m *Manager) clearParticipants(rt *chatRuntime) error {
	rt.mu.Lock()
	names := make([]string, 0, len(rt.participants))
	for name := range rt.participants {
		names = append(names, name)
	}
	sort.Strings(names)
	members := make([]*member, 0, len(names))
	for _, name := range names {
		members = append(members, rt.participants[name])
	}
	rt.mu.Unlock()

	for _, mb := range members {
		m.untrack(rt, mb)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m.refreshChatState(rt)
	return m.persistParticipants(rt)
}

// untrack kills mb's process, then forgets it. Caller holds rt.op.
func (m *Manager) untrack(rt *chatRuntime, mb *member) {
	if m.runner != nil {
		m.runner.Kill(mb.processID)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.participants[mb.name] == mb {
		delete(rt.participants, mb.name)
	}
	m.forget(mb)
	m.setMemberState(rt, mb, ParticipantExited)
}

// ActiveParticipants returns the participants whose process is alive,
// ordered by when they were added. A batch participant between turns stays
// addressable but is not listed until its next turn spawns a process.
func (m *Manager) ActiveParticipants(chatID string) []Participant {
	rt := m.loaded(chatID)
	if rt == nil || m.runner == nil {
		return []Participant{}
	}
	rt.mu.Lock()
	members := make([]*member, 0, len(rt.participants))
	for _, p := range rt.participants {
		members = append(members, p)
	}
	rt.mu.Unlock()

	out := make([]Participant, 0, len(members))
	for _, p := range members {
		if !m.runner.IsRunning(p.processID) {
			continue
		}
		out = append(out, Participant{Name: p.name, AgentID: p.agentID, SessionID: p.processID, AddedAt: p.addedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// StateOf returns the state of a tracked participant.
func (m *Manager) StateOf(chatID, name string) (ParticipantState, error) {
	if rt := m.loaded(chatID); rt != nil {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if mb, ok := rt.participants[name]; ok {
			return mb.state, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrParticipantNotFound, name)
}
