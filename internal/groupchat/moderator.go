package groupchat

import (
	"fmt"
	"sort"
	"time"

	"orchestra/internal/process"
)

// SpawnModerator starts the moderator of chatID. It is rejected while a
// moderator is already active; it never restarts one.
func (m *Manager) SpawnModerator(chatID, workDir string) error {
	rt, err := m.runtime(chatID)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()

	if m.ModeratorSessionID(chatID) != "" {
		return fmt.Errorf("%w: %s", ErrModeratorActive, chatID)
	}
	chat, err := m.store.LoadChat(chatID)
	if err != nil {
		return err
	}
	def, ok := m.catalog.Get(chat.ModeratorAgentID)
	if !ok {
		return fmt.Errorf("%w: moderator %s", process.ErrUnknownAgent, chat.ModeratorAgentID)
	}

	names := make([]string, 0, len(chat.Participants))
	for _, p := range chat.Participants {
		names = append(names, p.Name)
	}
	sort.Strings(names)

	mb := &member{
		chatID:       chatID,
		name:         FromModerator,
		agentID:      def.ID,
		processID:    moderatorProcessID(chatID),
		workDir:      workDir,
		parser:       def.Parser,
		delivery:     def.Delivery,
		moderator:    true,
		addedAt:      time.Now().UTC(),
		systemPrompt: ModeratorPrompt(rt.name, rt.transcript.Path(), names),
		state:        ParticipantIdle,
	}
	rt.mu.Lock()
	rt.moderator = mb
	rt.mu.Unlock()
	m.track(mb)

	if err := m.start(rt, mb); err != nil {
		m.forget(mb)
		rt.mu.Lock()
		if rt.moderator == mb {
			rt.moderator = nil
		}
		m.refreshChatState(rt)
		rt.mu.Unlock()
		return err
	}
	m.logger.Info("moderator started", "chat", chatID, "agent", def.ID)
	return nil
}

// SendToModerator logs user input to the transcript and forwards it to the
// moderator. The moderator's replies are never forwarded to participants
// automatically.
func (m *Manager) SendToModerator(chatID, text string) error {
	rt, err := m.runtime(chatID)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()

	rt.mu.Lock()
	mb := rt.moderator
	rt.mu.Unlock()
	if mb == nil {
		return fmt.Errorf("%w: %s", ErrModeratorNotActive, chatID)
	}
	if err := m.appendMessage(rt, RouteUser, text); err != nil {
		return err
	}
	if err := m.deliver(rt, mb, text); err != nil {
		m.logger.Warn("deliver to moderator", "chat", chatID, "error", err)
		m.logSystem(rt, "Failed to deliver message to moderator: %v", err)
		return fmt.Errorf("send to moderator: %w", err)
	}
	return nil
}

// StopModerator kills the moderator and, since participants cannot be
// directed without one, every participant of the chat.
func (m *Manager) StopModerator(chatID string) error {
	rt, err := m.runtime(chatID)
	if err != nil {
		return err
	}
	rt.op.Lock()
	defer rt.op.Unlock()

	rt.mu.Lock()
	mb := rt.moderator
	rt.mu.Unlock()
	if mb == nil {
		return fmt.Errorf("%w: %s", ErrModeratorNotActive, chatID)
	}
	if m.runner != nil {
		m.runner.Kill(mb.processID)
	}
	rt.mu.Lock()
	if rt.moderator == mb {
		rt.moderator = nil
	}
	rt.mu.Unlock()
	m.forget(mb)

	if err := m.clearParticipants(rt); err != nil {
		return err
	}
	m.logger.Info("moderator stopped", "chat", chatID)
	return nil
}

// ModeratorSessionID returns the moderator's process id, or "" when no
// moderator is active.
func (m *Manager) ModeratorSessionID(chatID string) string {
	rt := m.loaded(chatID)
	if rt == nil {
		return ""
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.moderator != nil {
		return rt.moderator.processID
	}
	return ""
}
