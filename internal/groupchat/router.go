package groupchat

import (
	"strings"
	"time"

	"orchestra/internal/agent"
	"orchestra/internal/notify"
	"orchestra/internal/parser"
)

// UsageUpdate is the payload of usage-updated notifications.
type UsageUpdate struct {
	Name  string       `json:"name"`
	Usage parser.Usage `json:"usage"`
}

// lockMember returns the member owning processID with its chat's rt.mu
// held, or nil when the process is not tracked.
func (m *Manager) lockMember(processID string) (*member, *chatRuntime) {
	m.mu.RLock()
	mb, ok := m.procs[processID]
	var rt *chatRuntime
	if ok {
		rt = m.chats[mb.chatID]
	}
	m.mu.RUnlock()
	if rt == nil {
		return nil, nil
	}

	rt.mu.Lock()
	if !rt.tracks(mb) {
		rt.mu.Unlock()
		return nil, nil
	}
	return mb, rt
}

// handleData collects raw output of agents that have no parser.
func (m *Manager) handleData(processID, line string) {
	mb, rt := m.lockMember(processID)
	if mb == nil {
		return
	}
	defer rt.mu.Unlock()
	if mb.parser != "" {
		return
	}
	mb.reply.WriteString(line)
	mb.reply.WriteString("\n")
}

func (m *Manager) handleEvent(processID string, ev *parser.AgentEvent) {
	mb, rt := m.lockMember(processID)
	if mb == nil {
		return
	}
	defer rt.mu.Unlock()

	switch ev.Type {
	case parser.EventText:
		mb.reply.WriteString(ev.Text)
		if !ev.IsPartial {
			mb.reply.WriteString("\n")
		}
	case parser.EventError:
		mb.reply.WriteString("Error: ")
		mb.reply.WriteString(ev.Text)
		mb.reply.WriteString("\n")
	case parser.EventResult:
		if ev.Text != "" && mb.reply.Len() == 0 {
			mb.reply.WriteString(ev.Text)
		}
		m.finishTurn(rt, mb)
	}
}

func (m *Manager) handleSessionID(processID, agentSessionID string) {
	if mb, rt := m.lockMember(processID); mb != nil {
		mb.agentSessionID = agentSessionID
		rt.mu.Unlock()
	}
}

func (m *Manager) handleUsage(processID string, usage parser.Usage) {
	mb, rt := m.lockMember(processID)
	if mb == nil {
		return
	}
	defer rt.mu.Unlock()
	mb.usage.Add(&usage)
	m.bus.Publish(notify.UsageUpdated, rt.id, UsageUpdate{Name: mb.from(), Usage: mb.usage})
}

func (m *Manager) handleExit(processID string, code int) {
	mb, rt := m.lockMember(processID)
	if mb == nil {
		return
	}
	defer rt.mu.Unlock()

	if mb.state == ParticipantWorking {
		m.finishTurn(rt, mb)
	}

	// Batch agents exit after every turn; their member stays tracked and the
	// next message spawns a fresh process.
	if mb.delivery != agent.DeliveryStdin {
		return
	}

	m.logger.Warn("group chat process exited", "chat", rt.id, "name", mb.from(), "exit_code", code)
	m.logSystem(rt, "%s exited with code %d", mb.from(), code)
	m.forget(mb)
	if mb.moderator {
		rt.moderator = nil
		m.refreshChatState(rt)
		return
	}
	delete(rt.participants, mb.name)
	m.setMemberState(rt, mb, ParticipantExited)
	if err := m.persistParticipants(rt); err != nil {
		m.logger.Warn("persist participants", "chat", rt.id, "error", err)
	}
}

// finishTurn appends the collected reply to the transcript and, for
// participants, records its overview in the chat history. The reply to a
// system prompt is not logged. Caller holds rt.mu.
func (m *Manager) finishTurn(rt *chatRuntime, mb *member) {
	reply := strings.TrimSpace(mb.reply.String())
	mb.reply.Reset()
	intro := mb.intro
	mb.intro = false
	m.setMemberState(rt, mb, ParticipantIdle)

	if intro || reply == "" {
		return
	}
	if err := m.appendMessage(rt, mb.from(), reply); err != nil {
		m.logger.Warn("append reply", "chat", rt.id, "name", mb.from(), "error", err)
	}
	if mb.moderator {
		return
	}

	usage := mb.usage
	entry, err := m.store.AddHistoryEntry(rt.id, HistoryEntry{
		Participant:  mb.name,
		Summary:      ExtractOverview(reply),
		FullResponse: reply,
		Usage:        &usage,
		Elapsed:      time.Since(mb.turnStart),
	})
	if err != nil {
		m.logger.Warn("add history entry", "chat", rt.id, "name", mb.name, "error", err)
		return
	}
	m.bus.Publish(notify.HistoryEntryAdded, rt.id, entry)
}
