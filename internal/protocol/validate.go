package protocol

import (
	"encoding/json"
	"fmt"
)

// clientPayloads maps each allowed client→server type to a constructor for
// its payload.
var clientPayloads = map[string]func() any{
	TypeSessionCreate:     func() any { return &SessionCreatePayload{} },
	TypeSessionSend:       func() any { return &SessionSendPayload{} },
	TypeSessionInterrupt:  func() any { return &SessionModePayload{} },
	TypeSessionKill:       func() any { return &SessionModePayload{} },
	TypeSessionDelete:     func() any { return &SessionIDPayload{} },
	TypeSessionLock:       func() any { return &SessionLockPayload{} },
	TypeSessionUnlock:     func() any { return &SessionLockPayload{} },
	TypeBatchStart:        func() any { return &BatchStartPayload{} },
	TypeBatchStop:         func() any { return &SessionIDPayload{} },
	TypeGroupChatCreate:   func() any { return &GroupChatCreatePayload{} },
	TypeModeratorStart:    func() any { return &ModeratorStartPayload{} },
	TypeModeratorSend:     func() any { return &ModeratorSendPayload{} },
	TypeModeratorStop:     func() any { return &ChatIDPayload{} },
	TypeParticipantAdd:    func() any { return &ParticipantAddPayload{} },
	TypeParticipantSend:   func() any { return &ParticipantSendPayload{} },
	TypeParticipantRemove: func() any { return &ParticipantRemovePayload{} },
	TypeGroupChatHistory:  func() any { return &ChatIDPayload{} },
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and its decoded payload, a pointer to the
// payload struct for the message type.
func ValidateClientMessage(raw []byte) (*Message, any, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, nil, fmt.Errorf("missing 'type' field")
	}

	newPayload, ok := clientPayloads[msg.Type]
	if !ok {
		return nil, nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, nil, fmt.Errorf("missing 'payload' field")
	}

	payload := newPayload()
	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		return nil, nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}

	// Validate required payload fields per type.
	var missing string
	switch p := payload.(type) {
	case *SessionCreatePayload:
		missing = firstEmpty("agentId", p.AgentID, "workDir", p.WorkDir)
	case *SessionSendPayload:
		missing = firstEmpty("sessionId", p.SessionID, "text", p.Text)
		if missing == "" {
			if err := validMode(p.Mode); err != nil {
				return nil, nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
			}
		}
	case *SessionModePayload:
		missing = firstEmpty("sessionId", p.SessionID)
		if missing == "" {
			if err := validMode(p.Mode); err != nil {
				return nil, nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
			}
		}
	case *SessionIDPayload:
		missing = firstEmpty("sessionId", p.SessionID)
	case *SessionLockPayload:
		missing = firstEmpty("sessionId", p.SessionID, "tabId", p.TabID)
	case *BatchStartPayload:
		missing = firstEmpty("sessionId", p.SessionID, "document", p.Document)
	case *GroupChatCreatePayload:
		missing = firstEmpty("name", p.Name, "moderatorAgentId", p.ModeratorAgentID)
	case *ChatIDPayload:
		missing = firstEmpty("chatId", p.ChatID)
	case *ModeratorStartPayload:
		missing = firstEmpty("chatId", p.ChatID, "workDir", p.WorkDir)
	case *ModeratorSendPayload:
		missing = firstEmpty("chatId", p.ChatID, "text", p.Text)
	case *ParticipantAddPayload:
		missing = firstEmpty("chatId", p.ChatID, "name", p.Name, "agentId", p.AgentID, "workDir", p.WorkDir)
	case *ParticipantSendPayload:
		missing = firstEmpty("chatId", p.ChatID, "name", p.Name, "text", p.Text)
	case *ParticipantRemovePayload:
		missing = firstEmpty("chatId", p.ChatID, "name", p.Name)
	}
	if missing != "" {
		return nil, nil, fmt.Errorf("missing required field '%s' in %s payload", missing, msg.Type)
	}

	return &msg, payload, nil
}

// firstEmpty takes name/value pairs and returns the first name whose value
// is empty.
func firstEmpty(pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return pairs[i]
		}
	}
	return ""
}

func validMode(mode string) error {
	switch mode {
	case "", "ai", "shell":
		return nil
	}
	return fmt.Errorf("unknown mode %q", mode)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
