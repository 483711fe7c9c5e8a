package realtime

import (
	"errors"
	"net/http"

	"orchestra/internal/agent"
	"orchestra/internal/batch"
	"orchestra/internal/groupchat"
	"orchestra/internal/process"
	"orchestra/internal/protocol"
	"orchestra/internal/session"
)

var errInterruptFailed = errors.New("interrupt failed and no process could be killed")

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{session.ErrSessionNotFound, protocol.ErrSessionNotFound, http.StatusNotFound},
	{session.ErrSessionErrored, protocol.ErrSessionErrored, http.StatusConflict},
	{session.ErrMaxSessions, protocol.ErrMaxSessions, http.StatusTooManyRequests},
	{session.ErrWriteLocked, protocol.ErrWriteLocked, http.StatusLocked},
	{process.ErrUnknownAgent, protocol.ErrUnknownAgent, http.StatusBadRequest},
	{agent.ErrNoTurnEnd, protocol.ErrUnsupportedAgent, http.StatusBadRequest},
	{session.ErrSpawnFailed, protocol.ErrSpawnFailed, http.StatusInternalServerError},
	{process.ErrAlreadyRunning, protocol.ErrProcessBusy, http.StatusConflict},
	{process.ErrNotFound, protocol.ErrProcessNotRunning, http.StatusConflict},
	{process.ErrNotRunning, protocol.ErrProcessNotRunning, http.StatusConflict},
	{errInterruptFailed, protocol.ErrInterruptFailed, http.StatusConflict},
	{batch.ErrRunActive, protocol.ErrBatchActive, http.StatusConflict},
	{batch.ErrNoRun, protocol.ErrNoBatch, http.StatusNotFound},
	{groupchat.ErrChatNotFound, protocol.ErrChatNotFound, http.StatusNotFound},
	{groupchat.ErrModeratorActive, protocol.ErrModeratorActive, http.StatusConflict},
	{groupchat.ErrModeratorNotActive, protocol.ErrModeratorNotActive, http.StatusConflict},
	{groupchat.ErrDuplicateParticipant, protocol.ErrDuplicateParticipant, http.StatusConflict},
	{groupchat.ErrParticipantNotFound, protocol.ErrParticipantNotFound, http.StatusNotFound},
}

// errorCode maps an error to its protocol code and HTTP status.
func errorCode(err error) (string, int) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code, ec.status
		}
	}
	return protocol.ErrInternal, http.StatusInternalServerError
}
