package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"orchestra/internal/agent"
	"orchestra/internal/batch"
	"orchestra/internal/groupchat"
	"orchestra/internal/notify"
	"orchestra/internal/parser"
	"orchestra/internal/process"
	"orchestra/internal/protocol"
	"orchestra/internal/session"
	"orchestra/internal/store"
)

type testEnv struct {
	srv       *Server
	fake      *process.Fake
	sessions  *session.Machine
	chatStore *groupchat.Storage
}

type backlogFunc func(string) ([]process.OutputEvent, error)

func (f backlogFunc) History(id string) ([]process.OutputEvent, error) { return f(id) }

func newTestServer(t *testing.T, backlog ...Backlog) *testEnv {
	t.Helper()
	catalog, err := agent.NewCatalog(
		agent.Definition{ID: "chatty", Name: "Chatty", Binary: "chatty", Delivery: agent.DeliveryStdin, Parser: "opencode"},
		agent.Definition{ID: "batchy", Name: "Batchy", Binary: "batchy", Delivery: agent.DeliveryBatch, Parser: "opencode", PromptArgs: []string{"{value}"}},
	)
	require.NoError(t, err)

	dataDir := t.TempDir()
	fake := process.NewFake(parser.NewRegistry())
	bus := notify.NewBus()
	machine := session.NewMachine(session.Config{Runner: fake, Catalog: catalog, Bus: bus, MaxSessions: 10})
	history := store.NewHistoryStore(dataDir)
	ctrl := batch.NewController(batch.Config{Runner: fake, Catalog: catalog, Sessions: machine.Registry(), History: history, Bus: bus})
	chatStore := groupchat.NewStorage(dataDir)
	chats := groupchat.NewManager(groupchat.Config{Runner: fake, Catalog: catalog, Store: chatStore, Bus: bus})

	cfg := Config{
		Sessions:  machine,
		Batch:     ctrl,
		Chats:     chats,
		ChatStore: chatStore,
		History:   history,
		Catalog:   catalog,
		Bus:       bus,
	}
	if len(backlog) > 0 {
		cfg.Backlog = backlog[0]
	}
	srv := New(cfg)
	t.Cleanup(func() {
		srv.Close()
		chats.Close()
		ctrl.Close()
		machine.Close()
	})
	return &testEnv{srv: srv, fake: fake, sessions: machine, chatStore: chatStore}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

func dial(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(env.srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendWS(t *testing.T, ws *websocket.Conn, msgType string, payload map[string]any) {
	t.Helper()
	data, _ := json.Marshal(map[string]any{
		"type":      msgType,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads messages until one of msgType satisfies match.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad message: %v", err)
		}
		if msg.Type == msgType && (match == nil || match(msg.Payload)) {
			return msg.Payload
		}
	}
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	env := newTestServer(t)
	w := env.do("GET", "/sessions", "")

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("expected empty JSON list, got %s", got)
	}
}

func TestServer_CreateSessionBadBody(t *testing.T) {
	env := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "invalid json"},
		{"missing workDir", `{"agentId":"chatty"}`},
		{"missing agent", `{"workDir":"/tmp"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/sessions", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestServer_CreateSessionUnknownAgent(t *testing.T) {
	env := newTestServer(t)
	w := env.do("POST", "/sessions", `{"agentId":"nope","workDir":"/tmp"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != protocol.ErrUnknownAgent {
		t.Errorf("expected %s, got %s", protocol.ErrUnknownAgent, e.Code)
	}
	if len(env.fake.Spawns()) != 0 {
		t.Error("unknown agent must not spawn anything")
	}
}

func TestServer_CreateSessionRawTerminalRejected(t *testing.T) {
	env := newTestServer(t)
	w := env.do("POST", "/sessions", `{"agentId":"terminal","workDir":"/tmp"}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != protocol.ErrUnsupportedAgent {
		t.Errorf("expected %s, got %s", protocol.ErrUnsupportedAgent, e.Code)
	}
	if len(env.fake.Spawns()) != 0 {
		t.Error("rejected agent must not spawn anything")
	}
}

func TestServer_CreateGetDeleteSession(t *testing.T) {
	env := newTestServer(t)
	w := env.do("POST", "/sessions", `{"agentId":"chatty","workDir":"/tmp","name":"pair"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var sess session.Session
	json.NewDecoder(w.Body).Decode(&sess)
	if sess.ID == "" || sess.Name != "pair" || sess.State != session.StateIdle {
		t.Fatalf("unexpected session %+v", sess)
	}
	if !env.fake.IsRunning(session.AIProcessID(sess.ID)) || !env.fake.IsRunning(session.TerminalProcessID(sess.ID)) {
		t.Fatal("expected agent and shell processes")
	}

	if w := env.do("GET", "/sessions/"+sess.ID, ""); w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if w := env.do("DELETE", "/sessions/"+sess.ID, ""); w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if env.fake.IsRunning(session.AIProcessID(sess.ID)) {
		t.Error("delete must kill the agent process")
	}
	if w := env.do("GET", "/sessions/"+sess.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 after delete, got %d", w.Code)
	}
}

func TestServer_CreateSessionPairingFailure(t *testing.T) {
	env := newTestServer(t)
	env.fake.FailSpawn(session.TerminalProcessID("fixed"), errors.New("no shell"))

	sess, err := env.sessions.Create(session.CreateRequest{ID: "fixed", AgentID: "chatty", WorkDir: "/tmp"})
	if err == nil {
		t.Fatal("expected pairing error")
	}
	code, status := errorCode(err)
	if code != protocol.ErrSpawnFailed || status != http.StatusInternalServerError {
		t.Errorf("expected SPAWN_FAILED/500, got %s/%d", code, status)
	}
	if sess.State != session.StateError {
		t.Errorf("expected session kept in error state, got %s", sess.State)
	}
}

func TestServer_GetSessionNotFound(t *testing.T) {
	env := newTestServer(t)
	w := env.do("GET", "/sessions/nonexistent", "")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != protocol.ErrSessionNotFound {
		t.Errorf("expected %s, got %s", protocol.ErrSessionNotFound, e.Code)
	}
}

func TestServer_DeleteSessionNotFound(t *testing.T) {
	env := newTestServer(t)
	if w := env.do("DELETE", "/sessions/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_Prompt(t *testing.T) {
	env := newTestServer(t)
	sess, err := env.sessions.Create(session.CreateRequest{AgentID: "chatty", WorkDir: "/tmp"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if w := env.do("POST", "/sessions/"+sess.ID+"/prompt", "bad"); w.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", w.Code)
	}
	if w := env.do("POST", "/sessions/"+sess.ID+"/prompt", `{"prompt":"hi","mode":"gui"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad mode: expected 400, got %d", w.Code)
	}

	w := env.do("POST", "/sessions/"+sess.ID+"/prompt", `{"prompt":"hello"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	calls := env.fake.CallsFor(session.AIProcessID(sess.ID))
	last := calls[len(calls)-1]
	if last.Op != process.OpWrite || last.Data != "hello\n" {
		t.Errorf("expected write of prompt, got %+v", last)
	}

	// Busy: the second prompt queues instead of reaching the process.
	if w := env.do("POST", "/sessions/"+sess.ID+"/prompt", `{"prompt":"again"}`); w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}
	if n := len(env.fake.CallsFor(session.AIProcessID(sess.ID))); n != len(calls) {
		t.Errorf("queued prompt must not be written, calls went %d → %d", len(calls), n)
	}
	got, _ := env.sessions.Get(sess.ID)
	if len(got.Queue) != 1 {
		t.Errorf("expected 1 queued message, got %d", len(got.Queue))
	}
}

func TestServer_PromptShellMode(t *testing.T) {
	env := newTestServer(t)
	sess, _ := env.sessions.Create(session.CreateRequest{AgentID: "batchy", WorkDir: "/tmp"})

	w := env.do("POST", "/sessions/"+sess.ID+"/prompt", `{"prompt":"ls","mode":"shell"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}
	calls := env.fake.CallsFor(session.TerminalProcessID(sess.ID))
	last := calls[len(calls)-1]
	if last.Op != process.OpWrite || !strings.HasPrefix(last.Data, "ls\n") {
		t.Errorf("expected shell write, got %+v", last)
	}
}

func TestServer_InterruptRunningProcess(t *testing.T) {
	env := newTestServer(t)
	sess, _ := env.sessions.Create(session.CreateRequest{AgentID: "chatty", WorkDir: "/tmp"})

	w := env.do("POST", "/sessions/"+sess.ID+"/interrupt", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	for _, c := range env.fake.CallsFor(session.AIProcessID(sess.ID)) {
		if c.Op == process.OpKill {
			t.Error("successful interrupt must not escalate")
		}
	}
}

func TestServer_InterruptEscalatesThenFails(t *testing.T) {
	env := newTestServer(t)
	// Batch agents have no live process between prompts.
	sess, _ := env.sessions.Create(session.CreateRequest{AgentID: "batchy", WorkDir: "/tmp"})

	w := env.do("POST", "/sessions/"+sess.ID+"/interrupt", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != protocol.ErrInterruptFailed {
		t.Errorf("expected %s, got %s", protocol.ErrInterruptFailed, e.Code)
	}

	calls := env.fake.CallsFor(session.AIProcessID(sess.ID))
	if len(calls) != 2 || calls[0].Op != process.OpInterrupt || calls[1].Op != process.OpKill {
		t.Errorf("expected interrupt then kill, got %+v", calls)
	}
}

func TestServer_SessionHistoryAndBatchStatus(t *testing.T) {
	env := newTestServer(t)
	sess, _ := env.sessions.Create(session.CreateRequest{AgentID: "batchy", WorkDir: "/tmp"})

	w := env.do("GET", "/sessions/"+sess.ID+"/history", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty history, got %d %s", w.Code, w.Body.String())
	}
	if w := env.do("GET", "/sessions/nope/history", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session history, got %d", w.Code)
	}

	w = env.do("GET", "/sessions/"+sess.ID+"/batch", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a run, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != protocol.ErrNoBatch {
		t.Errorf("expected %s, got %s", protocol.ErrNoBatch, e.Code)
	}
}

func TestServer_ListAgents(t *testing.T) {
	env := newTestServer(t)
	w := env.do("GET", "/agents", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var agents []struct {
		ID           string             `json:"id"`
		Capabilities agent.Capabilities `json:"capabilities"`
	}
	json.NewDecoder(w.Body).Decode(&agents)

	found := map[string]agent.Capabilities{}
	for _, a := range agents {
		found[a.ID] = a.Capabilities
	}
	if _, ok := found["claude-code"]; !ok {
		t.Error("expected built-in claude-code in catalog")
	}
	if caps, ok := found["batchy"]; !ok || !caps.Batch || !caps.Prompt {
		t.Errorf("expected batchy with batch+prompt capabilities, got %+v", caps)
	}
}

func TestServer_GroupChatRoutes(t *testing.T) {
	env := newTestServer(t)
	chat, err := env.chatStore.CreateChat("design", "chatty")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	w := env.do("GET", "/groupchats", "")
	var chats []protocol.GroupChatUpdatePayload
	json.NewDecoder(w.Body).Decode(&chats)
	if len(chats) != 1 || chats[0].ID != chat.ID || chats[0].State != string(groupchat.ChatIdle) {
		t.Fatalf("unexpected chats %+v", chats)
	}

	if w := env.do("GET", "/groupchats/"+chat.ID, ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := env.do("GET", "/groupchats/"+chat.ID+"/transcript", ""); strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty transcript, got %s", w.Body.String())
	}
	w = env.do("GET", "/groupchats/"+chat.ID+"/history", "")
	var hist protocol.GroupChatHistoryPayload
	json.NewDecoder(w.Body).Decode(&hist)
	if hist.ChatID != chat.ID || len(hist.Messages) != 0 || len(hist.Entries) != 0 {
		t.Errorf("unexpected history %+v", hist)
	}

	w = env.do("GET", "/groupchats/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Code != protocol.ErrChatNotFound {
		t.Errorf("expected %s, got %s", protocol.ErrChatNotFound, e.Code)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	env := newTestServer(t)
	ws := dial(t, env)

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	payload := readUntil(t, ws, protocol.TypeError, nil)
	var p protocol.ErrorPayload
	json.Unmarshal(payload, &p)
	if p.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected %s, got %s", protocol.ErrInvalidMessage, p.Code)
	}
}

func TestServer_WebSocketSnapshotOnConnect(t *testing.T) {
	env := newTestServer(t)
	sess, _ := env.sessions.Create(session.CreateRequest{AgentID: "batchy", WorkDir: "/tmp"})

	ws := dial(t, env)
	readUntil(t, ws, protocol.TypeSessionUpdate, func(raw json.RawMessage) bool {
		var p protocol.SessionUpdatePayload
		json.Unmarshal(raw, &p)
		return p.ID == sess.ID && p.State == string(session.StateIdle)
	})
}

func TestServer_WebSocketCreateAndOutput(t *testing.T) {
	env := newTestServer(t)
	ws := dial(t, env)

	sendWS(t, ws, protocol.TypeSessionCreate, map[string]any{"agentId": "batchy", "workDir": "/tmp"})

	var created protocol.SessionUpdatePayload
	readUntil(t, ws, protocol.TypeSessionUpdate, func(raw json.RawMessage) bool {
		json.Unmarshal(raw, &created)
		return created.AgentID == "batchy"
	})

	env.fake.EmitData(session.TerminalProcessID(created.ID), "total 0")
	readUntil(t, ws, protocol.TypeSessionOutput, func(raw json.RawMessage) bool {
		var p protocol.SessionOutputPayload
		json.Unmarshal(raw, &p)
		return p.SessionID == created.ID && p.Mode == "shell" && p.Stream == "stdout" && p.Data == "total 0"
	})
}

func TestServer_WebSocketNotifications(t *testing.T) {
	env := newTestServer(t)
	sess, _ := env.sessions.Create(session.CreateRequest{AgentID: "chatty", WorkDir: "/tmp"})
	ws := dial(t, env)

	sendWS(t, ws, protocol.TypeSessionSend, map[string]any{"sessionId": sess.ID, "text": "one"})
	readUntil(t, ws, protocol.TypeNotify, func(raw json.RawMessage) bool {
		var p protocol.NotifyPayload
		json.Unmarshal(raw, &p)
		return p.Kind == string(notify.SessionStateChanged) && p.Scope == sess.ID
	})
	readUntil(t, ws, protocol.TypeSessionUpdate, func(raw json.RawMessage) bool {
		var p protocol.SessionUpdatePayload
		json.Unmarshal(raw, &p)
		return p.ID == sess.ID && p.State == string(session.StateBusy)
	})
}

func TestServer_WebSocketCommandErrors(t *testing.T) {
	env := newTestServer(t)
	ws := dial(t, env)

	tests := []struct {
		msgType string
		payload map[string]any
		code    string
	}{
		{protocol.TypeSessionSend, map[string]any{"sessionId": "nope", "text": "x"}, protocol.ErrSessionNotFound},
		{protocol.TypeBatchStop, map[string]any{"sessionId": "nope"}, protocol.ErrNoBatch},
		{protocol.TypeModeratorSend, map[string]any{"chatId": "nope", "text": "x"}, protocol.ErrChatNotFound},
		{protocol.TypeGroupChatCreate, map[string]any{"name": "x", "moderatorAgentId": "nope"}, protocol.ErrUnknownAgent},
	}
	for _, tt := range tests {
		sendWS(t, ws, tt.msgType, tt.payload)
		payload := readUntil(t, ws, protocol.TypeError, nil)
		var p protocol.ErrorPayload
		json.Unmarshal(payload, &p)
		if p.Code != tt.code {
			t.Errorf("%s: expected %s, got %s (%s)", tt.msgType, tt.code, p.Code, p.Message)
		}
	}
}

func TestServer_WebSocketWriteLock(t *testing.T) {
	env := newTestServer(t)
	sess, _ := env.sessions.Create(session.CreateRequest{AgentID: "batchy", WorkDir: "/tmp"})
	ws := dial(t, env)

	sendWS(t, ws, protocol.TypeSessionLock, map[string]any{"sessionId": sess.ID, "tabId": "tab-a"})
	readUntil(t, ws, protocol.TypeSessionUpdate, func(raw json.RawMessage) bool {
		var p protocol.SessionUpdatePayload
		json.Unmarshal(raw, &p)
		return p.WriteLockOwner == "tab-a"
	})

	sendWS(t, ws, protocol.TypeSessionLock, map[string]any{"sessionId": sess.ID, "tabId": "tab-b"})
	payload := readUntil(t, ws, protocol.TypeError, nil)
	var p protocol.ErrorPayload
	json.Unmarshal(payload, &p)
	if p.Code != protocol.ErrWriteLocked {
		t.Errorf("expected %s, got %s", protocol.ErrWriteLocked, p.Code)
	}
}

func TestServer_WebSocketGroupChatFlow(t *testing.T) {
	env := newTestServer(t)
	ws := dial(t, env)

	sendWS(t, ws, protocol.TypeGroupChatCreate, map[string]any{"name": "design", "moderatorAgentId": "chatty"})
	var chat protocol.GroupChatUpdatePayload
	readUntil(t, ws, protocol.TypeGroupChatUpdate, func(raw json.RawMessage) bool {
		json.Unmarshal(raw, &chat)
		return chat.Name == "design"
	})

	sendWS(t, ws, protocol.TypeModeratorStart, map[string]any{"chatId": chat.ID, "workDir": "/tmp"})
	readUntil(t, ws, protocol.TypeGroupChatUpdate, func(raw json.RawMessage) bool {
		var p protocol.GroupChatUpdatePayload
		json.Unmarshal(raw, &p)
		return p.ID == chat.ID && p.ModeratorActive && p.State == string(groupchat.ChatModeratorThinking)
	})

	sendWS(t, ws, protocol.TypeGroupChatHistory, map[string]any{"chatId": chat.ID})
	payload := readUntil(t, ws, protocol.TypeGroupChatHistory, nil)
	var hist protocol.GroupChatHistoryPayload
	json.Unmarshal(payload, &hist)
	if hist.ChatID != chat.ID {
		t.Errorf("expected history for %s, got %s", chat.ID, hist.ChatID)
	}
}

func TestServer_WebSocketReplaysBacklog(t *testing.T) {
	var sessID string
	env := newTestServer(t, backlogFunc(func(id string) ([]process.OutputEvent, error) {
		if id != session.TerminalProcessID(sessID) {
			return nil, process.ErrNotFound
		}
		return []process.OutputEvent{
			{SessionID: id, Type: process.OutputStdout, Data: "earlier"},
			{SessionID: id, Type: process.OutputStdout, Data: "__ORCHESTRA_CMD_DONE__:0"},
			{SessionID: id, Type: process.OutputStdout, Data: "later"},
		}, nil
	}))
	sess, _ := env.sessions.Create(session.CreateRequest{AgentID: "batchy", WorkDir: "/tmp"})
	sessID = sess.ID

	ws := dial(t, env)
	var seen []string
	for len(seen) < 2 {
		payload := readUntil(t, ws, protocol.TypeSessionOutput, nil)
		var p protocol.SessionOutputPayload
		json.Unmarshal(payload, &p)
		seen = append(seen, p.Data)
	}
	if seen[0] != "earlier" || seen[1] != "later" {
		t.Errorf("expected replay without the control line, got %v", seen)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	env := newTestServer(t)
	w := env.do("OPTIONS", "/sessions", "")

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}
