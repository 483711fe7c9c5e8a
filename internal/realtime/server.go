package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orchestra/internal/agent"
	"orchestra/internal/batch"
	"orchestra/internal/groupchat"
	"orchestra/internal/notify"
	"orchestra/internal/process"
	"orchestra/internal/protocol"
	"orchestra/internal/session"
	"orchestra/internal/store"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Backlog returns the buffered output of a process, replayed to clients
// that connect after the output was produced.
type Backlog interface {
	History(processID string) ([]process.OutputEvent, error)
}

// Config wires a Server. Backlog is optional.
type Config struct {
	Sessions  *session.Machine
	Batch     *batch.Controller
	Chats     *groupchat.Manager
	ChatStore *groupchat.Storage
	History   *store.HistoryStore
	Catalog   *agent.Catalog
	Bus       *notify.Bus
	Backlog   Backlog
	StaticDir string
	Logger    *slog.Logger
}

// Server manages WebSocket connections and routes messages between
// clients and the session, batch and group chat layers.
type Server struct {
	sessions  *session.Machine
	batch     *batch.Controller
	chats     *groupchat.Manager
	chatStore *groupchat.Storage
	history   *store.HistoryStore
	catalog   *agent.Catalog
	bus       *notify.Bus
	backlog   Backlog
	staticDir string
	logger    *slog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	unsubOutput func()
	busSub      string
	forwardDone chan struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a realtime server and starts forwarding session output and
// notifications to connected clients.
func New(cfg Config) *Server {
	s := &Server{
		sessions:    cfg.Sessions,
		batch:       cfg.Batch,
		chats:       cfg.Chats,
		chatStore:   cfg.ChatStore,
		history:     cfg.History,
		catalog:     cfg.Catalog,
		bus:         cfg.Bus,
		backlog:     cfg.Backlog,
		staticDir:   cfg.StaticDir,
		logger:      cfg.Logger,
		clients:     make(map[*client]bool),
		forwardDone: make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.unsubOutput = s.sessions.OnOutput(s.onOutput)

	var ch <-chan notify.Notification
	s.busSub, ch = s.bus.Subscribe()
	go s.forwardNotifications(ch)
	return s
}

// Close stops forwarding and disconnects every client.
func (s *Server) Close() {
	s.unsubOutput()
	s.bus.Unsubscribe(s.busSub)
	<-s.forwardDone

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/prompt", s.handleSendPrompt)
	mux.HandleFunc("POST /sessions/{id}/interrupt", s.handleInterruptSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/history", s.handleSessionHistory)
	mux.HandleFunc("GET /sessions/{id}/batch", s.handleBatchStatus)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /groupchats", s.handleListGroupChats)
	mux.HandleFunc("GET /groupchats/{id}", s.handleGetGroupChat)
	mux.HandleFunc("GET /groupchats/{id}/transcript", s.handleGroupChatTranscript)
	mux.HandleFunc("GET /groupchats/{id}/history", s.handleGroupChatHistory)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The snapshot is queued before registering so live messages follow it.
	snapshot := s.snapshot()
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer+len(snapshot)),
		server: s,
	}
	for _, data := range snapshot {
		c.send <- data
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

// snapshot encodes the current sessions, their buffered output, and the
// known group chats.
func (s *Server) snapshot() [][]byte {
	var msgs [][]byte
	add := func(msgType string, payload any) {
		data, err := encode(msgType, payload)
		if err != nil {
			s.logger.Warn("encode message", "type", msgType, "error", err)
			return
		}
		msgs = append(msgs, data)
	}

	for _, sess := range s.sessions.List() {
		add(protocol.TypeSessionUpdate, sessionPayload(sess))
		s.replayBacklog(add, sess.ID)
	}
	if s.chatStore == nil {
		return msgs
	}
	chats, err := s.chatStore.ListChats()
	if err != nil {
		s.logger.Warn("list group chats", "error", err)
		return msgs
	}
	for _, chat := range chats {
		add(protocol.TypeGroupChatUpdate, s.chatPayload(chat))
	}
	return msgs
}

func (s *Server) replayBacklog(add func(string, any), sessionID string) {
	if s.backlog == nil {
		return
	}
	for _, mode := range []session.Mode{session.ModeAI, session.ModeShell} {
		events, err := s.backlog.History(session.ProcessID(sessionID, mode))
		if err != nil {
			continue
		}
		for _, ev := range events {
			if ev.Type == process.OutputExit || session.IsControlLine(ev.Data) {
				continue
			}
			out := session.Output{SessionID: sessionID, Mode: mode, Stream: string(ev.Type), Data: ev.Data}
			if ev.Event != nil {
				out.Stream = "event"
				out.Data = ""
				out.Event = ev.Event
			}
			add(protocol.TypeSessionOutput, outputPayload(out))
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	if ok {
		close(c.send)
	}
	s.clientsMu.Unlock()
}

// onOutput forwards one line or event of session output to every client.
func (s *Server) onOutput(out session.Output) {
	s.broadcast(protocol.TypeSessionOutput, outputPayload(out))
}

// forwardNotifications relays bus notifications until the subscription is
// closed. Every notification goes out as notify; state-bearing kinds also
// refresh the affected session or chat.
func (s *Server) forwardNotifications(ch <-chan notify.Notification) {
	defer close(s.forwardDone)
	for n := range ch {
		s.broadcast(protocol.TypeNotify, protocol.NotifyPayload{
			Kind:    string(n.Kind),
			Scope:   n.Scope,
			Payload: n.Payload,
		})

		switch n.Kind {
		case notify.SessionStateChanged:
			if sc, ok := n.Payload.(session.StateChange); ok && sc.Deleted {
				s.broadcast(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
					SessionID: n.Scope,
					Reason:    "deleted",
				})
				continue
			}
			s.broadcastSessionUpdate(n.Scope)
		case notify.QueueChanged:
			s.broadcastSessionUpdate(n.Scope)
		case notify.UsageUpdated:
			// Sessions and chats both report usage; the scope tells them apart.
			if !s.broadcastSessionUpdate(n.Scope) {
				s.broadcastChatUpdate(n.Scope)
			}
		case notify.StateChanged, notify.ParticipantsChanged, notify.ParticipantStateChanged:
			s.broadcastChatUpdate(n.Scope)
		}
	}
}

// broadcastSessionUpdate sends the current state of a session to all
// clients. It reports whether the session exists.
func (s *Server) broadcastSessionUpdate(sessionID string) bool {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return false
	}
	s.broadcast(protocol.TypeSessionUpdate, sessionPayload(sess))
	return true
}

func (s *Server) broadcastChatUpdate(chatID string) {
	if s.chatStore == nil {
		return
	}
	chat, err := s.chatStore.LoadChat(chatID)
	if err != nil {
		return
	}
	s.broadcast(protocol.TypeGroupChatUpdate, s.chatPayload(chat))
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		s.logger.Warn("encode message", "type", msgType, "error", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// sendTo queues a message for one client. Callers hold c through its read
// pump, so c.send is open.
func (s *Server) sendTo(c *client, msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		s.logger.Warn("encode message", "type", msgType, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) sendError(c *client, code, message string) {
	s.sendTo(c, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func encode(msgType string, payload any) ([]byte, error) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func sessionPayload(sess session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:             sess.ID,
		Name:           sess.Name,
		AgentID:        sess.AgentID,
		WorkDir:        sess.WorkDir,
		State:          string(sess.State),
		ShellState:     string(sess.ShellState),
		LastError:      sess.LastError,
		Queued:         len(sess.Queue),
		ShellQueued:    len(sess.ShellQueue),
		AgentSessionID: sess.AgentSessionID,
		WriteLockOwner: sess.WriteLockOwner,
		InputTokens:    sess.Usage.InputTokens,
		OutputTokens:   sess.Usage.OutputTokens,
		CostUSD:        sess.Usage.CostUSD,
		CreatedAt:      sess.CreatedAt.Format(time.RFC3339Nano),
	}
}

func outputPayload(out session.Output) protocol.SessionOutputPayload {
	p := protocol.SessionOutputPayload{
		SessionID: out.SessionID,
		Mode:      string(out.Mode),
		Stream:    out.Stream,
		Data:      out.Data,
	}
	if out.Event != nil {
		p.Event = out.Event
	}
	return p
}

func (s *Server) chatPayload(chat groupchat.Chat) protocol.GroupChatUpdatePayload {
	p := protocol.GroupChatUpdatePayload{
		ID:               chat.ID,
		Name:             chat.Name,
		ModeratorAgentID: chat.ModeratorAgentID,
		ModeratorActive:  s.chats.ModeratorSessionID(chat.ID) != "",
		State:            string(s.chats.State(chat.ID)),
		Participants:     make([]protocol.GroupChatParticipant, 0, len(chat.Participants)),
	}
	for _, part := range chat.Participants {
		state, err := s.chats.StateOf(chat.ID, part.Name)
		if err != nil {
			state = groupchat.ParticipantExited
		}
		p.Participants = append(p.Participants, protocol.GroupChatParticipant{
			Name:    part.Name,
			AgentID: part.AgentID,
			State:   string(state),
		})
	}
	return p
}
