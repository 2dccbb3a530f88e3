// Package web serves the chat mirror: a small page that shows the spoken
// conversation live over a websocket and lets the user type messages into it.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agriffith/parley/internal/convo"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 32
)

// Event is one websocket frame, in either direction.
type Event struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Event types sent to the browser.
const (
	EventState           = "state"
	EventUserMessage     = "user_msg"
	EventAssistantMsg    = "assistant_msg"
	EventAssistantAppend = "assistant_append"
)

// Config wires a Mirror together.
type Config struct {
	Listen string
	Store  *convo.Store
	// Submit receives messages typed into the page; the controller treats
	// them like transcribed speech.
	Submit func(text string)
	Log    *zap.SugaredLogger
}

// Mirror is the websocket hub plus its HTTP server.
type Mirror struct {
	listen   string
	store    *convo.Store
	submit   func(text string)
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client

	server *http.Server
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func New(cfg *Config) *Mirror {
	return &Mirror{
		listen:  cfg.Listen,
		store:   cfg.Store,
		submit:  cfg.Submit,
		log:     cfg.Log,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The mirror binds to the local network only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start serves the mirror in the background.
func (m *Mirror) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleIndex)
	mux.HandleFunc("/ws", m.handleWS)

	m.server = &http.Server{
		Addr:         m.listen,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		m.log.Infow("chat mirror listening", "addr", m.listen)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Errorw("chat mirror server failed", "error", err)
		}
	}()
}

// Shutdown stops the server and disconnects all clients.
func (m *Mirror) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, c := range m.clients {
		close(c.send)
	}
	m.clients = make(map[string]*client)
	m.mu.Unlock()
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// UserMessage mirrors a spoken or typed user message.
func (m *Mirror) UserMessage(text string) {
	m.broadcast(Event{Type: EventUserMessage, Text: text})
}

// AssistantMessage mirrors a complete assistant reply, used for local
// answers that never stream.
func (m *Mirror) AssistantMessage(text string) {
	m.broadcast(Event{Type: EventAssistantMsg, Text: text})
}

// AssistantDelta mirrors one streamed fragment of the reply in flight.
func (m *Mirror) AssistantDelta(text string) {
	m.broadcast(Event{Type: EventAssistantAppend, Text: text})
}

// StateChanged mirrors asleep/listening transitions.
func (m *Mirror) StateChanged(state string) {
	m.broadcast(Event{Type: EventState, Text: state})
}

func (m *Mirror) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.clients {
		select {
		case c.send <- data:
		default:
			// Slow client; drop it rather than stall the conversation.
			close(c.send)
			delete(m.clients, id)
		}
	}
}

func (m *Mirror) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
	m.mu.Lock()
	m.clients[c.id] = c
	m.mu.Unlock()
	m.log.Debugw("mirror client connected", "id", c.id)

	m.replayHistory(c)
	go m.writePump(c)
	go m.readPump(c)
}

// replayHistory queues the stored conversation so a fresh page shows what
// was already said. Timestamps are an internal model aid and are stripped.
func (m *Mirror) replayHistory(c *client) {
	for _, msg := range m.store.Messages() {
		ev := Event{Text: convo.StripTimestamp(msg.Content)}
		switch msg.Role {
		case convo.RoleUser:
			ev.Type = EventUserMessage
		case convo.RoleAssistant:
			ev.Type = EventAssistantMsg
		default:
			continue
		}
		if data, err := json.Marshal(ev); err == nil {
			select {
			case c.send <- data:
			default:
				return
			}
		}
	}
}

func (m *Mirror) readPump(c *client) {
	defer m.disconnect(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Type == EventUserMessage && ev.Text != "" && m.submit != nil {
			m.submit(ev.Text)
		}
	}
}

func (m *Mirror) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Mirror) disconnect(c *client) {
	m.mu.Lock()
	if _, ok := m.clients[c.id]; ok {
		close(c.send)
		delete(m.clients, c.id)
	}
	m.mu.Unlock()
	c.conn.Close()
	m.log.Debugw("mirror client disconnected", "id", c.id)
}

func (m *Mirror) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}
