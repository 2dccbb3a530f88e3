package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agriffith/parley/internal/convo"
)

type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

func newTestMirror(t *testing.T) (*Mirror, *convo.Store, chan string) {
	t.Helper()
	store := convo.NewStore(convo.StoreConfig{
		HistoryDir:     t.TempDir(),
		Name:           "sage",
		SystemPrompt:   "be helpful",
		ContextBudget:  4096,
		ResponseBudget: 250,
		Counter:        charCounter{},
		Log:            zap.NewNop().Sugar(),
	})
	submitted := make(chan string, 4)
	m := New(&Config{
		Listen: "127.0.0.1:0",
		Store:  store,
		Submit: func(text string) { submitted <- text },
		Log:    zap.NewNop().Sugar(),
	})
	return m, store, submitted
}

func dial(t *testing.T, m *Mirror) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(m.handleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestHistoryReplayOnConnect(t *testing.T) {
	m, store, _ := newTestMirror(t)
	store.Append(convo.RoleUser, convo.AddTimestamp("what time is it", time.Now()))
	store.Append(convo.RoleAssistant, "Half past three.")

	conn := dial(t, m)

	first := readEvent(t, conn)
	if first.Type != EventUserMessage || first.Text != "what time is it" {
		t.Fatalf("first replayed event = %+v, want stripped user message", first)
	}
	second := readEvent(t, conn)
	if second.Type != EventAssistantMsg || second.Text != "Half past three." {
		t.Fatalf("second replayed event = %+v", second)
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	m, _, _ := newTestMirror(t)
	conn := dial(t, m)

	m.StateChanged("listening")
	if ev := readEvent(t, conn); ev.Type != EventState || ev.Text != "listening" {
		t.Fatalf("state event = %+v", ev)
	}

	m.UserMessage("hello there")
	if ev := readEvent(t, conn); ev.Type != EventUserMessage || ev.Text != "hello there" {
		t.Fatalf("user event = %+v", ev)
	}

	m.AssistantDelta("General ")
	m.AssistantDelta("Kenobi.")
	if ev := readEvent(t, conn); ev.Type != EventAssistantAppend || ev.Text != "General " {
		t.Fatalf("append event = %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Text != "Kenobi." {
		t.Fatalf("append event = %+v", ev)
	}
}

func TestTypedMessageIsSubmitted(t *testing.T) {
	m, _, submitted := newTestMirror(t)
	conn := dial(t, m)

	if err := conn.WriteJSON(Event{Type: EventUserMessage, Text: "typed question"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case text := <-submitted:
		if text != "typed question" {
			t.Fatalf("submitted = %q", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("typed message never reached the submit hook")
	}
}
