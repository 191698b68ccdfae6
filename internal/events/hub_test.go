package events

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"forgeflow/internal/pipeline"
	"forgeflow/internal/scheduler"
)

// ---- helpers ----

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub([]string{"http://localhost:3000"})
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	router := gin.New()
	router.GET("/ws", hub.HandleWebSocket)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *wsReader {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsReader{conn: conn}
}

// wsReader splits coalesced frames back into individual envelopes.
type wsReader struct {
	conn    *websocket.Conn
	pending [][]byte
}

func (r *wsReader) next(t *testing.T) Envelope {
	t.Helper()
	for len(r.pending) == 0 {
		r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) > 0 {
				r.pending = append(r.pending, line)
			}
		}
	}

	line := r.pending[0]
	r.pending = r.pending[1:]
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.Fatalf("decode envelope %q: %v", line, err)
	}
	return env
}

func (r *wsReader) send(t *testing.T, cmd command) {
	t.Helper()
	r.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := r.conn.WriteJSON(cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}
}

func decodeData(t *testing.T, env Envelope, out any) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatalf("re-encode data: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---- connection lifecycle ----

func TestConnectReceivesWelcome(t *testing.T) {
	_, url := newTestHub(t)
	r := dial(t, url)

	env := r.next(t)
	if env.Type != TypeConnected {
		t.Fatalf("first envelope type = %q, want %q", env.Type, TypeConnected)
	}
	var data struct {
		ClientID string   `json:"client_id"`
		Rooms    []string `json:"rooms"`
	}
	decodeData(t, env, &data)
	if data.ClientID == "" {
		t.Fatal("welcome envelope missing client id")
	}
	if len(data.Rooms) != 1 || data.Rooms[0] != RoomRuns {
		t.Fatalf("default rooms = %v, want [%s]", data.Rooms, RoomRuns)
	}
}

func TestClientCountTracksConnections(t *testing.T) {
	hub, url := newTestHub(t)

	first := dial(t, url)
	first.next(t)
	second := dial(t, url)
	second.next(t)
	waitFor(t, "two clients", func() bool { return hub.ClientCount() == 2 })

	first.conn.Close()
	waitFor(t, "disconnect", func() bool { return hub.ClientCount() == 1 })
}

func TestRejectsDisallowedOrigin(t *testing.T) {
	_, url := newTestHub(t)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake to fail for disallowed origin")
	}
}

func TestShutdownClosesClients(t *testing.T) {
	hub, url := newTestHub(t)
	r := dial(t, url)
	r.next(t)

	hub.Shutdown()
	hub.Shutdown() // idempotent

	r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := r.conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close after shutdown")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("client count after shutdown = %d, want 0", got)
	}
}

// ---- event routing ----

func TestRunProgressReachesRunRoomAndFeed(t *testing.T) {
	hub, url := newTestHub(t)

	runRoom := dial(t, url+"?rooms=run-123")
	runRoom.next(t)
	feed := dial(t, url)
	feed.next(t)

	hub.ProgressFunc("run-123")(pipeline.Stage{
		ID:     1,
		Name:   "Analyze",
		Agent:  pipeline.AgentConfig{Role: pipeline.RoleAnalyzer},
		Status: pipeline.StageInProgress,
	})

	for _, r := range []*wsReader{runRoom, feed} {
		env := r.next(t)
		if env.Type != TypeRunProgress {
			t.Fatalf("envelope type = %q, want %q", env.Type, TypeRunProgress)
		}
		if env.RunID != "run-123" {
			t.Fatalf("run id = %q, want run-123", env.RunID)
		}
		var st pipeline.Stage
		decodeData(t, env, &st)
		if st.Name != "Analyze" || st.Status != pipeline.StageInProgress {
			t.Fatalf("stage = %s/%s, want Analyze/%s", st.Name, st.Status, pipeline.StageInProgress)
		}
	}
}

func TestSchedulerEventsReachSchedulerRoom(t *testing.T) {
	hub, url := newTestHub(t)
	r := dial(t, url+"?rooms=scheduler")
	r.next(t)

	hub.SchedulerListener()(scheduler.Event{
		Type:      scheduler.EventQueued,
		RequestID: "req-1",
		Label:     "abc123:generator",
		Priority:  scheduler.PriorityHigh,
		Position:  1,
		Timestamp: time.Now(),
	})

	env := r.next(t)
	if env.Type != TypeScheduler || env.Room != RoomScheduler {
		t.Fatalf("envelope = %s/%s, want %s/%s", env.Type, env.Room, TypeScheduler, RoomScheduler)
	}
	var evt scheduler.Event
	decodeData(t, env, &evt)
	if evt.Type != scheduler.EventQueued || evt.RequestID != "req-1" || evt.Position != 1 {
		t.Fatalf("unexpected event payload: %+v", evt)
	}
}

func TestSubscribeCommandJoinsRoom(t *testing.T) {
	hub, url := newTestHub(t)
	r := dial(t, url)
	r.next(t)

	r.send(t, command{Type: "subscribe", Room: "run-9"})
	ack := r.next(t)
	if ack.Type != TypeSubscribed || ack.Room != "run-9" {
		t.Fatalf("ack = %s/%s, want %s/run-9", ack.Type, ack.Room, TypeSubscribed)
	}

	waitFor(t, "room listing", func() bool {
		for _, room := range hub.ActiveRooms() {
			if room == "run-9" {
				return true
			}
		}
		return false
	})

	hub.Publish(Envelope{Type: TypeRunProgress, Room: "run-9", RunID: "run-9"})
	env := r.next(t)
	if env.Room != "run-9" {
		t.Fatalf("delivered room = %q, want run-9", env.Room)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, url := newTestHub(t)
	r := dial(t, url)
	r.next(t)

	r.send(t, command{Type: "subscribe", Room: "run-9"})
	if ack := r.next(t); ack.Type != TypeSubscribed {
		t.Fatalf("ack type = %q, want %q", ack.Type, TypeSubscribed)
	}
	r.send(t, command{Type: "unsubscribe", Room: "run-9"})
	if ack := r.next(t); ack.Type != TypeUnsubscribed {
		t.Fatalf("ack type = %q, want %q", ack.Type, TypeUnsubscribed)
	}

	hub.Publish(Envelope{Type: TypeRunProgress, Room: "run-9", RunID: "dropped"})
	hub.Publish(Envelope{Type: TypeRunProgress, Room: RoomRuns, RunID: "marker"})

	env := r.next(t)
	if env.RunID != "marker" {
		t.Fatalf("received run id %q, want only the runs-feed marker", env.RunID)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	_, url := newTestHub(t)
	r := dial(t, url)
	r.next(t)

	r.send(t, command{Type: "dance"})
	env := r.next(t)
	if env.Type != TypeError {
		t.Fatalf("envelope type = %q, want %q", env.Type, TypeError)
	}
}

// ---- slow consumers ----

func TestSlowConsumerIsDropped(t *testing.T) {
	hub, url := newTestHub(t)

	// A healthy client keeps the room alive so dispatch still runs.
	healthy := dial(t, url+"?rooms=bursty")
	healthy.next(t)

	// No pumps drain this client, so its one-slot buffer fills on the
	// welcome envelope and the next dispatch forces a drop.
	slow := &Client{
		id:    "slow",
		hub:   hub,
		send:  make(chan []byte, 1),
		rooms: map[string]bool{"bursty": true},
	}
	hub.register <- slow
	waitFor(t, "both clients", func() bool { return hub.ClientCount() == 2 })

	hub.Publish(Envelope{Type: TypeRunProgress, Room: "bursty"})
	waitFor(t, "slow client drop", func() bool { return hub.ClientCount() == 1 })

	if env := healthy.next(t); env.Type != TypeRunProgress {
		t.Fatalf("healthy client got %q, want %q", env.Type, TypeRunProgress)
	}
}
