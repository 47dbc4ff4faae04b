package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/patch"
	"github.com/allcryptotokens/tokendb/internal/catalog/sync"
	"github.com/coder/websocket"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{Addr: "127.0.0.1:0"})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeHello {
		t.Fatalf("Expected hello, got %s", msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// waitForClients polls until the server has registered n clients.
func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0"})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", health["status"])
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestMessageBroadcast(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server)}
	waitForClients(t, server, 2)

	server.Publish(MessageTypePatch, PatchData{File: "p.json", Applied: true, Updated: 3})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypePatch {
			t.Fatalf("client %d: expected %s, got %s", i, MessageTypePatch, msg.Type)
		}
		var data PatchData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("client %d: bad payload: %v", i, err)
		}
		if data.File != "p.json" || data.Updated != 3 {
			t.Errorf("client %d: payload = %+v", i, data)
		}
	}
}

func TestHandlerEvents(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "tokens.db"), db.Options{})
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	defer store.Close()
	if _, err := store.UpsertSeed(ctx, "bitcoin", "BTC", "Bitcoin"); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, ctx, server)
	waitForClients(t, server, 1)
	h := NewHandler(server, store)

	h.OnPhase(sync.PhaseSummary{Phase: sync.Seeding, Seeded: 1, Duration: 1500 * time.Millisecond})
	msg := readMessage(t, ctx, conn)
	var phase PhaseData
	json.Unmarshal(msg.Data, &phase)
	if msg.Type != MessageTypePhase || phase.Phase != "seeding" || phase.Seeded != 1 || phase.DurationMs != 1500 {
		t.Errorf("phase message = %s %+v", msg.Type, phase)
	}

	msg = readMessage(t, ctx, conn)
	var stats StatsData
	json.Unmarshal(msg.Data, &stats)
	if msg.Type != MessageTypeStats || stats.Total != 1 || stats.MissingDescription != 1 {
		t.Errorf("stats message = %s %+v", msg.Type, stats)
	}

	h.OnPatch("/inbox/bad.json", nil, errors.New("malformed patch"))
	msg = readMessage(t, ctx, conn)
	var p PatchData
	json.Unmarshal(msg.Data, &p)
	if msg.Type != MessageTypePatch || p.Applied || p.File != "bad.json" || p.Error == "" {
		t.Errorf("patch message = %s %+v", msg.Type, p)
	}

	h.OnPatch("/inbox/good.json", &patch.Result{Updated: 1, Generation: 2}, nil)
	if msg = readMessage(t, ctx, conn); msg.Type != MessageTypePatch {
		t.Errorf("expected patch message, got %s", msg.Type)
	}
	if msg = readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
		t.Errorf("expected stats after applied patch, got %s", msg.Type)
	}

	h.OnRunComplete(&sync.Report{RunID: "r1", Mode: "fresh", Cancelled: true})
	msg = readMessage(t, ctx, conn)
	var done SyncCompleteData
	json.Unmarshal(msg.Data, &done)
	if msg.Type != MessageTypeSyncComplete || done.RunID != "r1" || !done.Cancelled {
		t.Errorf("sync message = %s %+v", msg.Type, done)
	}
}

func TestLateClientReceivesReplay(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server.Publish(MessageTypeStats, StatsData{Total: 7})
	server.Publish(MessageTypeStats, StatsData{Total: 9})

	// Wait until the second stats message has been retained.
	deadline := time.Now().Add(2 * time.Second)
	for {
		server.mu.RLock()
		frame := server.latest[MessageTypeStats]
		server.mu.RUnlock()
		var msg Message
		var stats StatsData
		if frame != nil && json.Unmarshal(frame, &msg) == nil && json.Unmarshal(msg.Data, &stats) == nil && stats.Total == 9 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stats message was never retained")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn := dial(t, ctx, server)
	msg := readMessage(t, ctx, conn)
	var stats StatsData
	json.Unmarshal(msg.Data, &stats)
	if msg.Type != MessageTypeStats || stats.Total != 9 {
		t.Fatalf("replayed message = %s %+v, want latest stats", msg.Type, stats)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()
	var health struct {
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if len(health.Events) != 1 || health.Events[0] != "stats" {
		t.Errorf("health events = %v, want [stats]", health.Events)
	}
}
