package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dial connects to the hub server and performs the subscribe handshake.
func dial(t *testing.T, url, projectID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if projectID != "" {
		msg := map[string]any{"subscribe": map[string]string{"projectId": projectID}}
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatal(err)
		}
	}
	return conn
}

// readFrame reads one frame with a short deadline.
func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var raw struct {
		Type      string          `json:"type"`
		TS        time.Time       `json:"ts"`
		ProjectID string          `json:"projectId"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&raw); err != nil {
		t.Fatal(err)
	}
	return Frame{Type: raw.Type, TS: raw.TS, ProjectID: raw.ProjectID, Payload: raw.Payload}
}

// waitSubscribed polls until the hub registers the subscriber.
func waitSubscribed(t *testing.T, h *Hub, projectID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers(projectID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub(t *testing.T) {
	t.Run("UpdateFrame", func(t *testing.T) {
		h := NewHub(0, 5*time.Millisecond)
		srv := httptest.NewServer(h)
		defer srv.Close()

		conn := dial(t, srv.URL, "acme/app")
		waitSubscribed(t, h, "acme/app")

		task := "1.1.1"
		h.BroadcastUpdate("acme/app", UpdatePayload{State: "implement", Progress: 33.3, CurrentTask: &task})

		f := readFrame(t, conn)
		if f.Type != FrameExecutionUpdate {
			t.Fatalf("type = %q", f.Type)
		}
		if f.ProjectID != "acme/app" {
			t.Errorf("projectId = %q, want acme/app", f.ProjectID)
		}
		if f.TS.IsZero() {
			t.Error("ts missing from envelope")
		}
		var p UpdatePayload
		if err := json.Unmarshal(f.Payload.(json.RawMessage), &p); err != nil {
			t.Fatal(err)
		}
		if p.State != "implement" || p.Progress != 33.3 || p.CurrentTask == nil || *p.CurrentTask != "1.1.1" {
			t.Errorf("payload = %+v", p)
		}
	})

	t.Run("CoalescesLogs", func(t *testing.T) {
		h := NewHub(0, 20*time.Millisecond)
		srv := httptest.NewServer(h)
		defer srv.Close()

		conn := dial(t, srv.URL, "acme/app")
		waitSubscribed(t, h, "acme/app")

		for i := range 3 {
			h.BroadcastLog("acme/app", LogPayload{Level: "info", Message: "line", NodeName: string(rune('a' + i))})
		}

		// Frames may arrive as one coalesced batch or several; count entries.
		got := 0
		frames := 0
		for got < 3 {
			f := readFrame(t, conn)
			if f.Type != FrameExecutionLog {
				t.Fatalf("type = %q", f.Type)
			}
			if f.ProjectID != "acme/app" || f.TS.IsZero() {
				t.Errorf("envelope = %q at %v, want acme/app with a timestamp", f.ProjectID, f.TS)
			}
			frames++
			raw := f.Payload.(json.RawMessage)
			var batch []LogPayload
			if err := json.Unmarshal(raw, &batch); err != nil {
				var one LogPayload
				if err := json.Unmarshal(raw, &one); err != nil {
					t.Fatal(err)
				}
				batch = []LogPayload{one}
			}
			got += len(batch)
		}
		if frames > 3 {
			t.Errorf("received %d frames for 3 log lines", frames)
		}
	})

	t.Run("BadSubscribe", func(t *testing.T) {
		h := NewHub(0, 5*time.Millisecond)
		srv := httptest.NewServer(h)
		defer srv.Close()

		conn := dial(t, srv.URL, "")
		if err := conn.WriteJSON(map[string]string{"hello": "world"}); err != nil {
			t.Fatal(err)
		}
		f := readFrame(t, conn)
		if f.Type != FrameError {
			t.Fatalf("type = %q", f.Type)
		}
		var p ErrorPayload
		if err := json.Unmarshal(f.Payload.(json.RawMessage), &p); err != nil {
			t.Fatal(err)
		}
		if p.Code != "bad_subscribe" {
			t.Errorf("code = %q", p.Code)
		}
	})

	t.Run("OversizedFrameReplaced", func(t *testing.T) {
		h := NewHub(128, 5*time.Millisecond)
		srv := httptest.NewServer(h)
		defer srv.Close()

		conn := dial(t, srv.URL, "acme/app")
		waitSubscribed(t, h, "acme/app")

		big := strings.Repeat("x", 1024)
		h.BroadcastUpdate("acme/app", UpdatePayload{State: big})

		f := readFrame(t, conn)
		if f.Type != FrameError {
			t.Fatalf("type = %q", f.Type)
		}
		var p ErrorPayload
		if err := json.Unmarshal(f.Payload.(json.RawMessage), &p); err != nil {
			t.Fatal(err)
		}
		if p.Code != "frame_too_large" {
			t.Errorf("code = %q", p.Code)
		}
	})

	t.Run("UnsubscribesOnClose", func(t *testing.T) {
		h := NewHub(0, 5*time.Millisecond)
		srv := httptest.NewServer(h)
		defer srv.Close()

		conn := dial(t, srv.URL, "acme/app")
		waitSubscribed(t, h, "acme/app")
		_ = conn.Close()

		deadline := time.Now().Add(2 * time.Second)
		for h.Subscribers("acme/app") != 0 {
			if time.Now().After(deadline) {
				t.Fatal("subscriber not removed after close")
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
}
