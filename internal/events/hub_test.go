package events

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
)

func TestRingBufferKeepsNewestEvents(t *testing.T) {
	rb := newRingBuffer(3)
	for i := 1; i <= 5; i++ {
		rb.add(Entry{Seq: uint64(i)})
	}

	tail := rb.tail(0)
	if len(tail) != 3 {
		t.Fatalf("expected 3 events, got %d", len(tail))
	}
	for i, want := range []uint64{3, 4, 5} {
		if tail[i].Seq != want {
			t.Fatalf("position %d: expected seq %d, got %d", i, want, tail[i].Seq)
		}
	}

	last := rb.tail(2)
	if len(last) != 2 || last[0].Seq != 4 || last[1].Seq != 5 {
		t.Fatalf("unexpected tail(2): %+v", last)
	}
}

func TestEmitJSONBuffersAndSequences(t *testing.T) {
	h := NewHub(16)

	h.EmitJSON("fetch.request", map[string]any{"provider": "/openai", "status": 200})
	h.EmitJSON("exec.request", map[string]any{"command": "gh"})

	recent := h.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(recent))
	}
	if recent[0].Event != "fetch.request" || recent[1].Event != "exec.request" {
		t.Fatalf("unexpected ordering: %+v", recent)
	}
	if recent[0].Seq >= recent[1].Seq {
		t.Fatalf("sequence numbers not increasing: %d then %d", recent[0].Seq, recent[1].Seq)
	}

	var payload map[string]any
	if err := json.Unmarshal(recent[0].Payload, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload["provider"] != "/openai" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestWebSocketReplayAndLiveBroadcast(t *testing.T) {
	h := NewHub(16)
	go h.Run()

	h.EmitJSON("fetch.request", map[string]any{"provider": "/google"})

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// First frame is the NDJSON history replay.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, bulk, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read bulk frame: %v", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(bulk)))
	var replayed []Entry
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("bulk line decode: %v", err)
		}
		replayed = append(replayed, entry)
	}
	if len(replayed) != 1 || replayed[0].Event != "fetch.request" {
		t.Fatalf("unexpected replay %+v", replayed)
	}

	// Wait for registration so the live broadcast is not emitted into an
	// empty client set.
	deadline := time.Now().Add(5 * time.Second)
	for h.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with hub")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Live events arrive as individual frames.
	h.EmitJSON("exec.request", map[string]any{"command": "gh"})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read live frame: %v", err)
	}
	var live Entry
	if err := json.Unmarshal(frame, &live); err != nil {
		t.Fatalf("live frame decode: %v", err)
	}
	if live.Event != "exec.request" {
		t.Fatalf("expected exec.request, got %q", live.Event)
	}
}
