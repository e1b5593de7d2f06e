package agent

import (
	"testing"
	"time"
)

func TestHubReplaysFramesAfterID(t *testing.T) {
	t.Parallel()

	h := NewHub(0)
	first := h.Publish("s1", EventAgentResponse, []byte(`{"n":1}`))
	second := h.Publish("s1", EventAgentResponse, []byte(`{"n":2}`))
	h.Publish("s2", EventAgentResponse, []byte(`{"other":true}`))
	third := h.Publish("s1", EventDone, []byte(`{"type":"done"}`))

	if second.ID <= first.ID || third.ID <= second.ID {
		t.Fatalf("ids not increasing: %d %d %d", first.ID, second.ID, third.ID)
	}

	missed := h.Since("s1", first.ID)
	if len(missed) != 2 {
		t.Fatalf("expected 2 missed frames, got %d", len(missed))
	}
	if missed[0].ID != second.ID || missed[1].Event != EventDone {
		t.Fatalf("unexpected replay: %+v", missed)
	}
	if got := h.Since("s1", third.ID); len(got) != 0 {
		t.Fatalf("expected nothing after last id, got %d", len(got))
	}
	if got := h.Since("unknown", 0); got != nil {
		t.Fatalf("expected nil for unknown session, got %v", got)
	}
}

func TestHubBoundsQueuePerSession(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for range 5 {
		h.Publish("busy", EventAgentResponse, []byte("{}"))
	}
	h.Publish("quiet", EventAgentResponse, []byte("{}"))

	if got := len(h.Since("busy", 0)); got != 3 {
		t.Fatalf("expected busy queue capped at 3, got %d", got)
	}
	if got := len(h.Since("quiet", 0)); got != 1 {
		t.Fatalf("quiet session lost frames: %d", got)
	}
}

func TestHubBeginTurnClearsReplay(t *testing.T) {
	t.Parallel()

	h := NewHub(0)
	h.Publish("s1", EventAgentResponse, []byte("{}"))
	h.BeginTurn("s1")
	if got := h.Since("s1", 0); len(got) != 0 {
		t.Fatalf("expected empty replay after BeginTurn, got %d", len(got))
	}
	next := h.Publish("s1", EventAgentResponse, []byte("{}"))
	if next.ID != 2 {
		t.Fatalf("event ids must keep increasing across turns, got %d", next.ID)
	}
}

func TestHubFollow(t *testing.T) {
	t.Parallel()

	h := NewHub(0)
	frames, cancel := h.Follow("s1")
	if h.Followers("s1") != 1 {
		t.Fatalf("expected 1 follower")
	}

	sent := h.Publish("s1", EventAgentResponse, []byte(`{"x":1}`))
	h.Publish("s2", EventAgentResponse, []byte(`{"x":2}`))

	select {
	case f := <-frames:
		if f.ID != sent.ID || string(f.Data) != `{"x":1}` {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	select {
	case f := <-frames:
		t.Fatalf("received frame of another session: %+v", f)
	default:
	}

	cancel()
	if _, ok := <-frames; ok {
		t.Fatal("expected channel closed after cancel")
	}
	if h.Followers("s1") != 0 {
		t.Fatalf("expected no followers after cancel")
	}
	cancel()
}

func TestHubDropsLaggingFollower(t *testing.T) {
	t.Parallel()

	h := NewHub(0)
	frames, cancel := h.Follow("s1")
	defer cancel()

	for range subscriberBufferSize + 1 {
		h.Publish("s1", EventAgentResponse, []byte("{}"))
	}
	if h.Followers("s1") != 0 {
		t.Fatal("expected lagging follower to be dropped")
	}
	n := 0
	for range frames {
		n++
	}
	if n != subscriberBufferSize {
		t.Fatalf("expected %d buffered frames before close, got %d", subscriberBufferSize, n)
	}
}

func TestHubForget(t *testing.T) {
	t.Parallel()

	h := NewHub(0)
	frames, cancel := h.Follow("s1")
	defer cancel()
	h.Publish("s1", EventAgentResponse, []byte("{}"))
	<-frames

	h.Forget("s1")
	if _, ok := <-frames; ok {
		t.Fatal("expected follower closed by Forget")
	}
	if got := h.Since("s1", 0); len(got) != 0 {
		t.Fatalf("expected replay dropped, got %d", len(got))
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 2)
	defer rl.Close()

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst should allow two requests")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("other keys have their own bucket")
	}

	rl.evict(time.Now().Add(time.Hour))
	if !rl.Allow("a") {
		t.Fatal("evicted key should start with a fresh bucket")
	}
	rl.Close()
}
