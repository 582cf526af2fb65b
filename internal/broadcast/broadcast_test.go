package broadcast

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/catwalk/internal/jobs"
	"gorm.io/datatypes"
)

func testJob(id uint64, status jobs.Status) *jobs.Job {
	return &jobs.Job{
		ID:     id,
		Type:   jobs.TypeTTS,
		Status: status,
		Input:  datatypes.JSON(`{"text":"hi"}`),
		Output: datatypes.JSON("null"),
	}
}

func TestBroadcaster_SequencesAndFansOut(t *testing.T) {
	b := New(2)
	var got []Event
	b.AddSink("record", SinkFunc(func(_ context.Context, e Event) error {
		got = append(got, e)
		return nil
	}))
	b.AddSink("broken", SinkFunc(func(context.Context, Event) error {
		return errors.New("down")
	}))

	ctx := context.Background()
	b.Notify(ctx, testJob(1, jobs.StatusStarted))
	b.Notify(ctx, testJob(1, jobs.StatusRunning))
	b.Notify(ctx, testJob(1, jobs.StatusComplete))
	b.Notify(ctx, nil)

	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
	if got[0].Output != nil {
		t.Fatalf("expected null output to be omitted, got %s", got[0].Output)
	}
	if string(got[0].Input) != `{"text":"hi"}` || got[0].JobType != jobs.TypeTTS {
		t.Fatalf("unexpected event %+v", got[0])
	}

	// backlog keeps only the newest two
	since := b.Since(0)
	if len(since) != 2 || since[0].Seq != 2 {
		t.Fatalf("unexpected backlog %+v", since)
	}
	if len(b.Since(3)) != 0 {
		t.Fatalf("expected nothing after the last seq")
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := NewHub(1)
	fast := h.Add()
	slow := h.Add()

	ctx := context.Background()
	_ = h.Send(ctx, Event{Seq: 1, ID: 1})
	<-fast.Events()
	_ = h.Send(ctx, Event{Seq: 2, ID: 1})

	if h.Len() != 1 {
		t.Fatalf("expected slow client dropped, clients=%d", h.Len())
	}
	if e := <-fast.Events(); e.Seq != 2 {
		t.Fatalf("fast client got seq %d", e.Seq)
	}
	if e := <-slow.Events(); e.Seq != 1 {
		t.Fatalf("slow client should keep its buffered event, got seq %d", e.Seq)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatalf("expected slow client channel closed")
	}

	// removing twice is harmless
	h.Remove(slow)
	h.Remove(fast)
	h.Remove(fast)
	if h.Len() != 0 {
		t.Fatalf("expected no clients, got %d", h.Len())
	}
}

func TestHub_ServeWebsocket(t *testing.T) {
	b := New(10)
	h := NewHub(8)
	b.AddSink("hub", h)
	b.Notify(context.Background(), testJob(7, jobs.StatusStarted))

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := h.Add()
		h.Serve(r.Context(), conn, c, b.Since(0))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read backlog: %v", err)
	}
	if first.ID != 7 || first.Status != jobs.StatusStarted || first.Seq != 1 {
		t.Fatalf("unexpected backlog event %+v", first)
	}

	// wait for the server side to register before publishing
	deadline := time.Now().Add(2 * time.Second)
	for h.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.Notify(context.Background(), testJob(7, jobs.StatusRunning))

	var second Event
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if second.Status != jobs.StatusRunning || second.Seq != 2 {
		t.Fatalf("unexpected live event %+v", second)
	}
}
