package stream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStreams struct {
	mu sync.Mutex
	ch *Channel
	// replay, when set, replaces ch on the first RemoveStream, the way the
	// registry rebuilds a finished job's channel on the next attach.
	replay  *Channel
	removed int
}

func (f *fakeStreams) AttachStream(string) *Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

func (f *fakeStreams) RemoveStream(string) {
	f.mu.Lock()
	f.removed++
	if f.replay != nil {
		f.ch, f.replay = f.replay, nil
	}
	f.mu.Unlock()
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func records(out string) []string {
	var recs []string
	for _, r := range strings.Split(out, "\n\n") {
		if r != "" {
			recs = append(recs, r)
		}
	}
	return recs
}

func TestPublisher_FramesThenComplete(t *testing.T) {
	ch := NewChannel(10)
	for i := 1; i <= 3; i++ {
		ch.Push(frame(i), 0)
	}
	ch.Finish(Terminal{Status: "completed"})

	streams := &fakeStreams{ch: ch}
	var buf bytes.Buffer
	flushes := 0
	err := NewPublisher(streams, time.Second).Serve(context.Background(), "job", &buf, func() { flushes++ })
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	recs := records(buf.String())
	if len(recs) != 4 {
		t.Fatalf("got %d records, want 4:\n%s", len(recs), buf.String())
	}
	for i := 0; i < 3; i++ {
		if !strings.Contains(recs[i], `"type":"frame"`) {
			t.Errorf("record %d = %s", i, recs[i])
		}
	}
	if !strings.Contains(recs[3], `"type":"complete"`) {
		t.Errorf("last record = %s", recs[3])
	}
	if flushes != 4 {
		t.Errorf("flushes = %d, want 4", flushes)
	}
	if streams.removed != 1 {
		t.Errorf("RemoveStream called %d times, want 1", streams.removed)
	}
	if !ch.Attached() {
		t.Error("channel should be marked attached")
	}
}

func TestPublisher_Keepalive(t *testing.T) {
	ch := NewChannel(1)
	streams := &fakeStreams{ch: ch}

	go func() {
		time.Sleep(60 * time.Millisecond)
		ch.Finish(Terminal{Status: "completed"})
	}()

	var buf bytes.Buffer
	if err := NewPublisher(streams, 20*time.Millisecond).Serve(context.Background(), "job", &buf, nil); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"type":"keepalive"`) {
		t.Errorf("expected a keepalive, got %s", out)
	}
	if strings.Count(out, `"type":"complete"`) != 1 {
		t.Errorf("expected exactly one complete, got %s", out)
	}
}

func TestPublisher_DisconnectKeepsStream(t *testing.T) {
	ch := NewChannel(1)
	streams := &fakeStreams{ch: ch}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var buf bytes.Buffer
	err := NewPublisher(streams, time.Second).Serve(ctx, "job", &buf, nil)
	if err == nil {
		t.Fatal("expected context error on disconnect")
	}
	if streams.removed != 0 {
		t.Error("disconnect must not remove the stream")
	}
}

func TestPublisher_FailedCompleteWriteRemovesStream(t *testing.T) {
	ch := NewChannel(1)
	ch.Finish(Terminal{Status: "completed"})
	streams := &fakeStreams{ch: ch}

	err := NewPublisher(streams, time.Second).Serve(context.Background(), "job", brokenWriter{}, nil)
	if err == nil {
		t.Fatal("expected write error")
	}
	if streams.removed != 1 {
		t.Errorf("RemoveStream called %d times, want 1", streams.removed)
	}
}

func TestPublisher_ReconnectAfterLostComplete(t *testing.T) {
	spent := NewChannel(1)
	spent.Finish(Terminal{Status: "completed"})
	if _, err := spent.Receive(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	fresh := NewChannel(1)
	fresh.Finish(Terminal{Status: "completed"})
	streams := &fakeStreams{ch: spent, replay: fresh}

	var buf bytes.Buffer
	if err := NewPublisher(streams, time.Second).Serve(context.Background(), "job", &buf, nil); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if strings.Count(buf.String(), `"type":"complete"`) != 1 {
		t.Errorf("expected the complete event to be replayed, got %q", buf.String())
	}
	if streams.removed != 2 {
		t.Errorf("RemoveStream called %d times, want 2", streams.removed)
	}
}

func TestPublisher_ClosedWithoutReplayEndsQuietly(t *testing.T) {
	ch := NewChannel(1)
	ch.Finish(Terminal{Status: "completed"})
	if _, err := ch.Receive(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	streams := &fakeStreams{ch: ch}

	var buf bytes.Buffer
	if err := NewPublisher(streams, time.Second).Serve(context.Background(), "job", &buf, nil); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output %q", buf.String())
	}
}
