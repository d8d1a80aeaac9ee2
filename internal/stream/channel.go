package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of frame events buffered per job.
const DefaultCapacity = 30

var (
	// ErrTimeout is returned by Receive when no event arrived in time.
	ErrTimeout = errors.New("stream: receive timed out")
	// ErrClosed is returned by Receive after the terminal event was delivered.
	ErrClosed = errors.New("stream: channel closed")
)

// Stats counts the outcome of every frame push.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Channel is a bounded FIFO of frame events for one job, written by the job's
// runner and read by one publisher.
//
// Frames are pushed best-effort: a full buffer drops the frame and counts it.
// The terminal event is not queued; Finish closes a signal channel instead, so
// it can neither be dropped nor block the writer. Receive returns every frame
// buffered before Finish, then the terminal event exactly once.
type Channel struct {
	events   chan Event
	done     chan struct{}
	finish   sync.Once
	terminal Terminal

	sent      atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Bool
	attached  atomic.Bool

	createdAt  time.Time
	finishedAt atomic.Int64
}

// NewChannel creates a channel buffering up to capacity frames.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{
		events:    make(chan Event, capacity),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

// Capacity reports the buffer size.
func (c *Channel) Capacity() int { return cap(c.events) }

// Len reports the number of buffered frames.
func (c *Channel) Len() int { return len(c.events) }

// Push offers a frame event. With wait <= 0 it never blocks; otherwise it
// blocks at most wait for room. It reports whether the event was queued.
// Pushing after Finish drops the event.
func (c *Channel) Push(ev Event, wait time.Duration) bool {
	if c.Finished() {
		c.dropped.Add(1)
		return false
	}

	select {
	case c.events <- ev:
		c.sent.Add(1)
		return true
	default:
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case c.events <- ev:
			c.sent.Add(1)
			return true
		case <-timer.C:
		case <-c.done:
		}
	}

	c.dropped.Add(1)
	return false
}

// Finish records the terminal outcome and wakes the reader. Only the first
// call has any effect.
func (c *Channel) Finish(t Terminal) {
	c.finish.Do(func() {
		c.terminal = t
		c.finishedAt.Store(time.Now().UnixNano())
		close(c.done)
	})
}

// Finished reports whether Finish has been called.
func (c *Channel) Finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// FinishedAt returns when Finish was called, or the zero time.
func (c *Channel) FinishedAt() time.Time {
	ns := c.finishedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// CreatedAt returns when the channel was made.
func (c *Channel) CreatedAt() time.Time { return c.createdAt }

// MarkAttached records that a publisher has subscribed.
func (c *Channel) MarkAttached() { c.attached.Store(true) }

// Attached reports whether any publisher ever subscribed.
func (c *Channel) Attached() bool { return c.attached.Load() }

// Delivered reports whether the terminal event has been handed out.
func (c *Channel) Delivered() bool { return c.delivered.Load() }

// Stats returns a copy of the push counters.
func (c *Channel) Stats() Stats {
	return Stats{Sent: c.sent.Load(), Dropped: c.dropped.Load()}
}

// Receive waits up to timeout for the next event. Buffered frames always come
// before the terminal event. It returns ErrTimeout when nothing arrived,
// ErrClosed once the terminal event has been delivered, or ctx.Err().
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (Event, error) {
	if c.delivered.Load() {
		return Event{}, ErrClosed
	}

	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		// Frames pushed before Finish are already buffered; drain them first.
		select {
		case ev := <-c.events:
			return ev, nil
		default:
		}
		if c.delivered.CompareAndSwap(false, true) {
			t := c.terminal
			return Event{Type: EventComplete, Terminal: &t}, nil
		}
		return Event{}, ErrClosed
	case <-timer.C:
		return Event{}, ErrTimeout
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
