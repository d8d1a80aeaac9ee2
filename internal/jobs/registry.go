package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reymartjohneva/SkyGuard-Intelligence/internal/stream"
)

var (
	// ErrJobExists is returned by Create when the ID is taken.
	ErrJobExists = errors.New("job already exists")
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
)

// RegistryOptions tunes stream buffering and the reaper.
type RegistryOptions struct {
	// StreamCapacity is the per-job frame buffer.
	StreamCapacity int
	// UnclaimedStreamTTL frees a finished job's channel nobody subscribed to.
	UnclaimedStreamTTL time.Duration
	// OrphanStreamTTL finishes channels attached for IDs that never became jobs.
	OrphanStreamTTL time.Duration
}

// Registry maps job IDs to their records and live stream channels.
//
// Records live for the life of the process. Channels are torn down after the
// terminal event has been delivered, or by Reap.
type Registry struct {
	opts RegistryOptions

	mu      sync.Mutex
	records map[string]*Record
	streams map[string]*stream.Channel
	done    map[string]chan struct{}

	wg sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.StreamCapacity <= 0 {
		opts.StreamCapacity = stream.DefaultCapacity
	}
	if opts.UnclaimedStreamTTL <= 0 {
		opts.UnclaimedStreamTTL = 5 * time.Minute
	}
	if opts.OrphanStreamTTL <= 0 {
		opts.OrphanStreamTTL = 2 * time.Minute
	}
	return &Registry{
		opts:    opts,
		records: make(map[string]*Record),
		streams: make(map[string]*stream.Channel),
		done:    make(map[string]chan struct{}),
	}
}

// Create registers a new job with a fresh record and stream channel.
func (g *Registry) Create(id, source, outputFile string) (*Record, *stream.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	rec := newRecord(id, source, outputFile)
	g.records[id] = rec

	// A subscriber may have attached before the job existed; adopt its channel.
	ch, ok := g.streams[id]
	if !ok || ch.Finished() {
		ch = stream.NewChannel(g.opts.StreamCapacity)
		g.streams[id] = ch
	}
	return rec, ch, nil
}

// Get looks up a job record.
func (g *Registry) Get(id string) (*Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[id]
	return rec, ok
}

// List returns every record, newest first.
func (g *Registry) List() []*Record {
	g.mu.Lock()
	out := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.After(out[j].createdAt)
	})
	return out
}

// Active counts jobs that have not reached a terminal state.
func (g *Registry) Active() int {
	n := 0
	for _, rec := range g.List() {
		if !rec.Status().Terminal() {
			n++
		}
	}
	return n
}

// AttachStream returns the job's live channel, creating an empty one when none
// exists. For a job that already finished, the new channel is pre-finished so
// the subscriber immediately receives the terminal event.
func (g *Registry) AttachStream(id string) *stream.Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.streams[id]; ok {
		return ch
	}
	ch := stream.NewChannel(g.opts.StreamCapacity)
	if rec, ok := g.records[id]; ok {
		if s := rec.Status(); s.Terminal() {
			ch.Finish(TerminalEvent(s, rec.Failure()))
		}
	}
	g.streams[id] = ch
	return ch
}

// RemoveStream drops the job's channel. Removing a missing channel is a no-op.
func (g *Registry) RemoveStream(id string) {
	g.mu.Lock()
	delete(g.streams, id)
	g.mu.Unlock()
}

// StreamCount reports how many channels are live.
func (g *Registry) StreamCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.streams)
}

// Go runs fn for job id as a tracked goroutine. Wait blocks until all such
// goroutines return; Done reports when this one has.
func (g *Registry) Go(id string, fn func()) {
	done := make(chan struct{})
	g.mu.Lock()
	g.done[id] = done
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(done)
		fn()
	}()
}

// Done returns a channel closed when the job's goroutine returns, or nil for
// an unknown job.
func (g *Registry) Done(id string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.done[id]; ok {
		return d
	}
	return nil
}

// Wait blocks until every tracked goroutine has returned or ctx is done.
func (g *Registry) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reap frees channels of finished jobs that no subscriber claimed within
// UnclaimedStreamTTL, and finishes orphan channels (attached for IDs that
// never became jobs) older than OrphanStreamTTL. It returns how many channels
// it touched.
func (g *Registry) Reap(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for id, ch := range g.streams {
		if _, isJob := g.records[id]; !isJob {
			if !ch.Finished() && now.Sub(ch.CreatedAt()) >= g.opts.OrphanStreamTTL {
				ch.Finish(stream.Terminal{
					Status: string(StatusFailed),
					Error:  &stream.ErrorDetail{Kind: string(KindSourceUnavailable), Message: ErrJobNotFound.Error()},
				})
				n++
			}
			if ch.Finished() && now.Sub(ch.FinishedAt()) >= g.opts.OrphanStreamTTL {
				delete(g.streams, id)
				n++
			}
			continue
		}

		if !ch.Finished() || ch.Attached() {
			continue
		}
		if now.Sub(ch.FinishedAt()) >= g.opts.UnclaimedStreamTTL {
			delete(g.streams, id)
			n++
		}
	}
	return n
}

// StartReaper runs Reap every interval until ctx is done.
func (g *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := g.Reap(now); n > 0 {
					log.Debug().Int("streams", n).Msg("Reaped idle streams")
				}
			}
		}
	}()
}
