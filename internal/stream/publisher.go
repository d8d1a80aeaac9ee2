package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultKeepalive is how long the publisher waits for an event before
// emitting a keepalive.
const DefaultKeepalive = 30 * time.Second

// Attacher hands out per-job channels. The job registry implements it.
type Attacher interface {
	AttachStream(id string) *Channel
	RemoveStream(id string)
}

// Publisher drains a job's channel into a server-sent-events stream.
//
// Several publishers on the same job share one channel and race for its
// events; each event reaches exactly one of them.
type Publisher struct {
	streams   Attacher
	keepalive time.Duration
}

// NewPublisher creates a publisher. keepalive <= 0 selects DefaultKeepalive.
func NewPublisher(streams Attacher, keepalive time.Duration) *Publisher {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &Publisher{streams: streams, keepalive: keepalive}
}

// Serve streams jobID's events to w until the complete event has been written
// or ctx is done. flush, if non-nil, is called after every record.
//
// Once the complete event has been taken the channel is removed from the
// registry, even when writing it failed. A client disconnect before that
// leaves the channel in place.
func (p *Publisher) Serve(ctx context.Context, jobID string, w io.Writer, flush func()) error {
	err := p.serve(ctx, jobID, w, flush)
	if errors.Is(err, ErrClosed) {
		// The subscriber that took the complete event may never have written
		// it. A fresh attach replays the terminal event from the job record.
		err = p.serve(ctx, jobID, w, flush)
		if errors.Is(err, ErrClosed) {
			return nil
		}
	}
	return err
}

func (p *Publisher) serve(ctx context.Context, jobID string, w io.Writer, flush func()) error {
	ch := p.streams.AttachStream(jobID)
	ch.MarkAttached()

	logger := log.With().Str("job", jobID).Logger()
	logger.Debug().Msg("Stream subscriber attached")

	var frames, keepalives int
	for {
		ev, err := ch.Receive(ctx, p.keepalive)
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			ev = KeepaliveEvent()
			keepalives++
		case errors.Is(err, ErrClosed):
			logger.Debug().Int("frames", frames).Msg("Stream already closed, detaching channel")
			p.streams.RemoveStream(jobID)
			return err
		default:
			logger.Debug().Err(err).Int("frames", frames).Msg("Stream subscriber detached")
			return err
		}

		werr := WriteEvent(w, ev)
		if werr == nil && flush != nil {
			flush()
		}

		switch ev.Type {
		case EventFrame:
			frames++
		case EventComplete:
			p.streams.RemoveStream(jobID)
			if werr != nil {
				logger.Warn().Err(werr).Msg("Failed to write complete event")
				return werr
			}
			logger.Info().
				Int("frames", frames).
				Int("keepalives", keepalives).
				Msg("Stream complete")
			return nil
		}
		if werr != nil {
			logger.Warn().Err(werr).Msg("Failed to write stream event")
			return werr
		}
	}
}
