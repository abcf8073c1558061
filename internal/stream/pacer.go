package stream

import (
	"context"
	"io"
	"time"

	"agentstream/internal/sse"
)

const DefaultPaceInterval = time.Millisecond

// Pace starts a pump that pulls src one chunk at a time, hands the projected
// message to the reader as soon as it is taken, then sleeps for interval
// before pulling again. The pause gives each write its own flush point on
// hops that coalesce small writes.
//
// The pump stops when src is exhausted, when src fails (the error is
// returned by Next after all earlier messages), or when ctx is done.
func Pace(ctx context.Context, src Source, project Projector, interval time.Duration) MessageStream {
	if project == nil {
		project = Project
	}
	if interval < 0 {
		interval = 0
	}
	out := make(chan sse.Message)
	done := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			chunk, err := src.Next(ctx)
			if err != nil {
				done <- err
				return
			}
			select {
			case out <- project(chunk):
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
			if err := sleepCtx(ctx, interval); err != nil {
				done <- err
				return
			}
		}
	}()
	return &pacedStream{out: out, done: done}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pacedStream struct {
	out  <-chan sse.Message
	done <-chan error
	err  error
}

func (p *pacedStream) Next(ctx context.Context) (sse.Message, error) {
	if p.err != nil {
		return sse.Message{}, p.err
	}
	select {
	case msg, ok := <-p.out:
		if ok {
			return msg, nil
		}
	case <-ctx.Done():
		return sse.Message{}, ctx.Err()
	}
	p.err = <-p.done
	if p.err == nil {
		p.err = io.EOF
	}
	return sse.Message{}, p.err
}
