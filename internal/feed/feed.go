package feed

import (
	"context"
	"sync"

	"github.com/desertthunder/livesync/internal/models"
)

// Stream is an open stream of frames. The frames channel is closed once the producer stops,
// either because the stream was closed or because it gave up.
type Stream interface {
	Frames() <-chan models.Frame
	Close() error
}

// Source opens frame streams for the rows of one table, scoped to q.SchoolID when set.
//
// A stream emits [models.FrameSubscribed] once it is established and again after every recovery.
// Failures are reported as [models.FrameError] frames while the source keeps retrying.
type Source interface {
	Listen(ctx context.Context, q models.Query) (Stream, error)
}

// Snapshotter reads the current rows matching a query.
type Snapshotter interface {
	Snapshot(ctx context.Context, q models.Query) (models.Snapshot, error)
}

// Pipe is a [Stream] fed by a single producer goroutine.
//
// The producer sends with [Pipe.Send] until [Pipe.Done] is closed and calls [Pipe.Finish] when it
// returns. Close stops the producer and waits for it.
type Pipe struct {
	frames   chan models.Frame
	done     chan struct{}
	finished chan struct{}
	stop     sync.Once
	finish   sync.Once
}

// NewPipe creates a pipe with the given frame buffer.
func NewPipe(buffer int) *Pipe {
	return &Pipe{
		frames:   make(chan models.Frame, buffer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (p *Pipe) Frames() <-chan models.Frame { return p.frames }

// Done is closed when the consumer closed the pipe.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Send delivers f. It reports false when the pipe was closed or ctx ended first.
func (p *Pipe) Send(ctx context.Context, f models.Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.frames <- f:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish closes the frames channel. Producers call it once, when they return.
func (p *Pipe) Finish() {
	p.finish.Do(func() {
		close(p.frames)
		close(p.finished)
	})
}

// Close stops the producer and waits for it to finish.
func (p *Pipe) Close() error {
	p.stop.Do(func() { close(p.done) })
	<-p.finished
	return nil
}
