package feed

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/reconcile"
)

// Rows serves [models.Row] sessions from a [Snapshotter] and a [Source].
type Rows struct {
	snapshots Snapshotter
	source    Source
	diag      reconcile.Diagnostics
}

var (
	_ reconcile.SnapshotSource[models.Row] = (*Rows)(nil)
	_ reconcile.Changefeed[models.Row]     = (*Rows)(nil)
)

// NewRows creates a [Rows] adapter. diag receives dropped frames; nil discards them.
func NewRows(snapshots Snapshotter, source Source, diag reconcile.Diagnostics) *Rows {
	if diag == nil {
		diag = log.New(io.Discard)
	}
	return &Rows{snapshots: snapshots, source: source, diag: diag}
}

// Query loads a snapshot of p.
func (r *Rows) Query(ctx context.Context, p reconcile.Params) (reconcile.Snapshot[models.Row], error) {
	q := p.Query()
	if err := q.Validate(); err != nil {
		return reconcile.Snapshot[models.Row]{}, err
	}

	snap, err := r.snapshots.Snapshot(ctx, q)
	if err != nil {
		return reconcile.Snapshot[models.Row]{}, err
	}
	return reconcile.Snapshot[models.Row]{Items: snap.Rows, Seq: snap.Seq}, nil
}

// Subscribe opens a stream for p and converts its frames to messages.
func (r *Rows) Subscribe(ctx context.Context, p reconcile.Params) (reconcile.Subscription[models.Row], error) {
	q := p.Query()
	if err := q.Validate(); err != nil {
		return nil, err
	}

	stream, err := r.source.Listen(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", p, err)
	}

	sub := &rowSubscription{
		stream: stream,
		out:    make(chan reconcile.Message[models.Row], 64),
		done:   make(chan struct{}),
	}
	go sub.run(p, r.diag)
	return sub, nil
}

type rowSubscription struct {
	stream Stream
	out    chan reconcile.Message[models.Row]
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *rowSubscription) Messages() <-chan reconcile.Message[models.Row] { return s.out }

func (s *rowSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.stream.Close()
	})
	return s.err
}

func (s *rowSubscription) run(p reconcile.Params, diag reconcile.Diagnostics) {
	defer close(s.out)

	for f := range s.stream.Frames() {
		msg, err := ToMessage(p.Table, f)
		if err != nil {
			diag.Warn("dropping malformed frame", "params", p, "event", f.Event, "error", err)
			continue
		}

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
