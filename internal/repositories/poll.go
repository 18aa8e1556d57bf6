package repositories

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
	"golang.org/x/time/rate"
)

var _ feed.Source = (*PollingFeed)(nil)

// PollingFeedOpts configures a [PollingFeed].
type PollingFeedOpts struct {
	Interval  time.Duration // Time between polls (default: 250ms)
	BatchSize int           // Changes read per poll (default: 500)
	Logger    *log.Logger   // Receives poll failures (default: discard)
}

// PollingFeed streams the change log of the local store by polling it at a fixed rate.
//
// A stream starts at the head of the log when it opens. Failed polls are reported as error frames
// and retried at the same rate without moving the cursor; the first successful poll afterwards is
// announced with a subscribed frame.
type PollingFeed struct {
	changes *ChangeLog
	opts    PollingFeedOpts
}

// NewPollingFeed creates a [PollingFeed] over changes.
func NewPollingFeed(changes *ChangeLog, opts PollingFeedOpts) *PollingFeed {
	if opts.Interval <= 0 {
		opts.Interval = 250 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &PollingFeed{changes: changes, opts: opts}
}

// Listen opens a stream of the changes to q.Table, scoped to q.SchoolID when set.
func (f *PollingFeed) Listen(ctx context.Context, q models.Query) (feed.Stream, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	cursor, err := f.changes.Head(ctx)
	if err != nil {
		return nil, err
	}

	pipe := feed.NewPipe(64)
	go f.run(ctx, pipe, q, cursor)
	return pipe, nil
}

func (f *PollingFeed) run(parent context.Context, pipe *feed.Pipe, q models.Query, cursor uint64) {
	defer pipe.Finish()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-pipe.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if !pipe.Send(ctx, models.SubscribedFrame()) {
		return
	}

	limiter := rate.NewLimiter(rate.Every(f.opts.Interval), 1)
	healthy := true

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		changes, err := f.changes.Since(ctx, q, cursor, f.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.opts.Logger.Warn("change log poll failed", "table", q.Table, "cursor", cursor, "error", err)
			if healthy {
				healthy = false
				if !pipe.Send(ctx, models.ErrorFrame(err)) {
					return
				}
			}
			continue
		}

		if !healthy {
			healthy = true
			if !pipe.Send(ctx, models.SubscribedFrame()) {
				return
			}
		}

		for _, c := range changes {
			cursor = c.Seq

			env, err := c.Envelope()
			if err != nil {
				f.opts.Logger.Warn("skipping unreadable change", "seq", c.Seq, "error", err)
				continue
			}

			if !pipe.Send(ctx, models.ChangeFrame(env)) {
				return
			}
		}
	}
}
