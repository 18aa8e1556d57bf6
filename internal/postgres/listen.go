// Package postgres streams changes of a Postgres-backed record store through LISTEN/NOTIFY.
//
// The capture trigger announces every change-log entry on [Channel] with its sequence and table.
// Notifications only wake the feed; the change rows themselves are read from the change log, so
// payload size limits do not apply and nothing is lost while the connection is down.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/repositories"
	"github.com/desertthunder/livesync/internal/shared"
	"github.com/lib/pq"
)

// Channel is the notification channel the capture trigger publishes on.
const Channel = "livesync_changes"

var _ feed.Source = (*ListenFeed)(nil)

// ListenFeedOpts configures a [ListenFeed].
type ListenFeedOpts struct {
	MinReconnect time.Duration // First reconnect delay (default: 500ms)
	MaxReconnect time.Duration // Reconnect delay cap (default: 30s)
	PingInterval time.Duration // Liveness check and catch-up interval (default: 30s)
	BatchSize    int           // Changes read per query (default: 500)
	Logger       *log.Logger
}

// ListenFeed is a [feed.Source] backed by a pq listener per stream.
type ListenFeed struct {
	dsn     string
	changes *repositories.ChangeLog
	opts    ListenFeedOpts
}

// NewListenFeed creates a [ListenFeed] listening with dsn and reading changes from changes.
func NewListenFeed(dsn string, changes *repositories.ChangeLog, opts ListenFeedOpts) *ListenFeed {
	if opts.MinReconnect <= 0 {
		opts.MinReconnect = 500 * time.Millisecond
	}
	if opts.MaxReconnect < opts.MinReconnect {
		opts.MaxReconnect = 30 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &ListenFeed{dsn: dsn, changes: changes, opts: opts}
}

// notifier is the part of [pq.Listener] a stream uses.
type notifier interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

type listenerEvent struct {
	typ pq.ListenerEventType
	err error
}

// Listen opens a listener connection and streams the changes to q.Table from the current head.
func (f *ListenFeed) Listen(ctx context.Context, q models.Query) (feed.Stream, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	cursor, err := f.changes.Head(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan listenerEvent, 16)
	listener := pq.NewListener(f.dsn, f.opts.MinReconnect, f.opts.MaxReconnect, func(typ pq.ListenerEventType, err error) {
		select {
		case events <- listenerEvent{typ: typ, err: err}:
		default:
			f.opts.Logger.Warn("dropping listener event", "event", typ, "error", err)
		}
	})

	if err := listener.Listen(Channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}

	s := &stream{
		changes: f.changes,
		opts:    f.opts,
		query:   q,
		cursor:  cursor,
		pipe:    feed.NewPipe(64),
	}
	go s.run(ctx, listener, events)
	return s.pipe, nil
}

type stream struct {
	changes *repositories.ChangeLog
	opts    ListenFeedOpts
	query   models.Query
	cursor  uint64
	pipe    *feed.Pipe
	healthy bool
}

func (s *stream) run(parent context.Context, l notifier, events <-chan listenerEvent) {
	defer s.pipe.Finish()
	defer l.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pipe.Done():
			return

		case ev := <-events:
			frame, ok := eventFrame(ev.typ, ev.err)
			if !ok {
				continue
			}
			s.healthy = frame.Event == models.FrameSubscribed
			if !s.pipe.Send(ctx, frame) {
				return
			}
			if s.healthy && !s.drain(ctx) {
				return
			}

		case n := <-l.NotificationChannel():
			// A nil notification follows a reconnect, when notifications may have been missed.
			if n != nil {
				note, err := parseNotification(n.Extra)
				if err != nil {
					s.opts.Logger.Warn("ignoring notification", "payload", n.Extra, "error", err)
					continue
				}
				if note.Table != s.query.Table || note.Seq <= s.cursor {
					continue
				}
			}
			if !s.drain(ctx) {
				return
			}

		case <-ticker.C:
			if err := l.Ping(); err != nil {
				s.opts.Logger.Warn("listener ping failed", "error", err)
				continue
			}
			if !s.drain(ctx) {
				return
			}
		}
	}
}

// drain sends every change after the cursor. It reports false once the stream should stop.
func (s *stream) drain(ctx context.Context) bool {
	for {
		changes, err := s.changes.Since(ctx, s.query, s.cursor, s.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.opts.Logger.Warn("change log read failed", "table", s.query.Table, "cursor", s.cursor, "error", err)
			if s.healthy {
				s.healthy = false
				return s.pipe.Send(ctx, models.ErrorFrame(err))
			}
			return true
		}

		if !s.healthy {
			s.healthy = true
			if !s.pipe.Send(ctx, models.SubscribedFrame()) {
				return false
			}
		}

		for _, c := range changes {
			s.cursor = c.Seq
			env, err := c.Envelope()
			if err != nil {
				s.opts.Logger.Warn("skipping unreadable change", "seq", c.Seq, "error", err)
				continue
			}
			if !s.pipe.Send(ctx, models.ChangeFrame(env)) {
				return false
			}
		}

		if len(changes) < s.opts.BatchSize {
			return true
		}
	}
}

// eventFrame maps a listener state change to the frame announcing it.
func eventFrame(typ pq.ListenerEventType, err error) (models.Frame, bool) {
	switch typ {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		return models.SubscribedFrame(), true
	case pq.ListenerEventDisconnected:
		if err == nil {
			err = fmt.Errorf("%w: listener disconnected", shared.ErrServiceUnavailable)
		}
		return models.ErrorFrame(err), true
	case pq.ListenerEventConnectionAttemptFailed:
		if err == nil {
			err = fmt.Errorf("%w: connection attempt failed", shared.ErrServiceUnavailable)
		}
		return models.ErrorFrame(err), true
	default:
		return models.Frame{}, false
	}
}

type notification struct {
	Seq   uint64 `json:"seq"`
	Table string `json:"table"`
}

func parseNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, fmt.Errorf("%w: %w", shared.ErrMalformedEvent, err)
	}
	if n.Table == "" || n.Seq == 0 {
		return notification{}, fmt.Errorf("%w: notification without table or seq", shared.ErrMalformedEvent)
	}
	return n, nil
}
