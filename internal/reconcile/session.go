package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
)

// DefaultMaxPending bounds the events buffered while a snapshot load is in flight.
const DefaultMaxPending = 4096

// SessionOpts configures a [Session].
type SessionOpts[T Entity[T]] struct {
	Snapshots   SnapshotSource[T]
	Feed        Changefeed[T]
	Diagnostics Diagnostics // defaults to a discarding logger
	MaxPending  int         // defaults to DefaultMaxPending
}

// Session keeps one (table, tenant, order) collection in sync with its snapshot source and changefeed.
//
// A session holds at most one subscription. It is safe for concurrent use.
type Session[T Entity[T]] struct {
	feed       Changefeed[T]
	diag       Diagnostics
	maxPending int
	fetch      *FetchOrchestrator[T]
	dispatch   *dispatcher[T]

	mu      sync.Mutex
	closed  bool
	gen     uint64
	params  Params
	ctx     context.Context
	cancel  context.CancelFunc
	rec     *Reconciler[T]
	sub     Subscription[T]
	loads   int
	snapSeq uint64
	pending []ChangeEvent[T]
	lastErr error
	// feedDown is set between a StatusFailed message and the acknowledgement that follows it.
	feedDown bool
	subs    []subscriber[T]
	nextSub int
}

// NewSession creates an idle session. Call [Session.Open] to start syncing.
func NewSession[T Entity[T]](opts SessionOpts[T]) *Session[T] {
	if opts.Diagnostics == nil {
		opts.Diagnostics = discardDiagnostics()
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}

	return &Session[T]{
		feed:       opts.Feed,
		diag:       opts.Diagnostics,
		maxPending: opts.MaxPending,
		fetch:      NewFetchOrchestrator(opts.Snapshots, opts.Diagnostics),
		dispatch:   newDispatcher[T](),
		rec:        NewReconciler[T]("", TenantFilter{}, models.OrderBy{}, opts.Diagnostics),
	}
}

// Open subscribes to the changefeed for p, then starts the snapshot load.
//
// Opening an open session switches it to p, as [Session.Reset] does.
func (s *Session[T]) Open(ctx context.Context, p Params) error {
	return s.start(ctx, p)
}

// Reset tears down the current subscription, clears the collection and opens p.
//
// Messages and load results belonging to the previous params are discarded.
func (s *Session[T]) Reset(ctx context.Context, p Params) error {
	return s.start(ctx, p)
}

func (s *Session[T]) start(ctx context.Context, p Params) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return shared.ErrSessionClosed
	}

	oldSub, oldCancel := s.sub, s.cancel
	s.sub = nil

	s.gen++
	gen := s.gen
	s.params = p
	s.ctx, s.cancel = context.WithCancel(ctx)
	prev := s.rec.Collection()
	s.rec = NewReconciler[T](p.Table, TenantFilter{TenantID: p.TenantID}, p.OrderBy, s.diag)
	if prev.Version() > 0 {
		s.rec.coll = prev.cleared()
	}
	s.rec.Connect()
	s.loads = 0
	s.snapSeq = 0
	s.pending = nil
	s.lastErr = nil
	s.feedDown = false
	runCtx := s.ctx
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if oldSub != nil {
		if err := oldSub.Close(); err != nil {
			s.diag.Warn("failed to close previous subscription", "error", err)
		}
	}

	// The feed starts at the change-log head it reads on subscribe, so the snapshot is taken
	// afterwards. Events the snapshot already covers are skipped by sequence.
	sub, err := s.feed.Subscribe(runCtx, p)

	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return nil
	}

	if err != nil {
		s.lastErr = fmt.Errorf("%w: %w", shared.ErrSubscriptionFailed, err)
		s.diag.Error("failed to subscribe to changefeed", "params", p, "error", err)
	} else {
		s.sub = sub
		go s.pump(runCtx, gen, sub)
	}

	s.loadLocked()
	s.unlockAndNotify(true)
	return nil
}

// Refresh starts a new snapshot load with the current params. It does not wait for the load;
// a refresh issued while another load is in flight wins over it.
func (s *Session[T]) Refresh() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return shared.ErrSessionClosed
	}
	if s.gen == 0 {
		s.mu.Unlock()
		return shared.ErrSessionNotOpen
	}

	s.loadLocked()
	s.unlockAndNotify(true)
	return nil
}

// Close stops the subscription and in-flight loads. Nothing delivered afterwards changes the
// session. Close is idempotent.
func (s *Session[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	sub, cancel := s.sub, s.cancel
	s.sub = nil
	s.rec.Close()
	s.loads = 0
	s.pending = nil
	s.unlockAndNotify(true)

	if cancel != nil {
		cancel()
	}
	s.dispatch.stop()

	if sub != nil {
		if err := sub.Close(); err != nil {
			return fmt.Errorf("failed to close subscription: %w", err)
		}
	}
	return nil
}

// Subscribe registers fn for every change of the collection, loading flag, error or state.
// fn first receives the current view. The returned function unregisters it.
func (s *Session[T]) Subscribe(fn func(View[T])) func() {
	s.mu.Lock()
	s.nextSub++
	sub := subscriber[T]{id: s.nextSub, fn: fn}
	s.subs = append(s.subs, sub)
	s.dispatch.enqueue(s.viewLocked(), []subscriber[T]{sub})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.subs = slices.DeleteFunc(s.subs, func(x subscriber[T]) bool { return x.id == sub.id })
		})
	}
}

// Current returns the current collection.
func (s *Session[T]) Current() Collection[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Collection()
}

// IsLoading reports whether a snapshot load is in flight.
func (s *Session[T]) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads > 0
}

// LastError returns the most recent fetch or subscription failure, or nil.
func (s *Session[T]) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// State returns the reconciler state.
func (s *Session[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.State()
}

// Params returns the params the session currently tracks.
func (s *Session[T]) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// View returns the current collection and status together.
func (s *Session[T]) View() View[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session[T]) viewLocked() View[T] {
	return View[T]{Collection: s.rec.Collection(), Loading: s.loads > 0, Err: s.lastErr, State: s.rec.State()}
}

// unlockAndNotify releases s.mu, queueing the current view for subscribers first when notify is set.
func (s *Session[T]) unlockAndNotify(notify bool) {
	if notify && len(s.subs) > 0 {
		s.dispatch.enqueue(s.viewLocked(), slices.Clone(s.subs))
	}
	s.mu.Unlock()
}

func (s *Session[T]) loadLocked() {
	s.loads++
	ctx, gen, p := s.ctx, s.gen, s.params
	go func() {
		s.completeLoad(gen, s.fetch.Fetch(ctx, p))
	}()
}

func (s *Session[T]) completeLoad(gen uint64, res FetchResult[T]) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.loads--

	if res.Current {
		if res.Err != nil {
			s.lastErr = res.Err
			s.diag.Error("snapshot load failed", "params", s.params, "error", res.Err)
		} else {
			s.rec.Load(res.Snapshot.Items)
			s.snapSeq = res.Snapshot.Seq
			if errors.Is(s.lastErr, shared.ErrFetchFailed) {
				s.lastErr = nil
			}
		}
	}

	if s.loads == 0 {
		s.replayLocked()
	}
	s.unlockAndNotify(true)
}

func (s *Session[T]) replayLocked() {
	pending := s.pending
	s.pending = nil
	for _, ev := range pending {
		s.applyLocked(ev)
	}
}

func (s *Session[T]) pump(ctx context.Context, gen uint64, sub Subscription[T]) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				s.feedEnded(gen)
				return
			}
			s.deliver(gen, msg)
		}
	}
}

func (s *Session[T]) deliver(gen uint64, msg Message[T]) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}

	var notify bool
	switch msg.Status {
	case StatusSubscribed:
		notify = s.rec.Acknowledge()
		if s.feedDown {
			// Changes may have been missed while the feed was down.
			s.feedDown = false
			if errors.Is(s.lastErr, shared.ErrSubscriptionFailed) {
				s.lastErr = nil
			}
			s.loadLocked()
			notify = true
		}
	case StatusFailed:
		err := shared.ErrSubscriptionFailed
		if msg.Err != nil {
			err = fmt.Errorf("%w: %w", shared.ErrSubscriptionFailed, msg.Err)
		}
		s.lastErr = err
		s.feedDown = true
		s.diag.Error("changefeed failed", "params", s.params, "error", msg.Err)
		notify = true
	case StatusEvent:
		notify = s.applyLocked(msg.Event)
	default:
		s.diag.Warn("unknown changefeed message", "params", s.params, "status", msg.Status)
	}

	s.unlockAndNotify(notify)
}

// applyLocked applies ev, or buffers it while a load is in flight. Events already reflected by
// the last snapshot are skipped.
func (s *Session[T]) applyLocked(ev ChangeEvent[T]) bool {
	if s.rec.State() == Live && s.loads > 0 {
		if len(s.pending) >= s.maxPending {
			s.diag.Warn("pending event buffer full, dropping event", "params", s.params, "id", ev.ID(), "kind", ev.Kind)
			return false
		}
		s.pending = append(s.pending, ev)
		return false
	}

	if ev.Seq != 0 && s.snapSeq != 0 && ev.Seq <= s.snapSeq {
		return false
	}
	return s.rec.Apply(ev)
}

func (s *Session[T]) feedEnded(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}

	s.sub = nil
	s.rec.Close()
	s.lastErr = fmt.Errorf("%w: changefeed ended", shared.ErrSubscriptionFailed)
	s.diag.Error("changefeed ended", "params", s.params)
	s.unlockAndNotify(true)
}
