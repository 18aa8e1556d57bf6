package testing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/livesync/internal/reconcile"
)

// WaitTimeout bounds every Await/WaitFor helper.
const WaitTimeout = 2 * time.Second

// SnapshotFunc adapts a function to [reconcile.SnapshotSource].
type SnapshotFunc[T reconcile.Entity[T]] func(ctx context.Context, p reconcile.Params) (reconcile.Snapshot[T], error)

func (f SnapshotFunc[T]) Query(ctx context.Context, p reconcile.Params) (reconcile.Snapshot[T], error) {
	return f(ctx, p)
}

// StaticSource returns a snapshot source that always answers with items at sequence seq.
func StaticSource[T reconcile.Entity[T]](seq uint64, items ...T) SnapshotFunc[T] {
	return func(context.Context, reconcile.Params) (reconcile.Snapshot[T], error) {
		return reconcile.Snapshot[T]{Items: items, Seq: seq}, nil
	}
}

// GatedSource is a snapshot source whose queries block until the test resolves them.
type GatedSource[T reconcile.Entity[T]] struct {
	calls chan *PendingQuery[T]
	count atomic.Int64
}

// NewGatedSource creates a [GatedSource].
func NewGatedSource[T reconcile.Entity[T]]() *GatedSource[T] {
	return &GatedSource[T]{calls: make(chan *PendingQuery[T], 64)}
}

// PendingQuery is one blocked query of a [GatedSource].
type PendingQuery[T reconcile.Entity[T]] struct {
	Params reconcile.Params
	result chan queryResult[T]
}

type queryResult[T reconcile.Entity[T]] struct {
	snap reconcile.Snapshot[T]
	err  error
}

func (g *GatedSource[T]) Query(ctx context.Context, p reconcile.Params) (reconcile.Snapshot[T], error) {
	g.count.Add(1)
	pq := &PendingQuery[T]{Params: p, result: make(chan queryResult[T], 1)}
	g.calls <- pq

	select {
	case r := <-pq.result:
		return r.snap, r.err
	case <-ctx.Done():
		return reconcile.Snapshot[T]{}, ctx.Err()
	}
}

// Calls returns how many queries were issued.
func (g *GatedSource[T]) Calls() int {
	return int(g.count.Load())
}

// Await returns the next blocked query.
func (g *GatedSource[T]) Await(t testing.TB) *PendingQuery[T] {
	t.Helper()
	select {
	case pq := <-g.calls:
		return pq
	case <-time.After(WaitTimeout):
		t.Fatalf("timed out waiting for snapshot query")
		return nil
	}
}

// Resolve completes the query with items at sequence seq.
func (pq *PendingQuery[T]) Resolve(seq uint64, items ...T) {
	pq.result <- queryResult[T]{snap: reconcile.Snapshot[T]{Items: items, Seq: seq}}
}

// Fail completes the query with err.
func (pq *PendingQuery[T]) Fail(err error) {
	pq.result <- queryResult[T]{err: err}
}

// StubFeed is a changefeed whose subscriptions are driven by the test.
type StubFeed[T reconcile.Entity[T]] struct {
	mu         sync.Mutex
	err        error
	subscribed chan *StubSubscription[T]
}

// NewStubFeed creates a [StubFeed].
func NewStubFeed[T reconcile.Entity[T]]() *StubFeed[T] {
	return &StubFeed[T]{subscribed: make(chan *StubSubscription[T], 16)}
}

// FailWith makes later Subscribe calls return err.
func (f *StubFeed[T]) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *StubFeed[T]) Subscribe(ctx context.Context, p reconcile.Params) (reconcile.Subscription[T], error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sub := &StubSubscription[T]{Params: p, ch: make(chan reconcile.Message[T], 256)}
	f.subscribed <- sub
	return sub, nil
}

// Await returns the next subscription opened on the feed.
func (f *StubFeed[T]) Await(t testing.TB) *StubSubscription[T] {
	t.Helper()
	select {
	case sub := <-f.subscribed:
		return sub
	case <-time.After(WaitTimeout):
		t.Fatalf("timed out waiting for subscription")
		return nil
	}
}

// StubSubscription is a subscription of a [StubFeed].
//
// Close only marks it closed; messages sent afterwards are still delivered, as a real transport
// may do with messages already in flight.
type StubSubscription[T reconcile.Entity[T]] struct {
	Params reconcile.Params
	ch     chan reconcile.Message[T]
	closed atomic.Bool
	ended  sync.Once
}

func (s *StubSubscription[T]) Messages() <-chan reconcile.Message[T] { return s.ch }

func (s *StubSubscription[T]) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *StubSubscription[T]) Closed() bool { return s.closed.Load() }

// Send delivers msg.
func (s *StubSubscription[T]) Send(msg reconcile.Message[T]) { s.ch <- msg }

// Ack confirms the subscription.
func (s *StubSubscription[T]) Ack() { s.Send(reconcile.Message[T]{Status: reconcile.StatusSubscribed}) }

// Fail reports a transport failure.
func (s *StubSubscription[T]) Fail(err error) {
	s.Send(reconcile.Message[T]{Status: reconcile.StatusFailed, Err: err})
}

// Event delivers a change event.
func (s *StubSubscription[T]) Event(ev reconcile.ChangeEvent[T]) {
	s.Send(reconcile.Message[T]{Status: reconcile.StatusEvent, Event: ev})
}

// End closes the message channel, as a transport that gave up would.
func (s *StubSubscription[T]) End() {
	s.ended.Do(func() { close(s.ch) })
}

// ViewRecorder collects the views a session publishes.
type ViewRecorder[T reconcile.Entity[T]] struct {
	mu    sync.Mutex
	views []reconcile.View[T]
}

// Record is the subscriber callback.
func (r *ViewRecorder[T]) Record(v reconcile.View[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

// Views returns a copy of everything recorded so far.
func (r *ViewRecorder[T]) Views() []reconcile.View[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reconcile.View[T](nil), r.views...)
}

// WaitFor blocks until a recorded view satisfies pred and returns it.
func (r *ViewRecorder[T]) WaitFor(t testing.TB, what string, pred func(reconcile.View[T]) bool) reconcile.View[T] {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for time.Now().Before(deadline) {
		for _, v := range r.Views() {
			if pred(v) {
				return v
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for view: %s", what)
	return reconcile.View[T]{}
}

// Eventually polls cond until it holds or the wait times out.
func Eventually(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
