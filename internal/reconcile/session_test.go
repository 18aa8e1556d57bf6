package reconcile_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/reconcile"
	"github.com/desertthunder/livesync/internal/repositories"
	"github.com/desertthunder/livesync/internal/shared"
	tu "github.com/desertthunder/livesync/internal/testing"
)

type rowView = reconcile.View[models.Row]

func lessonRow(id, school string, kv ...any) models.Row {
	r := models.Row{"id": id, "school_id": school}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}

type harness struct {
	session  *reconcile.Session[models.Row]
	source   *tu.GatedSource[models.Row]
	feed     *tu.StubFeed[models.Row]
	recorder *tu.ViewRecorder[models.Row]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:   tu.NewGatedSource[models.Row](),
		feed:     tu.NewStubFeed[models.Row](),
		recorder: &tu.ViewRecorder[models.Row]{},
	}
	h.session = reconcile.NewSession(reconcile.SessionOpts[models.Row]{
		Snapshots: h.source,
		Feed:      h.feed,
	})
	h.session.Subscribe(h.recorder.Record)
	t.Cleanup(func() { h.session.Close() })
	return h
}

// open opens the session and returns the pending snapshot query and the subscription.
func (h *harness) open(t *testing.T, p reconcile.Params) (*tu.PendingQuery[models.Row], *tu.StubSubscription[models.Row]) {
	t.Helper()
	if err := h.session.Open(context.Background(), p); err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	return h.source.Await(t), h.feed.Await(t)
}

func ids(v rowView) []string {
	return v.Collection.IDs()
}

func hasIDs(want ...string) func(rowView) bool {
	return func(v rowView) bool { return !v.Loading && slices.Equal(ids(v), want) }
}

var lessons = reconcile.Params{Table: "lessons", TenantID: "A"}

func TestSession(t *testing.T) {
	t.Run("loads snapshot and applies live events", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)

		if query.Params != lessons || sub.Params != lessons {
			t.Errorf("expected source and feed to receive %v", lessons)
		}
		if !h.session.IsLoading() {
			t.Error("expected loading while the snapshot is pending")
		}

		sub.Ack()
		h.recorder.WaitFor(t, "live", func(v rowView) bool { return v.State == reconcile.Live })

		query.Resolve(0, lessonRow("1", "A", "name", "X"))
		h.recorder.WaitFor(t, "snapshot", hasIDs("1"))

		sub.Event(reconcile.Updated(models.Row{"id": "1", "name": "Y"}, nil, 0))
		v := h.recorder.WaitFor(t, "update", func(v rowView) bool {
			got, ok := v.Collection.Get("1")
			return ok && got["name"] == "Y"
		})
		got, _ := v.Collection.Get("1")
		if got["school_id"] != "A" {
			t.Errorf("expected merged row to keep school A, got %v", got)
		}

		if h.session.IsLoading() {
			t.Error("loading should be false after the snapshot landed")
		}
		if h.session.LastError() != nil {
			t.Errorf("expected no error, got %v", h.session.LastError())
		}
	})

	t.Run("rejects rows from other schools", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0)
		h.recorder.WaitFor(t, "empty snapshot", func(v rowView) bool { return !v.Loading && v.State == reconcile.Live })

		sub.Event(reconcile.Inserted(lessonRow("2", "B"), 0))
		sub.Event(reconcile.Inserted(lessonRow("3", "A"), 0))
		h.recorder.WaitFor(t, "own row", hasIDs("3"))

		if _, ok := h.session.Current().Get("2"); ok {
			t.Error("row from school B should never enter the collection")
		}
	})

	t.Run("duplicate delivery is idempotent", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0)

		sub.Event(reconcile.Inserted(lessonRow("7", "A"), 0))
		sub.Event(reconcile.Inserted(lessonRow("7", "A"), 0))
		sub.Event(reconcile.Inserted(lessonRow("8", "A"), 0))
		h.recorder.WaitFor(t, "both rows", hasIDs("8", "7"))

		if n := h.session.Current().Len(); n != 2 {
			t.Errorf("expected 2 rows, got %d", n)
		}
	})

	t.Run("stale refresh is discarded", func(t *testing.T) {
		h := newHarness(t)
		first, sub := h.open(t, lessons)
		sub.Ack()

		if err := h.session.Refresh(); err != nil {
			t.Fatalf("failed to refresh: %v", err)
		}
		second := h.source.Await(t)

		second.Resolve(0, lessonRow("new", "A"))
		h.recorder.WaitFor(t, "second snapshot", func(v rowView) bool { return slices.Equal(ids(v), []string{"new"}) })

		first.Resolve(0, lessonRow("old", "A"))
		h.recorder.WaitFor(t, "loads settled", hasIDs("new"))

		if ids := h.session.Current().IDs(); !slices.Equal(ids, []string{"new"}) {
			t.Errorf("expected the later load to win, got %v", ids)
		}
		if h.session.IsLoading() {
			t.Error("loading should reset once both loads completed")
		}
	})

	t.Run("fetch failure keeps data and is retried by refresh", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0, lessonRow("1", "A"))
		h.recorder.WaitFor(t, "snapshot", hasIDs("1"))

		h.session.Refresh()
		h.source.Await(t).Fail(errors.New("timeout"))
		h.recorder.WaitFor(t, "fetch error", func(v rowView) bool { return !v.Loading && v.Err != nil })

		if !errors.Is(h.session.LastError(), shared.ErrFetchFailed) {
			t.Errorf("expected ErrFetchFailed, got %v", h.session.LastError())
		}
		if ids := h.session.Current().IDs(); !slices.Equal(ids, []string{"1"}) {
			t.Errorf("expected data to survive a failed load, got %v", ids)
		}

		h.session.Refresh()
		h.source.Await(t).Resolve(0, lessonRow("1", "A"), lessonRow("2", "A"))
		h.recorder.WaitFor(t, "recovered", func(v rowView) bool { return v.Err == nil && len(ids(v)) == 2 })
	})

	t.Run("subscription failure keeps data and resyncs on recovery", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0, lessonRow("1", "A"))
		h.recorder.WaitFor(t, "snapshot", hasIDs("1"))

		sub.Fail(errors.New("socket closed"))
		v := h.recorder.WaitFor(t, "subscription error", func(v rowView) bool { return v.Err != nil })
		if !errors.Is(v.Err, shared.ErrSubscriptionFailed) {
			t.Errorf("expected ErrSubscriptionFailed, got %v", v.Err)
		}
		if v.Collection.Len() != 1 {
			t.Errorf("expected data to survive, got %v", ids(v))
		}

		sub.Ack()
		h.source.Await(t).Resolve(0, lessonRow("1", "A"), lessonRow("2", "A"))
		h.recorder.WaitFor(t, "resynced", func(v rowView) bool { return v.Err == nil && !v.Loading && v.Collection.Len() == 2 })
		if h.session.LastError() != nil {
			t.Errorf("expected error to clear after resubscribing, got %v", h.session.LastError())
		}
	})

	t.Run("resyncs after an outage even when a refresh failed during it", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0, lessonRow("1", "A"))
		h.recorder.WaitFor(t, "snapshot", hasIDs("1"))

		sub.Fail(errors.New("socket closed"))
		h.recorder.WaitFor(t, "subscription error", func(v rowView) bool {
			return errors.Is(v.Err, shared.ErrSubscriptionFailed)
		})

		h.session.Refresh()
		h.source.Await(t).Fail(errors.New("backend down"))
		h.recorder.WaitFor(t, "fetch error", func(v rowView) bool {
			return !v.Loading && errors.Is(v.Err, shared.ErrFetchFailed)
		})

		before := h.source.Calls()
		sub.Ack()
		h.source.Await(t).Resolve(0, lessonRow("1", "A"), lessonRow("2", "A"))
		h.recorder.WaitFor(t, "resynced", func(v rowView) bool {
			return v.Err == nil && !v.Loading && v.Collection.Len() == 2
		})

		if got := h.source.Calls(); got != before+1 {
			t.Errorf("expected one resync load after the acknowledgement, got %d", got-before)
		}
	})

	t.Run("repeat acknowledgement without an outage does not reload", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0, lessonRow("1", "A"))
		h.recorder.WaitFor(t, "snapshot", hasIDs("1"))

		sub.Ack()
		sub.Event(reconcile.Inserted(lessonRow("2", "A"), 0))
		h.recorder.WaitFor(t, "insert", hasIDs("2", "1"))

		if got := h.source.Calls(); got != 1 {
			t.Errorf("expected 1 snapshot query, got %d", got)
		}
	})

	t.Run("subscribe error is reported", func(t *testing.T) {
		h := newHarness(t)
		h.feed.FailWith(errors.New("dial refused"))

		if err := h.session.Open(context.Background(), lessons); err != nil {
			t.Fatalf("failed to open session: %v", err)
		}
		h.source.Await(t).Resolve(0, lessonRow("1", "A"))

		h.recorder.WaitFor(t, "subscribe error", func(v rowView) bool {
			return errors.Is(v.Err, shared.ErrSubscriptionFailed)
		})
		if h.session.State() != reconcile.Connecting {
			t.Errorf("expected connecting, got %v", h.session.State())
		}
	})

	t.Run("events before acknowledgement are dropped", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		query.Resolve(0)
		h.recorder.WaitFor(t, "snapshot", func(v rowView) bool { return !v.Loading })

		sub.Event(reconcile.Inserted(lessonRow("early", "A"), 0))
		sub.Ack()
		sub.Event(reconcile.Inserted(lessonRow("late", "A"), 0))
		h.recorder.WaitFor(t, "late row", hasIDs("late"))
	})

	t.Run("events during load are replayed after the snapshot", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		h.recorder.WaitFor(t, "live", func(v rowView) bool { return v.State == reconcile.Live })

		sub.Event(reconcile.Inserted(lessonRow("covered", "A"), 4))
		sub.Event(reconcile.Updated(models.Row{"id": "1", "name": "stale"}, nil, 5))
		sub.Event(reconcile.Inserted(lessonRow("after", "A"), 7))
		sub.Event(reconcile.Updated(models.Row{"id": "1", "name": "fresh"}, nil, 8))

		tu.Eventually(t, "events buffered", func() bool {
			return h.session.Current().Len() == 0 && h.session.IsLoading()
		})

		query.Resolve(6, lessonRow("covered", "A"), lessonRow("1", "A", "name", "snapshot"))
		tu.Eventually(t, "latest update applied", func() bool {
			got, ok := h.session.Current().Get("1")
			return ok && got["name"] == "fresh" && !h.session.IsLoading()
		})

		coll := h.session.Current()
		if ids := coll.IDs(); len(ids) != 3 {
			t.Errorf("expected 3 rows, got %v", ids)
		}
		if _, ok := coll.Get("after"); !ok {
			t.Error("expected buffered insert after the snapshot to be applied")
		}
		for _, v := range h.recorder.Views() {
			if got, ok := v.Collection.Get("1"); ok && got["name"] == "stale" {
				t.Errorf("update covered by the snapshot should be skipped, got view %v", v.Collection.IDs())
			}
		}
	})

	t.Run("events already in the snapshot are skipped", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(10, lessonRow("1", "A", "name", "current"))
		h.recorder.WaitFor(t, "snapshot", hasIDs("1"))

		sub.Event(reconcile.Updated(models.Row{"id": "1", "name": "old"}, nil, 9))
		sub.Event(reconcile.Inserted(lessonRow("2", "A"), 11))
		h.recorder.WaitFor(t, "new row", hasIDs("2", "1"))

		got, _ := h.session.Current().Get("1")
		if got["name"] != "current" {
			t.Errorf("expected late duplicate update to be skipped, got %v", got["name"])
		}
	})

	t.Run("no changes after close", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0, lessonRow("1", "A"))
		h.recorder.WaitFor(t, "snapshot", hasIDs("1"))

		if err := h.session.Close(); err != nil {
			t.Fatalf("failed to close: %v", err)
		}
		if !sub.Closed() {
			t.Error("close should close the subscription")
		}

		before := h.session.Current()
		sub.Event(reconcile.Inserted(lessonRow("2", "A"), 0))
		sub.Event(reconcile.Deleted[models.Row]("1", nil, 0))

		tu.Eventually(t, "closed state", func() bool { return h.session.State() == reconcile.Closed })
		after := h.session.Current()
		if after.Version() != before.Version() || !slices.Equal(after.IDs(), []string{"1"}) {
			t.Errorf("expected collection to be frozen after close, got %v", after.IDs())
		}

		if err := h.session.Refresh(); !errors.Is(err, shared.ErrSessionClosed) {
			t.Errorf("expected ErrSessionClosed, got %v", err)
		}
		if err := h.session.Open(context.Background(), lessons); !errors.Is(err, shared.ErrSessionClosed) {
			t.Errorf("expected ErrSessionClosed, got %v", err)
		}
		if err := h.session.Close(); err != nil {
			t.Errorf("close should be idempotent, got %v", err)
		}
	})

	t.Run("reset switches tenant and ignores the old feed", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0, lessonRow("1", "A"))
		h.recorder.WaitFor(t, "school A", hasIDs("1"))

		schoolB := reconcile.Params{Table: "lessons", TenantID: "B"}
		if err := h.session.Reset(context.Background(), schoolB); err != nil {
			t.Fatalf("failed to reset: %v", err)
		}
		newQuery, newSub := h.source.Await(t), h.feed.Await(t)

		if !sub.Closed() {
			t.Error("reset should close the previous subscription")
		}

		sub.Event(reconcile.Inserted(lessonRow("9", "A"), 0))
		newSub.Ack()
		newQuery.Resolve(0, lessonRow("5", "B"))
		h.recorder.WaitFor(t, "school B", hasIDs("5"))

		if h.session.Params() != schoolB {
			t.Errorf("expected params %v, got %v", schoolB, h.session.Params())
		}
		if _, ok := h.session.Current().Get("9"); ok {
			t.Error("events from the previous subscription must be ignored")
		}
	})

	t.Run("versions keep increasing across resets", func(t *testing.T) {
		stub := tu.NewStubFeed[models.Row]()
		session := reconcile.NewSession(reconcile.SessionOpts[models.Row]{
			Snapshots: tu.StaticSource(0, lessonRow("1", "A"), lessonRow("2", "A")),
			Feed:      stub,
		})
		defer session.Close()

		if err := session.Open(context.Background(), lessons); err != nil {
			t.Fatalf("failed to open session: %v", err)
		}
		sub := stub.Await(t)
		sub.Ack()
		tu.Eventually(t, "snapshot", func() bool { return session.Current().Len() == 2 && !session.IsLoading() })
		sub.Event(reconcile.Deleted[models.Row]("2", nil, 0))
		tu.Eventually(t, "delete", func() bool { return session.Current().Len() == 1 })
		before := session.Current().Version()

		if err := session.Reset(context.Background(), lessons); err != nil {
			t.Fatalf("failed to reset: %v", err)
		}
		if got := session.Current().Version(); got <= before {
			t.Errorf("expected a version above v%d after reset, got v%d", before, got)
		}

		stub.Await(t).Ack()
		tu.Eventually(t, "reloaded", func() bool { return session.Current().Len() == 2 && !session.IsLoading() })
		if got := session.Current().Version(); got <= before+1 {
			t.Errorf("expected reloaded version above v%d, got v%d", before+1, got)
		}
	})

	t.Run("feed ending closes the reconciler", func(t *testing.T) {
		h := newHarness(t)
		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0, lessonRow("1", "A"))
		h.recorder.WaitFor(t, "snapshot", hasIDs("1"))

		sub.End()
		v := h.recorder.WaitFor(t, "feed ended", func(v rowView) bool { return v.State == reconcile.Closed })
		if !errors.Is(v.Err, shared.ErrSubscriptionFailed) {
			t.Errorf("expected ErrSubscriptionFailed, got %v", v.Err)
		}
		if v.Collection.Len() != 1 {
			t.Error("expected data to survive the feed ending")
		}
	})

	t.Run("refresh before open fails", func(t *testing.T) {
		h := newHarness(t)
		if err := h.session.Refresh(); !errors.Is(err, shared.ErrSessionNotOpen) {
			t.Errorf("expected ErrSessionNotOpen, got %v", err)
		}
	})

	t.Run("unsubscribe stops notifications", func(t *testing.T) {
		h := newHarness(t)
		other := &tu.ViewRecorder[models.Row]{}
		unsubscribe := h.session.Subscribe(other.Record)
		other.WaitFor(t, "initial view", func(rowView) bool { return true })
		unsubscribe()
		unsubscribe()

		query, sub := h.open(t, lessons)
		sub.Ack()
		query.Resolve(0, lessonRow("1", "A"))
		h.recorder.WaitFor(t, "snapshot", hasIDs("1"))

		for _, v := range other.Views() {
			if v.Collection.Len() > 0 {
				t.Error("unsubscribed callback should not receive later views")
			}
		}
	})

	t.Run("callbacks may call back into the session", func(t *testing.T) {
		h := newHarness(t)
		refreshed := make(chan struct{})
		var once sync.Once
		h.session.Subscribe(func(v rowView) {
			if v.Collection.Len() == 1 && !v.Loading {
				once.Do(func() {
					if err := h.session.Refresh(); err == nil {
						close(refreshed)
					}
				})
			}
		})

		query, sub := h.open(t, lessons)
		sub.Ack()
		h.recorder.WaitFor(t, "live", func(v rowView) bool { return v.State == reconcile.Live })
		query.Resolve(0, lessonRow("1", "A"))

		<-refreshed
		h.source.Await(t).Resolve(0, lessonRow("1", "A"), lessonRow("2", "A"))
		h.recorder.WaitFor(t, "refreshed", func(v rowView) bool { return !v.Loading && v.Collection.Len() == 2 })
	})
}

// writeAfterSnapshot commits one row right after the first snapshot is read.
type writeAfterSnapshot struct {
	repo *repositories.RecordRepository
	row  models.Row
	once sync.Once
}

func (w *writeAfterSnapshot) Snapshot(ctx context.Context, q models.Query) (models.Snapshot, error) {
	snap, err := w.repo.Snapshot(ctx, q)
	if err != nil {
		return snap, err
	}

	var werr error
	w.once.Do(func() {
		_, werr = w.repo.Create(ctx, q.Table, w.row)
	})
	return snap, werr
}

func TestSessionWithPollingFeed(t *testing.T) {
	t.Run("rows committed right after the snapshot arrive through the feed", func(t *testing.T) {
		db := tu.NewTestDB(t)
		repo := repositories.NewRecordRepository(db)
		if _, err := repo.Create(context.Background(), "lessons", lessonRow("1", "A")); err != nil {
			t.Fatalf("failed to create record: %v", err)
		}

		poll := repositories.NewPollingFeed(repositories.NewChangeLog(db), repositories.PollingFeedOpts{
			Interval: 5 * time.Millisecond,
		})
		rows := feed.NewRows(&writeAfterSnapshot{repo: repo, row: lessonRow("late", "A")}, poll, nil)
		session := reconcile.NewSession(reconcile.SessionOpts[models.Row]{Snapshots: rows, Feed: rows})
		defer session.Close()

		if err := session.Open(context.Background(), lessons); err != nil {
			t.Fatalf("failed to open session: %v", err)
		}

		tu.Eventually(t, "row written after the snapshot", func() bool {
			_, ok := session.Current().Get("late")
			return ok && !session.IsLoading()
		})
		if got := session.Current().IDs(); !slices.Contains(got, "1") || len(got) != 2 {
			t.Errorf("expected rows 1 and late, got %v", got)
		}
		if session.State() != reconcile.Live {
			t.Errorf("expected live, got %v", session.State())
		}
	})
}
