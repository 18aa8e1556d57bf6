package reconcile

import (
	"fmt"

	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
)

// State is the lifecycle state of a [Reconciler].
type State int

const (
	Idle State = iota
	Connecting
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reconciler applies change events to a [Collection].
//
// It is not safe for concurrent use; [Session] serializes access to it.
type Reconciler[T Entity[T]] struct {
	table  string
	state  State
	filter TenantFilter
	order  models.OrderBy
	diag   Diagnostics
	coll   Collection[T]
}

// NewReconciler creates an idle reconciler for one table. diag may be nil.
func NewReconciler[T Entity[T]](table string, filter TenantFilter, order models.OrderBy, diag Diagnostics) *Reconciler[T] {
	if diag == nil {
		diag = discardDiagnostics()
	}
	return &Reconciler[T]{table: table, filter: filter, order: order, diag: diag}
}

// State returns the lifecycle state.
func (r *Reconciler[T]) State() State { return r.state }

// Collection returns the current collection.
func (r *Reconciler[T]) Collection() Collection[T] { return r.coll }

// Connect moves Idle to Connecting. It reports whether the state changed.
func (r *Reconciler[T]) Connect() bool {
	if r.state != Idle {
		return false
	}
	r.state = Connecting
	return true
}

// Acknowledge moves Connecting to Live once the changefeed confirms the subscription.
// It reports whether the state changed; a repeat acknowledgement while Live is a no-op.
func (r *Reconciler[T]) Acknowledge() bool {
	if r.state != Connecting {
		return false
	}
	r.state = Live
	return true
}

// Close moves to the terminal Closed state.
func (r *Reconciler[T]) Close() bool {
	if r.state == Closed {
		return false
	}
	r.state = Closed
	return true
}

// Load replaces the collection with snapshot items that pass the tenant filter.
// Rejected rows and duplicate ids are logged and dropped.
func (r *Reconciler[T]) Load(items []T) {
	admitted := make([]T, 0, len(items))
	for _, e := range items {
		if !r.filter.Accepts(e) {
			r.violation("snapshot", e.ID(), e)
			continue
		}
		admitted = append(admitted, e)
	}

	coll, dups := r.coll.replaced(admitted)
	for _, d := range dups {
		r.diag.Warn("duplicate id in snapshot", "table", r.table, "id", d.ID())
	}
	r.coll = coll
}

// Apply applies one event and reports whether the collection changed.
//
// Events are only applied while Live. Malformed events and tenant violations are logged and
// dropped.
func (r *Reconciler[T]) Apply(ev ChangeEvent[T]) bool {
	if r.state != Live {
		r.diag.Warn("change event outside of live state", "table", r.table, "state", r.state, "kind", ev.Kind)
		return false
	}

	if err := ev.Validate(); err != nil {
		r.diag.Warn("dropping change event", "table", r.table, "error", err)
		return false
	}

	var changed bool
	switch ev.Kind {
	case Insert:
		changed = r.insert(ev.New)
	case Update:
		changed = r.update(ev.New)
	case Delete:
		changed = r.delete(ev)
	}
	return changed
}

func (r *Reconciler[T]) insert(e T) bool {
	if !r.filter.Accepts(e) {
		r.violation("insert", e.ID(), e)
		return false
	}

	coll, ok := r.coll.inserted(e, r.order)
	if !ok {
		return false
	}
	r.coll = coll
	return true
}

// update judges the merged post-image, so partial patches keep the stored tenant.
// A row whose merged image leaves the tenant is evicted.
func (r *Reconciler[T]) update(patch T) bool {
	coll, merged, ok := r.coll.merged(patch, r.order)
	if !ok {
		return false
	}

	if !r.filter.Accepts(merged) {
		r.violation("update", patch.ID(), merged)
		evicted, _ := r.coll.removed(patch.ID())
		r.coll = evicted
		return true
	}

	r.coll = coll
	return true
}

func (r *Reconciler[T]) delete(ev ChangeEvent[T]) bool {
	if ev.Old != nil {
		if _, ok := (*ev.Old).SchoolID(); ok && !r.filter.Accepts(*ev.Old) {
			r.violation("delete", ev.ID(), *ev.Old)
			return false
		}
	}

	coll, ok := r.coll.removed(ev.ID())
	if !ok {
		return false
	}
	r.coll = coll
	return true
}

func (r *Reconciler[T]) violation(op, id string, e Tenanted) {
	sid, _ := e.SchoolID()
	r.diag.Warn(
		"rejected row outside tenant",
		"table", r.table, "op", op, "id", id,
		"school_id", sid, "tenant", r.filter.TenantID,
		"error", shared.ErrTenantViolation,
	)
}
