package reconcile

import (
	"fmt"

	"github.com/desertthunder/livesync/internal/shared"
)

// Kind is the kind of a [ChangeEvent].
type Kind int

const (
	Insert Kind = iota + 1
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ChangeEvent is one committed change of a row.
//
// New is the post-image for inserts and the patch for updates. Old is the pre-image when the
// transport carries one. Key identifies the row for deletes. Seq is the change-log sequence,
// 0 when unknown.
type ChangeEvent[T Entity[T]] struct {
	Kind Kind
	Key  string
	New  T
	Old  *T
	Seq  uint64
}

// Inserted builds an insert event.
func Inserted[T Entity[T]](e T, seq uint64) ChangeEvent[T] {
	return ChangeEvent[T]{Kind: Insert, Key: e.ID(), New: e, Seq: seq}
}

// Updated builds an update event. old may be nil.
func Updated[T Entity[T]](patch T, old *T, seq uint64) ChangeEvent[T] {
	return ChangeEvent[T]{Kind: Update, Key: patch.ID(), New: patch, Old: old, Seq: seq}
}

// Deleted builds a delete event. old may be nil.
func Deleted[T Entity[T]](id string, old *T, seq uint64) ChangeEvent[T] {
	return ChangeEvent[T]{Kind: Delete, Key: id, Old: old, Seq: seq}
}

// ID returns the id of the row the event concerns.
func (e ChangeEvent[T]) ID() string {
	if e.Kind == Delete {
		if e.Key != "" {
			return e.Key
		}
		if e.Old != nil {
			return (*e.Old).ID()
		}
		return ""
	}
	return e.New.ID()
}

// Validate reports events that cannot be applied: unknown kinds and missing ids.
func (e ChangeEvent[T]) Validate() error {
	switch e.Kind {
	case Insert, Update, Delete:
	default:
		return fmt.Errorf("%w: unknown kind %v", shared.ErrMalformedEvent, e.Kind)
	}
	if e.ID() == "" {
		return fmt.Errorf("%w: %s without id", shared.ErrMalformedEvent, e.Kind)
	}
	return nil
}
