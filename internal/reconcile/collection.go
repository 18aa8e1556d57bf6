package reconcile

import (
	"slices"

	"github.com/desertthunder/livesync/internal/models"
)

// Collection is an immutable, ordered set of entities with unique ids.
//
// Every mutation yields a new Collection with a higher version, so consumers can tell values
// apart by [Collection.Version] without comparing items.
type Collection[T Entity[T]] struct {
	items   []T
	version uint64
}

// Items returns a copy of the entities in order.
func (c Collection[T]) Items() []T {
	return slices.Clone(c.items)
}

// Len returns the number of entities.
func (c Collection[T]) Len() int {
	return len(c.items)
}

// At returns the entity at index i.
func (c Collection[T]) At(i int) T {
	return c.items[i]
}

// Version increases with every mutation. The empty collection has version 0.
func (c Collection[T]) Version() uint64 {
	return c.version
}

// Get returns the entity with the given id.
func (c Collection[T]) Get(id string) (T, bool) {
	if i := c.indexOf(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// IDs returns the ids in order.
func (c Collection[T]) IDs() []string {
	ids := make([]string, len(c.items))
	for i, e := range c.items {
		ids[i] = e.ID()
	}
	return ids
}

func (c Collection[T]) indexOf(id string) int {
	return slices.IndexFunc(c.items, func(e T) bool { return e.ID() == id })
}

func (c Collection[T]) next(items []T) Collection[T] {
	return Collection[T]{items: items, version: c.version + 1}
}

// replaced returns a collection holding items, deduplicated by id (first occurrence wins).
// The dropped duplicates are returned alongside.
func (c Collection[T]) replaced(items []T) (Collection[T], []T) {
	seen := make(map[string]struct{}, len(items))
	kept := make([]T, 0, len(items))
	var dups []T
	for _, e := range items {
		if _, ok := seen[e.ID()]; ok {
			dups = append(dups, e)
			continue
		}
		seen[e.ID()] = struct{}{}
		kept = append(kept, e)
	}
	return c.next(kept), dups
}

// cleared returns an empty collection that supersedes c.
func (c Collection[T]) cleared() Collection[T] {
	return c.next(nil)
}

// inserted adds e at its sorted position, or at the front when o is unset.
// The second result is false when the id already exists.
func (c Collection[T]) inserted(e T, o models.OrderBy) (Collection[T], bool) {
	if c.indexOf(e.ID()) >= 0 {
		return c, false
	}

	at := insertionIndex(c.items, e, o)
	items := make([]T, 0, len(c.items)+1)
	items = append(items, c.items[:at]...)
	items = append(items, e)
	items = append(items, c.items[at:]...)
	return c.next(items), true
}

// merged shallow-merges patch into the stored entity with the same id. The merged entity is
// moved when its sort key changed. The second result is false when the id is absent.
func (c Collection[T]) merged(patch T, o models.OrderBy) (Collection[T], T, bool) {
	i := c.indexOf(patch.ID())
	if i < 0 {
		var zero T
		return c, zero, false
	}

	old := c.items[i]
	updated := old.Merge(patch)

	if o.IsZero() || sameSortKey(o, old, updated) {
		items := slices.Clone(c.items)
		items[i] = updated
		return c.next(items), updated, true
	}

	rest := slices.Delete(slices.Clone(c.items), i, i+1)
	at := insertionIndex(rest, updated, o)
	return c.next(slices.Insert(rest, at, updated)), updated, true
}

// removed drops the entity with the given id. The second result is false when it is absent.
func (c Collection[T]) removed(id string) (Collection[T], bool) {
	i := c.indexOf(id)
	if i < 0 {
		return c, false
	}
	return c.next(slices.Delete(slices.Clone(c.items), i, i+1)), true
}

// insertionIndex returns the index before the first item that sorts strictly after e.
func insertionIndex[T Entity[T]](items []T, e T, o models.OrderBy) int {
	if o.IsZero() {
		return 0
	}
	for i, existing := range items {
		if compareBy(o, e, existing) < 0 {
			return i
		}
	}
	return len(items)
}
