package reconcile

// Entity is a row the reconciler can track.
//
// Merge must return a new value with the patch's fields laid over the receiver's.
type Entity[T any] interface {
	ID() string
	SchoolID() (string, bool)
	Value(column string) (any, bool)
	Merge(patch T) T
}

// Tenanted is anything scoped to a school.
type Tenanted interface {
	SchoolID() (string, bool)
}
