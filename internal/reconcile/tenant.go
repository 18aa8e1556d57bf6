package reconcile

import (
	"io"

	"github.com/charmbracelet/log"
)

// TenantFilter admits entities of one school. The zero value admits everything.
type TenantFilter struct {
	TenantID string
}

// Accepts reports whether e may enter the collection.
func (f TenantFilter) Accepts(e Tenanted) bool {
	if f.TenantID == "" {
		return true
	}
	sid, ok := e.SchoolID()
	return ok && sid == f.TenantID
}

// Diagnostics receives warnings for dropped events and errors. [*log.Logger] satisfies it.
type Diagnostics interface {
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

func discardDiagnostics() Diagnostics {
	return log.New(io.Discard)
}
