package shared

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/rollbar/rollbar-go"
	"github.com/spf13/cast"
)

// Diagnostics logs warnings and errors and, when a Rollbar token is configured, reports them to Rollbar.
//
// It has the same Warn/Error shape as [log.Logger] so either can be handed to a sync session.
type Diagnostics struct {
	logger  *log.Logger
	rollbar *rollbar.Client
}

// NewDiagnostics creates a [Diagnostics] sink. Reporting is disabled when cfg.RollbarToken is empty.
func NewDiagnostics(logger *log.Logger, cfg DiagnosticsConfig) *Diagnostics {
	if logger == nil {
		logger = NewLogger(nil)
	}

	d := &Diagnostics{logger: logger}
	if cfg.RollbarToken != "" {
		env := cfg.Environment
		if env == "" {
			env = "development"
		}
		d.rollbar = rollbar.New(cfg.RollbarToken, env, "", "", "")
	}
	return d
}

// Warn logs at warn level and reports a warning.
func (d *Diagnostics) Warn(msg any, keyvals ...any) {
	d.logger.Helper()
	d.logger.Warn(msg, keyvals...)
	d.report(rollbar.WARN, msg, keyvals)
}

// Error logs at error level and reports an error.
func (d *Diagnostics) Error(msg any, keyvals ...any) {
	d.logger.Helper()
	d.logger.Error(msg, keyvals...)
	d.report(rollbar.ERR, msg, keyvals)
}

// Close flushes pending reports.
func (d *Diagnostics) Close() error {
	if d.rollbar == nil {
		return nil
	}
	return d.rollbar.Close()
}

func (d *Diagnostics) report(level string, msg any, keyvals []any) {
	if d.rollbar == nil {
		return
	}
	d.rollbar.MessageWithExtras(level, fmt.Sprint(msg), Extras(keyvals...))
}

// Extras converts logger key/value pairs to a map. Errors are stored as their message.
func Extras(keyvals ...any) map[string]any {
	extras := make(map[string]any, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		v := keyvals[i+1]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		extras[cast.ToString(keyvals[i])] = v
	}
	return extras
}
