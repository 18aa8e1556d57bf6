package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")
	ErrUnsupportedDriver  = fmt.Errorf("unsupported database driver")

	// Synchronization errors
	ErrFetchFailed        = fmt.Errorf("snapshot fetch failed")
	ErrSubscriptionFailed = fmt.Errorf("changefeed subscription failed")
	ErrMalformedEvent     = fmt.Errorf("malformed change event")
	ErrTenantViolation    = fmt.Errorf("row outside of tenant")
	ErrSessionClosed      = fmt.Errorf("session closed")
	ErrSessionNotOpen     = fmt.Errorf("session not open")

	// Store and service errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrRecordNotFound     = fmt.Errorf("record not found")
	ErrRecordExists       = fmt.Errorf("record already exists")
	ErrTimeout            = fmt.Errorf("operation timed out")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)
