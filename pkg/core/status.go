package core

// ErrorCategory classifies the type of error for reporting and retry decisions
type ErrorCategory int

const (
	ErrCategoryNone      ErrorCategory = iota // No error
	ErrCategorySpawn                          // Executable missing or not launchable
	ErrCategoryStream                         // Unexpected stdout/stderr/socket I/O failure
	ErrCategoryProcess                        // Child exited non-zero or session already closed
	ErrCategoryTimeout                        // Process completion, device-online or boot wait exceeded its bound
	ErrCategoryInstaller                      // sdkmanager reported a fatal condition
	ErrCategoryLicense                        // License prompt the policy does not approve
	ErrCategoryDevice                         // Named device lookup failed
	ErrCategoryConfig                         // Invalid configuration, missing required field
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategorySpawn:
		return "spawn"
	case ErrCategoryStream:
		return "stream"
	case ErrCategoryProcess:
		return "process"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryInstaller:
		return "installer"
	case ErrCategoryLicense:
		return "license"
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether a poller may try again after an error of this
// category. Uncategorized errors, such as context cancellation, are not.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case ErrCategoryDevice, ErrCategoryStream, ErrCategoryProcess, ErrCategoryTimeout:
		return true
	default:
		return false
	}
}
