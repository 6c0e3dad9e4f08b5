// Package core provides the error taxonomy shared by the avd-runner tool wrappers.
package core

import (
	"errors"
	"fmt"
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: package_not_found, timeout, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches any ExecutionError carrying the same code, so derived copies
// still satisfy errors.Is against the predefined values.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	// Process errors
	ErrSpawn = &ExecutionError{
		Category: ErrCategorySpawn,
		Code:     "spawn_failed",
		Message:  "failed to launch process",
	}
	ErrStream = &ExecutionError{
		Category: ErrCategoryStream,
		Code:     "stream_failed",
		Message:  "stream read failed",
	}
	ErrProcessExit = &ExecutionError{
		Category: ErrCategoryProcess,
		Code:     "process_exit",
		Message:  "process exited with non-zero status",
	}
	ErrSessionClosed = &ExecutionError{
		Category: ErrCategoryProcess,
		Code:     "session_closed",
		Message:  "process session already closed",
	}

	// Timeout errors
	ErrTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Code:     "timeout",
		Message:  "operation timed out",
	}

	// Installer errors
	ErrPackageNotFound = &ExecutionError{
		Category: ErrCategoryInstaller,
		Code:     "package_not_found",
		Message:  "Failed to find package",
	}
	ErrInvalidInvocation = &ExecutionError{
		Category: ErrCategoryInstaller,
		Code:     "invalid_invocation",
		Message:  "bad sdkmanager invocation; the installed tool does not accept the arguments avd-runner passed, please report this as a bug",
	}
	ErrUnknownInstaller = &ExecutionError{
		Category: ErrCategoryInstaller,
		Code:     "installer_failed",
		Message:  "sdkmanager failed",
	}
	ErrLicenseNotApproved = &ExecutionError{
		Category: ErrCategoryLicense,
		Code:     "license_not_approved",
		Message:  "license not approved for automatic acceptance",
	}

	// Device errors
	ErrDeviceNotFound = &ExecutionError{
		Category: ErrCategoryDevice,
		Code:     "device_not_found",
		Message:  "device not found",
	}

	// Config errors
	ErrInvalidConfig = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}
	ErrMissingRequired = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "missing_required",
		Message:  "missing required field",
	}
)

// SpawnError reports that the executable at path could not be started.
func SpawnError(path string, cause error) *ExecutionError {
	return ErrSpawn.
		WithMessage(fmt.Sprintf("failed to launch %s", path)).
		WithDetails(map[string]interface{}{"path": path}).
		WithCause(cause)
}

// StreamError reports an unexpected read failure on the named stream.
func StreamError(stream string, cause error) *ExecutionError {
	return ErrStream.
		WithMessage(fmt.Sprintf("%s read failed", stream)).
		WithDetails(map[string]interface{}{"stream": stream}).
		WithCause(cause)
}

// ProcessExit reports a non-zero exit status of the named tool.
func ProcessExit(name string, code int) *ExecutionError {
	return ErrProcessExit.
		WithMessage(fmt.Sprintf("%s exited with code %d", name, code)).
		WithDetails(map[string]interface{}{"code": code})
}

// Timeout reports that what exceeded its bound.
func Timeout(what string) *ExecutionError {
	return ErrTimeout.WithMessage(fmt.Sprintf("%s timed out", what))
}

// PackageNotFound reports an sdkmanager package key that does not exist.
func PackageNotFound(key string) *ExecutionError {
	return ErrPackageNotFound.
		WithMessage("Failed to find package " + key).
		WithDetails(map[string]interface{}{"package": key})
}

// UnknownInstaller wraps a fatal sdkmanager line that has no dedicated code.
func UnknownInstaller(line string) *ExecutionError {
	return ErrUnknownInstaller.WithMessage(line)
}

// LicenseNotApproved reports a license prompt that policy does not allow answering.
func LicenseNotApproved(kind string) *ExecutionError {
	return ErrLicenseNotApproved.
		WithMessage(fmt.Sprintf("can not automatically accept license type: %s. Install manually or allow automatic acceptance", kind)).
		WithDetails(map[string]interface{}{"license": kind})
}

// DeviceNotFound reports a configuration name without a running device.
func DeviceNotFound(name string) *ExecutionError {
	return ErrDeviceNotFound.
		WithMessage("no running device named " + name).
		WithDetails(map[string]interface{}{"name": name})
}

// InvalidConfig reports a configuration value that fails validation.
func InvalidConfig(format string, args ...interface{}) *ExecutionError {
	return ErrInvalidConfig.WithMessage(fmt.Sprintf(format, args...))
}

// ExitCode extracts the exit code from an error chain containing a process exit error.
// Returns (0, false) if there is none.
func ExitCode(err error) (int, bool) {
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Code != ErrProcessExit.Code {
		return 0, false
	}
	code, ok := execErr.Details["code"].(int)
	return code, ok
}

// CategoryOf returns the category of the first ExecutionError in err's chain.
func CategoryOf(err error) ErrorCategory {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Category
	}
	return ErrCategoryNone
}
