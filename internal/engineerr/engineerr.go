// Package engineerr implements the engine's closed error taxonomy:
// a stable machine-readable code, a human message, optional structured
// details, and a Kind the caller can map to a transport status.
package engineerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the closed set of error categories.
type Kind string

const (
	KindNotFound   Kind = "NotFound"
	KindConflict   Kind = "Conflict"
	KindBadRequest Kind = "BadRequest"
	KindInternal   Kind = "Internal"
	KindCapacity   Kind = "Capacity"
	KindRateLimit  Kind = "RateLimit"
)

// Error is the engine's single error type. Every error the core
// returns across a component boundary is either an *Error or has one
// in its chain (use As to recover it).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a client-facing error with no stack trace attached:
// NotFound/Conflict/BadRequest/Capacity/RateLimit kinds are expected,
// routine outcomes, not bugs, so a stack trace would just be noise.
func New(kind Kind, code, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Details: details}
}

// Wrap constructs an Internal-kind error with a stack trace attached
// via github.com/pkg/errors, for genuine bugs/unexpected failures
// (manifest corruption, filesystem errors, summarizer crashes) where a
// trace is worth the noise at log time.
func Wrap(cause error, code, message string) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    code,
		Message: message,
		Cause:   errors.WithStack(cause),
	}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Well-known codes surfaced to callers.
const (
	CodeProjectNotFound        = "project_not_found"
	CodeSessionNotFound        = "session_not_found"
	CodeVersionNotFound        = "version_not_found"
	CodeKeepitNotFound         = "keepit_not_found"
	CodeCompositionNotFound    = "composition_not_found"
	CodeFileNotFound           = "file_not_found"
	CodeAlreadyRegistered      = "already_registered"
	CodeCompressionInProgress  = "compression_in_progress"
	CodeVersionInUse           = "version_in_use"
	CodeDuplicateVersion       = "duplicate_version"
	CodeResourceLocked         = "resource_locked"
	CodeLockTimeout            = "lock_timeout"
	CodeInvalidSettings        = "invalid_settings"
	CodeValidationFailed       = "validation_failed"
	CodeInsufficientMessages   = "insufficient_messages"
	CodeCannotDeleteOriginal   = "cannot_delete_original"
	CodeParseError             = "parse_error"
	CodeInvalidImport          = "invalid_import"
	CodeInvalidFormat          = "invalid_format"
	CodeCompressionFailed      = "compression_failed"
	CodeManifestCorruption     = "manifest_corruption"
	CodeFilesystemError        = "filesystem_error"
	CodeDiskSpaceExhausted     = "disk_space_exhausted"
	CodeModelRateLimit         = "model_rate_limit"
)

// CompressionInProgressError is returned when a session-operation lock
// is already held.
func CompressionInProgressError(sessionID string) *Error {
	return New(KindConflict, CodeCompressionInProgress,
		fmt.Sprintf("compression already in progress for session %s", sessionID),
		map[string]any{"sessionId": sessionID})
}

// LockTimeoutError is returned when acquireWithTimeout exceeds maxWait.
func LockTimeoutError(key string) *Error {
	return New(KindConflict, CodeLockTimeout,
		fmt.Sprintf("timed out waiting for lock %s", key),
		map[string]any{"lockKey": key})
}

// InsufficientMessagesError is a permanent client error: retrying the
// same request cannot succeed until the transcript grows.
func InsufficientMessagesError(sessionID string, count int) *Error {
	return New(KindBadRequest, CodeInsufficientMessages,
		fmt.Sprintf("session %s has only %d messages, need at least 2", sessionID, count),
		map[string]any{"sessionId": sessionID, "messageCount": count})
}

// VersionInUseError reports the compositions blocking a non-forced delete.
func VersionInUseError(versionID string, compositionIDs []string) *Error {
	return New(KindConflict, CodeVersionInUse,
		fmt.Sprintf("version %s is referenced by %d composition(s)", versionID, len(compositionIDs)),
		map[string]any{"versionId": versionID, "compositionIds": compositionIDs})
}

// ManifestCorruptionError surfaces a manifest load failure that must
// never be silently repaired.
func ManifestCorruptionError(cause error, path string) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    CodeManifestCorruption,
		Message: fmt.Sprintf("manifest at %s is corrupt", path),
		Details: map[string]any{"path": path},
		Cause:   errors.WithStack(cause),
	}
}
