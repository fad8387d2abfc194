// Package apierrors implements the error-kind taxonomy from design §7. Every
// failure the orchestrator surfaces to a caller or records on a task is one of
// these kinds, classified with errors.As the same way the teacher distinguishes
// types.NoSuchKey from types.ProvisionedThroughputExceededException rather than
// matching on error strings.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error classifications from design §7.
type Kind string

const (
	KindInvalidRequest  Kind = "invalid_request"
	KindNotFound        Kind = "not_found"
	KindStoreTransient  Kind = "store_transient"
	KindDownloadFailed  Kind = "download_failed"
	KindUploadFailed    Kind = "upload_failed"
	KindEngineFailed    Kind = "engine_failed"
	KindCallbackFailed  Kind = "callback_failed"
	KindRecoverySignal  Kind = "recovery_signal"
)

// RecoveredMarker is the synthetic error_message set on crash recovery
// (spec §4.6.5, §3 invariant 3).
const RecoveredMarker = "recovered after restart"

// Error is a classified orchestrator error. It wraps an underlying cause and
// carries a Kind so callers can branch on errors.As without string matching,
// plus an optional EngineSub classification for KindEngineFailed (spec §7:
// "the dispatcher classifies into finer sub-kinds").
type Error struct {
	Kind      Kind
	EngineSub string
	Cause     error
}

func (e *Error) Error() string {
	if e.EngineSub != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s (%s): %v", e.Kind, e.EngineSub, e.Cause)
		}
		return fmt.Sprintf("%s (%s)", e.Kind, e.EngineSub)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// NewEngine builds a KindEngineFailed error with a finer-grained sub-kind:
// "password_protected", "accelerator_oom", "accelerator_unavailable",
// "missing_dependency", "permission_denied", "not_found", "model_load_failed",
// "invalid_parameter", "version_mismatch", "unsupported_format", "timeout",
// "silent_failure", or "unknown". The set mirrors the original MinerU
// engine's own classifier (NanamiAkari/DocumentConvert
// services/document_service.py's _analyze_mineru_python_error).
func NewEngine(sub string, cause error) *Error {
	return &Error{Kind: KindEngineFailed, EngineSub: sub, Cause: cause}
}

// Invalid builds a KindInvalidRequest error from msg.
func Invalid(msg string) *Error {
	return New(KindInvalidRequest, errors.New(msg))
}

// NotFound builds a KindNotFound error from msg.
func NotFound(msg string) *Error {
	return New(KindNotFound, errors.New(msg))
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsRecoverySignal reports whether msg is the synthetic crash-recovery marker.
func IsRecoverySignal(msg string) bool {
	return msg == RecoveredMarker
}
