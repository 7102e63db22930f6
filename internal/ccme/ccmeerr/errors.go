// Package ccmeerr defines the typed error kinds every public CCME
// operation returns, per the error handling design in SPEC_FULL.md §7.
package ccmeerr

import "errors"

// Kind classifies a CCME error for callers that need to branch on
// failure category rather than match error text.
type Kind string

const (
	// KindContextFull signals an append that cannot fit even after a
	// forced compression pass.
	KindContextFull Kind = "context_full"
	// KindCompressionFailed signals a provider error during
	// summarization; the context is left unchanged.
	KindCompressionFailed Kind = "compression_failed"
	// KindSnapshotFailed signals an I/O error writing or reading a
	// snapshot; previously written snapshots are intact.
	KindSnapshotFailed Kind = "snapshot_failed"
	// KindSnapshotCorrupt signals a snapshot that failed its
	// integrity/format check on load.
	KindSnapshotCorrupt Kind = "snapshot_corrupt"
	// KindInvalidConfig signals a rejected update_config call.
	KindInvalidConfig Kind = "invalid_config"
	// KindCancelled signals an operation aborted by caller or
	// supervisor via its cancellation token.
	KindCancelled Kind = "cancelled"
	// KindToolUnsupported is a routing signal, not a fatal failure.
	KindToolUnsupported Kind = "tool_unsupported"
)

// Error is the typed error every public CCME operation may return.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on Kind-equivalent sentinel errors created by
// New with the same Kind and no wrapped cause.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping a lower-level
// cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the Kind from err, if err is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

var (
	// ErrContextFull is a bare sentinel usable with errors.Is against
	// any *Error of KindContextFull.
	ErrContextFull = New(KindContextFull, "context is full")
	// ErrNoContiguousPair signals a checkpoint merge requested but no
	// contiguous pair of checkpoints exists to merge (open question
	// (c): merges must pick a contiguous oldest pair).
	ErrNoContiguousPair = New(KindInvalidConfig, "no contiguous checkpoint pair to merge")
)
