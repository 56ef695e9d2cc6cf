package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the closed set of error categories crossing component boundaries.
// Every error surfaced by a service or returned over the wire carries exactly
// one Kind, so callers can handle the full set exhaustively instead of
// matching on message strings.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindConflict
	KindFileTooLarge
	KindUnsupportedFormat
	KindHashMismatch
	KindSessionExpired
	KindRangeConflict
	KindQuotaExceeded
	KindRateLimited
	KindNetwork
	KindTimeout
	KindServer
	KindMergeStage
	KindCancelled
)

var kindCodes = map[Kind]string{
	KindUnknown:           "UNKNOWN",
	KindValidation:        "VALIDATION",
	KindAuth:              "UNAUTHORIZED",
	KindNotFound:          "NOT_FOUND",
	KindConflict:          "CONFLICT",
	KindFileTooLarge:      "FILE_TOO_LARGE",
	KindUnsupportedFormat: "UNSUPPORTED_FORMAT",
	KindHashMismatch:      "HASH_MISMATCH",
	KindSessionExpired:    "SESSION_EXPIRED",
	KindRangeConflict:     "RANGE_CONFLICT",
	KindQuotaExceeded:     "QUOTA_EXCEEDED",
	KindRateLimited:       "RATE_LIMITED",
	KindNetwork:           "NETWORK",
	KindTimeout:           "TIMEOUT",
	KindServer:            "SERVER_ERROR",
	KindMergeStage:        "MERGE_FAILED",
	KindCancelled:         "CANCELLED",
}

// Code returns the stable wire identifier for the kind. Codes are part of
// the HTTP contract: clients map them back to kinds for retry decisions.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindUnknown]
}

func (k Kind) String() string { return k.Code() }

// Retryable reports whether an error of this kind is transient: the caller
// may retry the same request and reasonably expect it to succeed. Everything
// else requires a changed request or user action first.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer, KindRateLimited:
		return true
	default:
		return false
	}
}

// KindFromCode maps a wire code back to its Kind. Unrecognized codes map to
// KindUnknown, which is treated as non-retryable.
func KindFromCode(code string) Kind {
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return KindUnknown
}

// Error is the tagged error value used at every component boundary.
// Stage is set only for KindMergeStage and names the pipeline stage that
// failed. Hint, when present, is a short corrective suggestion safe to show
// to end users.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Stage   string
	cause   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("merge stage %s: %s", e.Stage, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an error of the given kind with the default hint for that kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Hint: defaultHint(kind)}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// MergeStage builds the error recorded when a merge pipeline stage fails.
// Merge failures are never retried automatically; the hint tells the client
// to submit a fresh merge.
func MergeStage(stage string, cause error) *Error {
	msg := "stage failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Kind:    KindMergeStage,
		Message: msg,
		Stage:   stage,
		Hint:    "merge processing failed; fix the affected clip and submit a new merge",
		cause:   cause,
	}
}

// WithHint overrides the default hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// KindOf extracts the kind from any error. Plain errors report KindUnknown;
// context cancellation and deadline errors are recognized so transport code
// does not have to wrap them first.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error is transient (see Kind.Retryable).
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// HintOf returns the user-actionable hint, if any.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

func defaultHint(kind Kind) string {
	switch kind {
	case KindFileTooLarge:
		return "file too large; compress or re-record a shorter clip"
	case KindUnsupportedFormat:
		return "unsupported video format; record in MP4, MOV or WebM"
	case KindHashMismatch:
		return "upload corrupted in transit; please upload the clip again"
	case KindSessionExpired:
		return "upload session expired; start a new upload"
	case KindQuotaExceeded:
		return "more bytes sent than declared; restart the upload"
	case KindNetwork, KindTimeout:
		return "connection problem; check your network and try again"
	case KindRateLimited:
		return "too many requests; wait a moment and try again"
	case KindServer:
		return "server problem; try again shortly"
	default:
		return ""
	}
}

// Sentinels for the kinds repositories and services match on with errors.Is.
var (
	ErrNotFound       = New(KindNotFound, "not found")
	ErrConflict       = New(KindConflict, "conflict")
	ErrAlreadyExists  = New(KindConflict, "already exists")
	ErrUnauthorized   = New(KindAuth, "unauthorized")
	ErrSessionExpired = New(KindSessionExpired, "upload session expired")
	ErrRangeConflict  = New(KindRangeConflict, "chunk range overlaps previously stored data")
	ErrQuotaExceeded  = New(KindQuotaExceeded, "received bytes would exceed declared size")
	ErrHashMismatch   = New(KindHashMismatch, "content hash does not match declared hash")
	ErrCancelled      = New(KindCancelled, "cancelled")
)
