package models

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the API boundary and for retry decisions.
type Kind string

const (
	KindInputInvalid         Kind = "INPUT_INVALID"
	KindRetrievalUnavailable Kind = "RETRIEVAL_UNAVAILABLE"
	KindLLMTransport         Kind = "LLM_TRANSPORT"
	KindOutputParse          Kind = "OUTPUT_PARSE"
	KindTimeout              Kind = "TIMEOUT"
	KindHumanLoopExpired     Kind = "HUMAN_LOOP_EXPIRED"
	KindConflict             Kind = "CONFLICT"
	KindNotFound             Kind = "NOT_FOUND"
	KindInternal             Kind = "INTERNAL"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind. A nil err yields a bare kind error.
func E(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// Retryable reports whether an error kind is transient at the LLM transport
// level. Parse failures are not retried: the prompt is deterministic and
// reissuing rarely helps.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLLMTransport, KindTimeout:
		return true
	default:
		return false
	}
}
