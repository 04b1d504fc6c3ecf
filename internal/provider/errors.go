package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a provider failure so callers can branch on it without
// string matching. Each kind maps to a distinct recovery policy in the
// orchestrator.
type Kind int

const (
	// KindTransient covers 5xx/network errors worth a caller-level retry.
	KindTransient Kind = iota
	KindCancelled
	KindContextTooLong
	KindRateLimited
	KindAuth
	KindMalformedHistory
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindContextTooLong:
		return "context-too-long"
	case KindRateLimited:
		return "rate-limited"
	case KindAuth:
		return "auth"
	case KindMalformedHistory:
		return "malformed-history"
	default:
		return "transient"
	}
}

// Error wraps a provider failure with its classified Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a classified Error.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// ClassifyStatus maps an HTTP status code plus response body to a Kind.
// httpBody is inspected for the context-length and malformed-history
// subfamilies, which both surface as 400 from most chat-completions APIs.
func ClassifyStatus(status int, httpBody string) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status == 400 && containsAny(httpBody, contextLengthMarkers):
		return KindContextTooLong
	case status == 400:
		return KindMalformedHistory
	case status >= 500:
		return KindTransient
	default:
		return KindTransient
	}
}

var contextLengthMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"prompt is too long",
	"input length and max_tokens exceed",
}

func containsAny(haystack string, needles []string) bool {
	lower := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// KindOf unwraps err looking for a *Error and returns its Kind, or
// KindTransient plus false if err does not carry a classified kind.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindTransient, false
}
