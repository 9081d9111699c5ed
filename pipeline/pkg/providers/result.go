// Package providers holds the clients for the external services the pipeline
// consults: the CNPJ and CPF registries, the two geocoders, the Places API and
// the Anthropic vision and text models. All clients share one error taxonomy
// so workers can map failures onto stage outcomes uniformly.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindTransientNetwork   ErrorKind = "TRANSIENT_NETWORK"
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindAuthExpired        ErrorKind = "AUTH_EXPIRED"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindInvalidInput       ErrorKind = "INVALID_INPUT"
	KindParseError         ErrorKind = "PARSE_ERROR"
	KindImageFormatInvalid ErrorKind = "IMAGE_FORMAT_INVALID"
	KindConfigMissing      ErrorKind = "CONFIG_MISSING"
	KindInternal           ErrorKind = "INTERNAL"
)

// Error is the classified provider failure. It satisfies the StatusCode and
// RetryAfter probes the retry package looks for.
type Error struct {
	Provider       string
	Kind           ErrorKind
	Status         int
	Message        string
	RetryAfterHint time.Duration
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) StatusCode() int { return e.Status }

func (e *Error) RetryAfter() time.Duration { return e.RetryAfterHint }

// Retryable reports whether a fresh attempt could plausibly succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransientNetwork, KindRateLimited, KindInternal:
		return true
	case KindAuthExpired:
		// Retryable once the client refreshes its token.
		return true
	default:
		return false
	}
}

// KindOf extracts the error kind, defaulting to INTERNAL for foreign errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsNotFound reports whether the lookup target does not exist upstream.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// classifyHTTP maps an HTTP response status onto the taxonomy.
func classifyHTTP(provider string, resp *http.Response) *Error {
	e := &Error{
		Provider: provider,
		Status:   resp.StatusCode,
		Message:  http.StatusText(resp.StatusCode),
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		e.Kind = KindNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfterHint = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = KindAuthExpired
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		e.Kind = KindInvalidInput
	case resp.StatusCode >= 500:
		e.Kind = KindTransientNetwork
	default:
		e.Kind = KindInternal
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func networkError(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindTransientNetwork, Err: err}
}

func parseError(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindParseError, Err: err}
}

func invalidInput(provider, msg string) *Error {
	return &Error{Provider: provider, Kind: KindInvalidInput, Message: msg}
}

func configMissing(provider, msg string) *Error {
	return &Error{Provider: provider, Kind: KindConfigMissing, Message: msg}
}
