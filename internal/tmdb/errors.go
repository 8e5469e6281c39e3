package tmdb

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// Kind classifies an upstream failure. Callers branch on Kind, never on
// error strings.
type Kind int

const (
	KindTransient Kind = iota
	KindQuota
	KindNotFound
	KindAuth
	KindMalformed
	KindTimeout
)

// String returns the metric label for the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindQuota:
		return "quota"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether a single in-flight retry is worth attempting.
// Quota errors are never retried in-flight; the bucket drain handles them.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// Error is a classified upstream failure. RetryAfter is non-zero when the
// upstream supplied an explicit delay.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
	wrapped    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tmdb: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("tmdb: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// KindOf extracts the classification from err, defaulting to transient for
// unclassified failures.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// ClassifyStatus maps an HTTP status code to a failure kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindQuota
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindMalformed
	default:
		return KindTransient
	}
}

// Status-code words embedded in legacy error text. The codes must appear as
// standalone digit runs: "status 500" matches, the 5 inside "50000" or
// "found 5 matches" must not.
var statusTextPattern = regexp.MustCompile(`(?:^|[^0-9])(5[0-9]{2}|429|404|403|401|408)(?:[^0-9]|$)`)

// ClassifyText applies the legacy text heuristic to error messages that
// carry no structured status. It only exists to guard call sites that still
// receive stringly-typed failures; new code gets a typed *Error.
func ClassifyText(msg string) (Kind, bool) {
	m := statusTextPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return ClassifyStatus(code), true
}

// parseRetryAfter reads the documented Retry-After header, seconds form
// first, HTTP-date form second.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
