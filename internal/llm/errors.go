package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by provider adapters.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type httpErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *httpErrorBase) Provider() string           { return e.provider }
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ParamRejectionError marks a 400 whose message names a sampling parameter
// the model refuses. The client retries once with the knobs stripped.
type ParamRejectionError struct {
	httpErrorBase
	Param string
}

// ErrorFromHTTPStatus maps a provider HTTP failure onto the typed hierarchy.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		base.retryable = false
		if param := rejectedParamIn(message); param != "" {
			return &ParamRejectionError{httpErrorBase: base, Param: param}
		}
		lower := strings.ToLower(message)
		if strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")) {
			return &NotFoundError{base}
		}
		return &InvalidRequestError{base}
	case 401, 403:
		base.retryable = false
		return &AuthenticationError{base}
	case 404:
		base.retryable = false
		return &NotFoundError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

var samplingParamNames = []string{
	"temperature", "top_p", "presence_penalty", "frequency_penalty", "seed",
}

// rejectedParamIn extracts the sampling parameter a 400 message complains
// about, if any.
func rejectedParamIn(message string) string {
	lower := strings.ToLower(message)
	if !strings.Contains(lower, "unsupported") && !strings.Contains(lower, "does not support") &&
		!strings.Contains(lower, "not supported") && !strings.Contains(lower, "unknown parameter") {
		return ""
	}
	for _, p := range samplingParamNames {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

// IsParamRejection reports whether err is a sampling-parameter rejection.
func IsParamRejection(err error) bool {
	var e *ParamRejectionError
	return errors.As(err, &e)
}

// WrapContextError converts context cancellation and deadline errors into
// the typed hierarchy so classification stays uniform.
func WrapContextError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{httpErrorBase{provider: provider, message: err.Error(), retryable: true}}
	}
	if errors.Is(err, context.Canceled) {
		return &RequestTimeoutError{httpErrorBase{provider: provider, message: err.Error(), retryable: false}}
	}
	return err
}

// ParseRetryAfter interprets a Retry-After header value as either a delay in
// seconds or an HTTP date. Returns nil when absent or unparseable.
func ParseRetryAfter(value string, now time.Time) *time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return nil
		}
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// Code is the stable line-level error code stored on failed lines. This is
// the single classification shared by the chunk processor and the
// scheduler.
type Code string

const (
	CodeTimeout         Code = "timeout"
	CodeRateLimit       Code = "rate_limit"
	CodeServerError     Code = "server_error"
	CodeModelNotFound   Code = "model_not_found"
	CodeValidationError Code = "validation_error"
	CodeAuthError       Code = "auth_error"
	CodeUnknown         Code = "unknown"
)

// Retryable reports whether a line with this code is eligible for retry.
func (c Code) Retryable() bool {
	switch c {
	case CodeTimeout, CodeRateLimit, CodeServerError:
		return true
	}
	return false
}

// ValidationError marks schema or content validation failures of model
// output. Never retryable at the transport level; the regenerator owns
// salvage.
type ValidationError struct{ Message string }

func (e *ValidationError) Error() string { return "validation: " + e.Message }

// Classify maps any error onto a line error code. Typed errors classify by
// kind; everything else falls back to message heuristics.
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CodeValidationError
	}
	var le Error
	if errors.As(err, &le) {
		switch {
		case errors.As(err, new(*RequestTimeoutError)):
			return CodeTimeout
		case errors.As(err, new(*RateLimitError)):
			return CodeRateLimit
		case errors.As(err, new(*ServerError)):
			return CodeServerError
		case errors.As(err, new(*NotFoundError)):
			return CodeModelNotFound
		case errors.As(err, new(*AuthenticationError)):
			return CodeAuthError
		case errors.As(err, new(*ParamRejectionError)), errors.As(err, new(*InvalidRequestError)):
			return CodeValidationError
		}
		if le.Retryable() {
			return CodeServerError
		}
		return CodeUnknown
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline exceeded"):
		return CodeTimeout
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return CodeRateLimit
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "service unavailable") || strings.Contains(lower, "bad gateway"):
		return CodeServerError
	case strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		return CodeModelNotFound
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key") || strings.Contains(lower, "api key"):
		return CodeAuthError
	}
	return CodeUnknown
}

// IsTruncationError reports whether a parse failure looks like stop-sequence
// truncation of JSON output.
func IsTruncationError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unexpected end of json") ||
		strings.Contains(lower, "truncat") ||
		strings.Contains(lower, "unexpected eof") ||
		strings.Contains(lower, "incomplete json")
}
