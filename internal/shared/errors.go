package shared

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RequestError is used when we want a specific error message and StatusCode.
// sane defaults are listed below. For routes that need custom error messages,
// a request error can be generated and a handler expects the router to return
// the exact message inside the request error msg
//
// Error codes should be bubbled where the RequestError msg is expected to be
// returned to the user. If the user should see a generic error message but
// the error chain should include more detail for logging purposes, then a generic
// error should be added that provides context
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}

	ErrInvalidRequest = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrNoMessages     = &RequestError{Err: errors.New("messages must not be empty"), StatusCode: 400}

	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}

	ErrFailedModelReq         = &MetricsError{Msg: "failed to send http request to model", Code: "model_http_err"}
	ErrFailedModelReqFromCode = &MetricsError{Msg: "model responded with non-200", Code: "model_http_status_err"}
	ErrFailedReadingResponse  = &MetricsError{Msg: "failed to read model response", Code: "model_response_err"}
	ErrMissingDoneToken       = &MetricsError{Msg: "missing [DONE] token", Code: "missing_done_token"}
	ErrModelContext           = &MetricsError{Msg: "model context canceled", Code: "model_context_err"}
)

type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}

// ErrorKind buckets every failure the dispatch pipeline can produce. The set
// is closed on purpose: consumers switch on the kind instead of probing error
// strings, and only KindTransient is ever retried.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanentClient
	KindPermanentUpstream
	KindCancelled
	KindCapacityRejected
	KindCacheDegraded
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanentClient:
		return "permanent_client"
	case KindPermanentUpstream:
		return "permanent_upstream"
	case KindCancelled:
		return "cancelled"
	case KindCapacityRejected:
		return "capacity_rejected"
	case KindCacheDegraded:
		return "cache_degraded"
	default:
		return "unknown"
	}
}

func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// Classified wraps an error with its kind plus whatever hints the upstream
// attached. RetryAfter is zero when the provider sent no hint. Status is the
// upstream HTTP status when one exists.
type Classified struct {
	Kind       ErrorKind
	Err        error
	Status     int
	RetryAfter time.Duration
}

func (c *Classified) Error() string {
	if c.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", c.Kind, c.Status, c.Err)
	}
	return fmt.Sprintf("%s: %v", c.Kind, c.Err)
}

func (c *Classified) Unwrap() error {
	return c.Err
}

func NewClassified(kind ErrorKind, err error) *Classified {
	return &Classified{Kind: kind, Err: err}
}

// ClassifyHTTP maps an upstream status to an error kind. Rate limits and
// server side failures are transient, everything else in the 4xx range is a
// caller mistake except 451 which marks a provider refusal.
func ClassifyHTTP(status int, retryAfter time.Duration, err error) *Classified {
	c := &Classified{Err: err, Status: status, RetryAfter: retryAfter}
	switch {
	case status == 429:
		c.Kind = KindTransient
	case status == 451:
		c.Kind = KindPermanentUpstream
	case status >= 500:
		c.Kind = KindTransient
	default:
		c.Kind = KindPermanentClient
	}
	return c
}

// KindOf resolves the kind of any error. Unclassified errors default to
// transient, network level failures reach us unwrapped and a retry is the
// right reflex for those.
func KindOf(err error) ErrorKind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindTransient
}
