// Package apperror defines the gateway's typed error model and its HTTP mapping.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindBadRequest
	KindUnauthorized
	KindSessionExpired
	KindInvalidSession
	KindOAuth
	KindUpstream
	KindTokenRefresh
	KindRedis
	KindHTTPClient
	KindJSON
	KindConfig
	KindCrypto
	KindResponseTooLarge
	KindRateLimited
)

// Error is the unified application error. UpstreamStatus is only meaningful
// for KindUpstream.
type Error struct {
	Kind           Kind
	Message        string
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the snake_case discriminator used in the JSON error body.
func (e *Error) Code() string {
	switch e.Kind {
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindSessionExpired:
		return "session_expired"
	case KindInvalidSession:
		return "invalid_session"
	case KindOAuth:
		return "oauth_error"
	case KindUpstream, KindHTTPClient:
		return "upstream_error"
	case KindTokenRefresh:
		return "token_refresh_failed"
	case KindRateLimited:
		return "rate_limit_exceeded"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest, KindOAuth:
		return http.StatusBadRequest
	case KindUnauthorized, KindSessionExpired, KindInvalidSession, KindTokenRefresh:
		return http.StatusUnauthorized
	case KindUpstream:
		if e.UpstreamStatus >= 100 && e.UpstreamStatus < 600 {
			return e.UpstreamStatus
		}
		return http.StatusBadGateway
	case KindHTTPClient, KindResponseTooLarge:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is what the client sees. Internal kinds get a generic message;
// the detail stays in server logs.
func (e *Error) PublicMessage() string {
	switch e.Kind {
	case KindRedis, KindJSON, KindConfig, KindCrypto, KindInternal:
		return "An internal error occurred"
	case KindHTTPClient:
		return "Failed to communicate with upstream server"
	case KindSessionExpired:
		return "Your session has expired. Please log in again."
	case KindInvalidSession:
		return "Invalid session. Please log in again."
	default:
		return e.Message
	}
}

func NotFound(msg string) *Error { return &Error{Kind: KindNotFound, Message: msg} }

func BadRequest(msg string) *Error { return &Error{Kind: KindBadRequest, Message: msg} }

func Unauthorized(msg string) *Error { return &Error{Kind: KindUnauthorized, Message: msg} }

func SessionExpired() *Error { return &Error{Kind: KindSessionExpired, Message: "session expired"} }

func InvalidSession() *Error { return &Error{Kind: KindInvalidSession, Message: "invalid session"} }

func OAuth(msg string) *Error { return &Error{Kind: KindOAuth, Message: msg} }

func TokenRefresh(msg string) *Error { return &Error{Kind: KindTokenRefresh, Message: msg} }

func Config(msg string) *Error { return &Error{Kind: KindConfig, Message: msg} }

func Crypto(msg string) *Error { return &Error{Kind: KindCrypto, Message: msg} }

func Internal(msg string) *Error { return &Error{Kind: KindInternal, Message: msg} }

func ResponseTooLarge(msg string) *Error {
	return &Error{Kind: KindResponseTooLarge, Message: msg}
}

// Upstream wraps a non-2xx upstream response.
func Upstream(status int, msg string) *Error {
	return &Error{Kind: KindUpstream, Message: msg, UpstreamStatus: status}
}

// Redis wraps a Redis driver error.
func Redis(err error) *Error {
	return &Error{Kind: KindRedis, Message: "redis operation failed", Err: err}
}

// HTTPClient wraps a transport-level error talking to an upstream.
func HTTPClient(err error) *Error {
	return &Error{Kind: KindHTTPClient, Message: "upstream request failed", Err: err}
}

// JSON wraps a serialization error.
func JSON(err error) *Error {
	return &Error{Kind: KindJSON, Message: "failed to process response", Err: err}
}

// From coerces any error into an *Error, defaulting to KindInternal.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}
