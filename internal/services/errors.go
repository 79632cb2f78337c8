package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	goopenai "github.com/sashabaranov/go-openai"
)

// ErrorKind classifies a failed API exchange. Every error leaving this package wraps one of
// these kinds so callers can react without string matching.
type ErrorKind string

const (
	// ErrKindInvalidURL indicates a malformed endpoint URL.
	ErrKindInvalidURL ErrorKind = "invalid_url"
	// ErrKindNetwork indicates a transport-level failure before a response arrived.
	ErrKindNetwork ErrorKind = "network"
	// ErrKindInvalidResponse indicates a non-HTTP or structurally unusable response.
	ErrKindInvalidResponse ErrorKind = "invalid_response"
	// ErrKindDecoding indicates a response body that failed to decode.
	ErrKindDecoding ErrorKind = "decoding"
	// ErrKindServer indicates a non-2xx status other than 401 and 429.
	ErrKindServer ErrorKind = "server"
	// ErrKindInvalidAPIKey indicates the credential was rejected (HTTP 401).
	ErrKindInvalidAPIKey ErrorKind = "invalid_api_key"
	// ErrKindRateLimit indicates the endpoint throttled the caller (HTTP 429).
	ErrKindRateLimit ErrorKind = "rate_limit"
	// ErrKindInvalidAudio indicates an unusable audio payload for transcription.
	ErrKindInvalidAudio ErrorKind = "invalid_audio_file"
	// ErrKindTimeout indicates the overall read budget for a request was exceeded.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindUnknown covers failures that fit no other kind.
	ErrKindUnknown ErrorKind = "unknown"
)

// Error is a classified API failure. StatusCode is only set for kinds derived from an HTTP
// status.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http status %d", e.Kind, e.StatusCode)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind extracts the classification from err, or ErrKindUnknown when err carries none.
func Kind(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ErrKindUnknown
}

// classifyStatus maps a non-2xx HTTP status to a typed error per the endpoint contract:
// 401 invalid credential, 429 rate limited, anything else a generic server error carrying
// the status code.
func classifyStatus(code int) *Error {
	switch code {
	case http.StatusUnauthorized:
		return &Error{Kind: ErrKindInvalidAPIKey, StatusCode: code}
	case http.StatusTooManyRequests:
		return &Error{Kind: ErrKindRateLimit, StatusCode: code}
	default:
		return &Error{Kind: ErrKindServer, StatusCode: code}
	}
}

// classify converts transport and client-library failures into typed errors. Errors already
// classified pass through unchanged.
func classify(err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		e := classifyStatus(reqErr.HTTPStatusCode)
		e.Err = err
		return e
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		e := classifyStatus(apiErr.HTTPStatusCode)
		e.Err = err
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrKindTimeout, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &Error{Kind: ErrKindTimeout, Err: err}
		}
		return &Error{Kind: ErrKindNetwork, Err: err}
	}

	return &Error{Kind: ErrKindUnknown, Err: err}
}
