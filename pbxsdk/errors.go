/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package pbxsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIError is the base error type for all upstream PBX API errors.
// It provides structured access to the HTTP status code, the vendor's
// error message and reason code, and the raw response body. All specific
// error sub-types embed this struct, so consumers can use
// errors.As(err, &apiErr) to access common fields regardless of the
// specific error type.
type APIError struct {
	// StatusCode is the HTTP status code from the response.
	StatusCode int

	// Status is the HTTP status line (e.g., "404 Not Found").
	Status string

	// Message is the error message from the PBX response body.
	Message string

	// Reason is the vendor-specific reason code, when the PBX supplies
	// one (e.g. "DESTINATION_BUSY", "INVALID_PARTICIPANT"). It is what
	// the answer fallback chain keys its retry decisions on.
	Reason string

	// RetryAfter is the duration to wait before retrying, parsed from
	// the Retry-After header. Zero if not applicable.
	RetryAfter time.Duration

	// RawBody is the raw response body bytes, preserved for debugging.
	RawBody []byte

	// Err is an optional wrapped error for errors.Unwrap support.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("pbx api error: %d", e.StatusCode)
	if e.Message != "" {
		msg += " - " + e.Message
	}
	if e.Reason != "" {
		msg += " (reason: " + e.Reason + ")"
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *APIError) Unwrap() error {
	return e.Err
}

// --- Specific error sub-types ---

// BadRequestError is returned for HTTP 400 Bad Request responses:
// malformed caller input such as a missing destination or invalid ids.
type BadRequestError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *BadRequestError) Unwrap() error { return e.APIError }

// AuthError is returned for HTTP 401 Unauthorized responses after the
// transparent token refresh retry has been spent.
type AuthError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *AuthError) Unwrap() error { return e.APIError }

// ForbiddenError is returned for HTTP 403 Forbidden responses: the
// session is not entitled to act on the line or participant.
type ForbiddenError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ForbiddenError) Unwrap() error { return e.APIError }

// NotFoundError is returned for HTTP 404 Not Found responses.
type NotFoundError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *NotFoundError) Unwrap() error { return e.APIError }

// RateLimitError is returned for HTTP 429 Too Many Requests responses.
// The RetryAfter field (inherited from APIError) indicates how long to wait.
type RateLimitError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *RateLimitError) Unwrap() error { return e.APIError }

// UpstreamError is returned for vendor-specific validation failures
// (409, 412, 422 and any other unmapped 4xx). The Reason field carries
// the vendor reason code through to the caller; for answer actions it
// drives the candidate fallback search rather than immediate failure.
type UpstreamError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *UpstreamError) Unwrap() error { return e.APIError }

// ServerError is returned for HTTP 5xx responses (500, 502, 503, 504).
type ServerError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ServerError) Unwrap() error { return e.APIError }

// --- Factory ---

// apiErrorBody is used to parse the PBX error response JSON.
type apiErrorBody struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// NewAPIError creates a structured error from an HTTP response and its body.
// It parses the JSON body for message and reason fields, reads the
// Retry-After header, and returns the appropriate error sub-type based
// on the HTTP status code.
func NewAPIError(resp *http.Response, body []byte) error {
	base := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RawBody:    body,
	}

	// Parse JSON body for message and reason
	var parsed apiErrorBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil {
			base.Message = parsed.Message
			base.Reason = parsed.Reason
		}
		// If JSON parsing fails, leave Message empty — RawBody preserves the original
	}

	// Parse Retry-After header
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			base.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	// Return the appropriate sub-type
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return &BadRequestError{APIError: base}
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{APIError: base}
	case resp.StatusCode == http.StatusForbidden:
		return &ForbiddenError{APIError: base}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{APIError: base}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{APIError: base}
	case resp.StatusCode >= 500:
		return &ServerError{APIError: base}
	case resp.StatusCode >= 400:
		return &UpstreamError{APIError: base}
	default:
		return base
	}
}

// --- Convenience functions ---

// IsBadRequest reports whether err is a bad request error (HTTP 400).
func IsBadRequest(err error) bool {
	var e *BadRequestError
	return errors.As(err, &e)
}

// IsAuthError reports whether err is an authentication error (HTTP 401).
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsForbidden reports whether err is a forbidden error (HTTP 403).
func IsForbidden(err error) bool {
	var e *ForbiddenError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a not found error (HTTP 404).
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsRateLimited reports whether err is a rate limit error (HTTP 429).
func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsUpstreamRejection reports whether err is a vendor validation
// rejection (unmapped 4xx).
func IsUpstreamRejection(err error) bool {
	var e *UpstreamError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a server error (HTTP 5xx).
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}

// VendorReason extracts the vendor reason code from err, falling back
// to the message, or the error text when err is not an APIError.
func VendorReason(err error) string {
	var e *APIError
	if errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
		if e.Message != "" {
			return e.Message
		}
		return e.Status
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
