// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

// APIError is the structured error body of every REST failure response.
// Callers extract it with errors.As:
//
//	var apiErr *wire.APIError
//	if errors.As(err, &apiErr) {
//	    if apiErr.Code == wire.ErrCodeNotFound { ... }
//	}
type APIError struct {
	// Code is the machine-readable error code.
	Code string `json:"code"`
	// Message is the human-readable description from the server.
	Message string `json:"message"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// REST error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeTooLarge     = "message_too_large"
	ErrCodeInternal     = "internal"
)

// IsAPIError reports whether err is an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
