// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers shared by the chat client
// and server.
//
// All response-body reads are bounded at MaxResponseSize so that a
// misbehaving peer cannot drive unbounded allocation. The helpers are
// for JSON API responses; anything streamed should be read
// incrementally instead.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response reads: 16 MB. A history
// page tops out at 100 messages of 4 KB content each, so the limit is
// three orders of magnitude above anything legitimate.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeJSON reads a bounded body and JSON-decodes it into v. Works
// for response bodies and for server-side request bodies alike.
func DecodeJSON(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an error response body for inclusion in a diagnostic
// message. Read errors are ignored — a truncated body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
