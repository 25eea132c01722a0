// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// ErrNoToken is returned by Connect when the token provider yields an
// empty token. This is a local precondition failure: no network
// attempt is made, and no reconnection is scheduled.
var ErrNoToken = errors.New("client: no auth token available")

// ErrNotConnected is returned by operations that require an open
// transport when the connection is down and the command cannot be
// queued.
var ErrNotConnected = errors.New("client: not connected")

// ErrUnknownMessage is returned by RetrySend when no failed entry with
// the given temporary id exists in the room.
var ErrUnknownMessage = errors.New("client: no such failed message")
