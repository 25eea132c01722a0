// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the chat protocol exchanged over the persistent
// connection, shared by the client and the reference server.
//
// Every application payload is a JSON object tagged by a "type" field.
// Server-to-client payloads are frames ([DecodeFrame] returns the
// concrete frame struct); client-to-server payloads are commands (a
// single [Command] struct encoded with [Command.Encode]). The heartbeat
// is a websocket ping control frame, not an application payload.
//
// Message identity is dual: the server assigns an int64 id that is
// monotonically increasing within a room and doubles as the pagination
// cursor, while a client-generated temporary id (a UUID string) names a
// message between optimistic insertion and server confirmation. The two
// spaces cannot collide — one is numeric, the other is not.
package wire
