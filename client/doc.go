// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the Jobdeck real-time messaging client: a
// single persistent websocket per user carrying room-based chat, merged
// with cursor-paginated history loaded over REST.
//
// [Client] is the entry point. It owns every piece of mutable state —
// the connection state machine, the per-room message windows, the
// subscription set, typing indicators, and unread counts — on one
// internal event loop. Transport reads, timer fires, and public method
// calls all serialize through that loop, so none of the underlying
// structures carry locks.
//
// Handler callbacks run on the event loop. They must return promptly
// and must not call back into the Client synchronously; a handler that
// needs to issue a command does so from a new goroutine.
//
// Two delivery paths feed a room's message list: pages of history
// fetched by id cursor, and live pushes from the connection. The store
// merges them into one ascending, gap-free, duplicate-free window per
// room. Sends are optimistic: the message appears immediately as
// pending, then is confirmed in place by the server echoing its
// temporary id (or by the REST fallback when the socket is down), or
// marked failed for the caller to retry explicitly.
package client
