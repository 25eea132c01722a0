// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "time"

// RoomKind distinguishes job-scoped rooms from direct-message rooms.
type RoomKind string

const (
	// RoomKindJob is a room attached to a job; participants are the
	// job's customer and contractor.
	RoomKindJob RoomKind = "job"
	// RoomKindDirect is a two-party direct-message room, created
	// idempotently per participant pair.
	RoomKindDirect RoomKind = "direct"
)

// MessageStatus is the client-side delivery state of a message.
// Messages received from the server are always StatusSent; the other
// two states exist only between an optimistic local send and its
// confirmation or failure.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message is a single chat message. ID is the server-assigned id,
// zero while a message is still pending. TempID is the client-generated
// temporary id, carried until confirmation and then dropped from
// server-side copies.
type Message struct {
	ID         int64         `json:"id,omitempty"`
	TempID     string        `json:"temp_id,omitempty"`
	RoomID     string        `json:"room_id"`
	SenderID   string        `json:"sender_id"`
	SenderName string        `json:"sender_name,omitempty"`
	Content    string        `json:"content"`
	ReplyTo    int64         `json:"reply_to,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Status     MessageStatus `json:"status,omitempty"`
}

// LastMessage is the denormalized summary of a room's most recent
// message, used for room-list rendering without loading history.
type LastMessage struct {
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// Room describes one chat room as reported by the server. UnreadCount
// is the server's view for the requesting user at snapshot time; the
// client maintains its own live count from there.
type Room struct {
	ID           string       `json:"id"`
	Kind         RoomKind     `json:"kind"`
	Participants []string     `json:"participants"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}

// HistoryPage is the REST history response. Messages are ordered by
// descending id (newest first); OldestID and NewestID bound the page,
// and HasMore reports whether older messages exist below OldestID.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
	OldestID int64     `json:"oldest_id"`
	NewestID int64     `json:"newest_id"`
}

// DirectRoomResponse is returned by the get-or-create direct room
// endpoint. Created reports whether the room was created by this call
// or already existed for the participant pair.
type DirectRoomResponse struct {
	Room    Room `json:"room"`
	Created bool `json:"created"`
}

// DefaultPageSize is the history page size requested when the caller
// does not specify one.
const DefaultPageSize = 50

// MaxPageSize caps the history page size server-side.
const MaxPageSize = 100

// MaxContentLength is the maximum message length in runes. Longer
// sends are rejected with an error frame.
const MaxContentLength = 4096
