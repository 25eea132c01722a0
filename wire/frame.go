// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType tags a server-to-client frame.
type FrameType string

const (
	FrameConnectionEstablished FrameType = "connection_established"
	FrameRoomList              FrameType = "room_list"
	FrameSubscribed            FrameType = "subscribed"
	FrameUnsubscribed          FrameType = "unsubscribed"
	FrameNewMessage            FrameType = "new_message"
	FrameTyping                FrameType = "typing"
	FrameMessageRead           FrameType = "message_read"
	FrameError                 FrameType = "error"
)

// ConnectionEstablishedFrame confirms the authenticated identity after
// the transport opens. It is the first frame on every connection.
type ConnectionEstablishedFrame struct {
	Type     FrameType `json:"type"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
}

// RoomListFrame is the snapshot answer to a get_room_list command.
type RoomListFrame struct {
	Type  FrameType `json:"type"`
	Rooms []Room    `json:"rooms"`
}

// SubscribedFrame acknowledges a subscribe_room command.
type SubscribedFrame struct {
	Type   FrameType `json:"type"`
	RoomID string    `json:"room_id"`
}

// UnsubscribedFrame acknowledges an unsubscribe_room command.
type UnsubscribedFrame struct {
	Type   FrameType `json:"type"`
	RoomID string    `json:"room_id"`
}

// NewMessageFrame delivers a message to subscribers of its room.
// TempID is set only on the copy delivered to the sender's own
// connection, so the sender can reconcile its optimistic entry.
type NewMessageFrame struct {
	Type    FrameType `json:"type"`
	RoomID  string    `json:"room_id"`
	Message Message   `json:"message"`
	TempID  string    `json:"temp_id,omitempty"`
}

// TypingFrame reports a typing state change for one user in one room.
type TypingFrame struct {
	Type     FrameType `json:"type"`
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	IsTyping bool      `json:"is_typing"`
}

// MessageReadFrame reports that a user has read messages in a room.
type MessageReadFrame struct {
	Type       FrameType `json:"type"`
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	MessageIDs []int64   `json:"message_ids"`
}

// ErrorFrame reports a server-side command failure. It never affects
// connection state.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// UnknownFrameError is returned by DecodeFrame for frame types this
// build does not recognize. Routers log the type and drop the frame;
// an unknown type is never fatal to the connection.
type UnknownFrameError struct {
	FrameType FrameType
}

func (e *UnknownFrameError) Error() string {
	return fmt.Sprintf("wire: unknown frame type %q", e.FrameType)
}

// DecodeFrame parses a server-to-client payload and returns one of the
// concrete frame structs (*ConnectionEstablishedFrame, *RoomListFrame,
// *SubscribedFrame, *UnsubscribedFrame, *NewMessageFrame, *TypingFrame,
// *MessageReadFrame, *ErrorFrame). A syntactically valid payload with
// an unrecognized type returns *UnknownFrameError.
func DecodeFrame(data []byte) (any, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("wire: malformed %s frame: %w", head.Type, err)
		}
		return v, nil
	}

	switch head.Type {
	case FrameConnectionEstablished:
		return decode(&ConnectionEstablishedFrame{})
	case FrameRoomList:
		return decode(&RoomListFrame{})
	case FrameSubscribed:
		return decode(&SubscribedFrame{})
	case FrameUnsubscribed:
		return decode(&UnsubscribedFrame{})
	case FrameNewMessage:
		return decode(&NewMessageFrame{})
	case FrameTyping:
		return decode(&TypingFrame{})
	case FrameMessageRead:
		return decode(&MessageReadFrame{})
	case FrameError:
		return decode(&ErrorFrame{})
	default:
		return nil, &UnknownFrameError{FrameType: head.Type}
	}
}

// EncodeFrame serializes a frame struct, filling in its Type field from
// the struct's static type so callers cannot mislabel a frame.
func EncodeFrame(frame any) ([]byte, error) {
	switch f := frame.(type) {
	case *ConnectionEstablishedFrame:
		f.Type = FrameConnectionEstablished
	case *RoomListFrame:
		f.Type = FrameRoomList
	case *SubscribedFrame:
		f.Type = FrameSubscribed
	case *UnsubscribedFrame:
		f.Type = FrameUnsubscribed
	case *NewMessageFrame:
		f.Type = FrameNewMessage
	case *TypingFrame:
		f.Type = FrameTyping
	case *MessageReadFrame:
		f.Type = FrameMessageRead
	case *ErrorFrame:
		f.Type = FrameError
	default:
		return nil, fmt.Errorf("wire: cannot encode %T as a frame", frame)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding frame: %w", err)
	}
	return data, nil
}
