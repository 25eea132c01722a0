// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
)

// CommandType tags a client-to-server command.
type CommandType string

const (
	CmdSubscribeRoom   CommandType = "subscribe_room"
	CmdUnsubscribeRoom CommandType = "unsubscribe_room"
	CmdSendMessage     CommandType = "send_message"
	CmdTyping          CommandType = "typing"
	CmdStopTyping      CommandType = "stop_typing"
	CmdMarkRead        CommandType = "mark_read"
	CmdGetRoomList     CommandType = "get_room_list"
)

// Command is a client-to-server command. One struct covers every
// command type; fields not used by a type stay zero and are omitted
// from the encoding.
type Command struct {
	Type       CommandType `json:"type"`
	RoomID     string      `json:"room_id,omitempty"`
	Content    string      `json:"content,omitempty"`
	TempID     string      `json:"temp_id,omitempty"`
	ReplyTo    int64       `json:"reply_to,omitempty"`
	MessageIDs []int64     `json:"message_ids,omitempty"`
}

// Encode serializes the command for transmission.
func (c Command) Encode() ([]byte, error) {
	if c.Type == "" {
		return nil, fmt.Errorf("wire: command has no type")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s command: %w", c.Type, err)
	}
	return data, nil
}

// DecodeCommand parses a client-to-server payload.
func DecodeCommand(data []byte) (Command, error) {
	var command Command
	if err := json.Unmarshal(data, &command); err != nil {
		return Command{}, fmt.Errorf("wire: malformed command: %w", err)
	}
	if command.Type == "" {
		return Command{}, fmt.Errorf("wire: command has no type")
	}
	return command, nil
}

// Replayable reports whether a command may be deferred while the
// transport is down and delivered after reconnection. Typing signals
// are not: a stale typing hint delivered late is worse than a dropped
// one.
func (c Command) Replayable() bool {
	switch c.Type {
	case CmdTyping, CmdStopTyping:
		return false
	default:
		return true
	}
}
