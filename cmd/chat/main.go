// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

// chat is a terminal client for the chat server: a room sidebar with
// unread badges, live message view, typing indicators, and offline
// send fallback, all on one websocket.
package main

import (
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/jobdeck/chat/client"
	"github.com/jobdeck/chat/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var serverURL string
	var token string
	var logPath string

	flagSet := pflag.NewFlagSet("chat", pflag.ContinueOnError)
	flagSet.StringVar(&serverURL, "server", "http://localhost:8480", "chat server base URL")
	flagSet.StringVar(&token, "token", "", "bearer token (defaults to $CHAT_TOKEN)")
	flagSet.StringVar(&logPath, "log-output", "", "write JSON log records to this file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if token == "" {
		token = os.Getenv("CHAT_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("--token or CHAT_TOKEN is required")
	}

	// The TUI owns the terminal, so logs go to a file or nowhere.
	logger := slog.New(slog.DiscardHandler)
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer logFile.Close()
		logger = slog.New(slog.NewJSONHandler(logFile, nil))
	}

	// Client events cross into the bubbletea loop through a buffered
	// channel.
	events := make(chan tea.Msg, 128)

	chat, err := client.New(client.Config{
		ServerURL: serverURL,
		Token:     func() string { return token },
		Logger:    logger,
		Handlers:  forwardingHandlers(events),
	})
	if err != nil {
		return err
	}
	defer chat.Close()

	if err := chat.Connect(); err != nil {
		return err
	}

	program := tea.NewProgram(newModel(chat, events), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("running TUI: %w", err)
	}
	return nil
}

// forwardingHandlers bridges client callbacks into the bubbletea loop.
// Handlers run on the client's event loop and must not block, so a full
// channel drops the event — every message here is a refresh trigger,
// and a later one repaints the same state.
func forwardingHandlers(events chan tea.Msg) client.Handlers {
	forward := func(msg tea.Msg) {
		select {
		case events <- msg:
		default:
		}
	}
	return client.Handlers{
		OnStatus: func(status client.Status, err error) {
			forward(statusMsg{status: status, err: err})
		},
		OnRoomList: func(rooms []wire.Room) {
			forward(roomListMsg{rooms: rooms})
		},
		OnRoomUpdated: func(roomID string) {
			forward(roomUpdatedMsg{roomID: roomID})
		},
		OnTyping: func(roomID string, names []string) {
			forward(typingMsg{roomID: roomID, names: names})
		},
		OnUnreadChanged: func(total int) {
			forward(unreadMsg{total: total})
		},
		OnServerError: func(message string) {
			forward(serverErrorMsg{message: message})
		},
	}
}
