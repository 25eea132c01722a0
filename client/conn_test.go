// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jobdeck/chat/lib/clock"
	"github.com/jobdeck/chat/lib/testutil"
	"github.com/jobdeck/chat/wire"
)

func TestConnectRequiresToken(t *testing.T) {
	server := newChatServer(t)
	c, err := New(Config{
		ServerURL: server.server.URL,
		Token:     func() string { return "" },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	if err := c.Connect(); err != ErrNoToken {
		t.Fatalf("Connect with empty token = %v, want ErrNoToken", err)
	}
	if status := c.Status(); status != StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", status)
	}
}

// TestReconnectBackoffGivesUp drives the full retry schedule against a
// server that refuses every upgrade: 1s, 2s, 4s, 8s, 16s, then error.
func TestReconnectBackoffGivesUp(t *testing.T) {
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	t.Cleanup(refusing.Close)

	clk := clock.Fake(time.Unix(1000, 0))
	statuses := make(chan Status, 32)
	errs := make(chan error, 32)
	c, err := New(Config{
		ServerURL: refusing.URL,
		Token:     func() string { return "test-token" },
		Clock:     clk,
		Handlers: Handlers{
			OnStatus: func(status Status, err error) {
				statuses <- status
				if status == StatusError {
					errs <- err
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := testutil.RequireReceive(t, statuses, testTimeout); got != StatusConnecting {
		t.Fatalf("first status = %v, want connecting", got)
	}

	// Each failed dial arms the next backoff timer; firing it retries.
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		clk.WaitForTimers(1)
		clk.Advance(reconnectMaxDelay)
	}

	deadline := time.After(testTimeout)
	for {
		select {
		case status := <-statuses:
			if status != StatusError {
				continue
			}
			if err := testutil.RequireReceive(t, errs, testTimeout); err == nil {
				t.Fatal("StatusError delivered without an error")
			}
			return
		case <-deadline:
			t.Fatal("never reached StatusError")
		}
	}
}

func TestServerCloseTriggersReconnect(t *testing.T) {
	server := newChatServer(t)
	clk := clock.Fake(time.Unix(1000, 0))
	c, events := newTestClient(t, server, clk)

	c.Subscribe("room-1")
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := testutil.RequireReceive(t, server.conns, testTimeout, "waiting for first connection")
	server.expectCommand(wire.CmdSubscribeRoom)
	server.expectCommand(wire.CmdGetRoomList)
	waitForStatus(t, events, StatusConnected)

	// Abrupt close, no close handshake: the client must treat this as
	// a failure and schedule a redial.
	conn.close()

	for {
		status := testutil.RequireReceive(t, events.statuses, testTimeout, "waiting for reconnecting status")
		if status == StatusConnecting {
			break
		}
	}
	clk.WaitForTimers(1)
	clk.Advance(reconnectBaseDelay)

	testutil.RequireReceive(t, server.conns, testTimeout, "waiting for second connection")

	// The new connection re-announces the durable subscription.
	subscribe := server.expectCommand(wire.CmdSubscribeRoom)
	if subscribe.RoomID != "room-1" {
		t.Fatalf("resubscribed to %q, want room-1", subscribe.RoomID)
	}
	server.expectCommand(wire.CmdGetRoomList)
}

func TestDisconnectIsDeliberate(t *testing.T) {
	server := newChatServer(t)
	clk := clock.Fake(time.Unix(1000, 0))
	c, events := newTestClient(t, server, clk)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireReceive(t, server.conns, testTimeout, "waiting for connection")
	testutil.RequireReceive(t, events.ready, testTimeout)

	c.Disconnect()
	if status := c.Status(); status != StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", status)
	}

	// No reconnect timer may be armed after a deliberate disconnect.
	// The heartbeat ticker is also stopped, so nothing is pending.
	if n := clk.PendingCount(); n != 0 {
		t.Fatalf("%d timers pending after Disconnect, want 0", n)
	}
}

func TestStatusStrings(t *testing.T) {
	cases := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
		StatusError:        "error",
		Status(9):          "Status(9)",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(status), got, want)
		}
	}
}
