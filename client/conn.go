// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobdeck/chat/lib/clock"
	"github.com/jobdeck/chat/wire"
)

// Status is the connection lifecycle state exposed to the host
// application.
type Status int

const (
	// StatusDisconnected: no transport, and none being attempted. The
	// initial state, and the state after a deliberate Disconnect.
	StatusDisconnected Status = iota
	// StatusConnecting: a dial or a scheduled reconnect is in progress.
	StatusConnecting
	// StatusConnected: the socket is open and frames are flowing.
	StatusConnected
	// StatusError: reconnection gave up after exhausting its attempt
	// budget. Only an explicit Connect leaves this state.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

const (
	// heartbeatInterval is how often the client pings the server. A
	// read deadline of twice the interval means one missed heartbeat
	// window declares the connection dead.
	heartbeatInterval = 30 * time.Second

	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
	maxReconnectAttempts = 5

	// writeWait bounds every socket write, control frames included.
	writeWait = 10 * time.Second
)

// errReconnectExhausted is delivered through OnStatus with StatusError
// when the attempt budget runs out.
var errReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// conn owns the websocket and its lifecycle: dial, heartbeat, read
// loop, backoff and reconnect. All methods and callbacks run on the
// client event loop; only the dial, read, and heartbeat goroutines run
// off-loop, and they communicate back exclusively through post.
//
// Scheduling (backoff timers, heartbeat ticks) uses the injected
// clock. Socket I/O deadlines use real time: a fake clock must not be
// able to time out a live TCP connection under test.
type conn struct {
	serverURL string
	token     TokenProvider
	clock     clock.Clock
	logger    *slog.Logger
	post      func(func())

	onFrame  func(frame any)
	onStatus func(status Status, err error)

	status   Status
	ws       *websocket.Conn
	attempts int

	// generation invalidates goroutines and timers from a previous
	// connection attempt: each posts its generation back, and stale
	// values are dropped.
	generation int

	reconnectTimer  *clock.Timer
	heartbeatStop   chan struct{}
	heartbeatTicker *clock.Ticker
}

// Connect starts a dial unless one is already in progress or the
// socket is already open. It resets the backoff attempt counter, so a
// manual Connect after StatusError starts the budget fresh.
func (c *conn) Connect() error {
	if c.status == StatusConnecting || c.status == StatusConnected {
		return nil
	}
	if c.token() == "" {
		return ErrNoToken
	}
	c.attempts = 0
	c.cancelReconnect()
	c.setStatus(StatusConnecting, nil)
	c.dial()
	return nil
}

// Disconnect closes the transport deliberately. No reconnect is
// scheduled; pending and future timer fires are invalidated.
func (c *conn) Disconnect() {
	c.generation++
	c.cancelReconnect()
	c.stopHeartbeat()
	if c.ws != nil {
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(writeWait)
		if err := c.ws.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			c.logger.Debug("close handshake failed", "error", err)
		}
		c.ws.Close()
		c.ws = nil
	}
	if c.status != StatusDisconnected {
		c.setStatus(StatusDisconnected, nil)
	}
}

// connected reports whether the socket is open.
func (c *conn) connected() bool { return c.status == StatusConnected }

// send writes a command to the socket. Callers decide queueing policy;
// send itself only reports transport availability.
func (c *conn) send(command wire.Command) error {
	if c.status != StatusConnected || c.ws == nil {
		return ErrNotConnected
	}
	data, err := command.Encode()
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: writing %s command: %w", command.Type, err)
	}
	return nil
}

func (c *conn) setStatus(status Status, err error) {
	if c.status == status {
		return
	}
	c.status = status
	c.logger.Info("connection status changed", "status", status)
	if c.onStatus != nil {
		c.onStatus(status, err)
	}
}

// wsURL derives the websocket endpoint from the REST base URL.
func (c *conn) wsURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("client: invalid server URL %q: %w", c.serverURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	query := u.Query()
	query.Set("token", c.token())
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// dial starts a connection attempt on its own goroutine and posts the
// outcome back to the loop.
func (c *conn) dial() {
	generation := c.generation
	endpoint, err := c.wsURL()
	if err != nil {
		c.post(func() { c.dialDone(generation, nil, err) })
		return
	}
	go func() {
		ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
		c.post(func() { c.dialDone(generation, ws, err) })
	}()
}

func (c *conn) dialDone(generation int, ws *websocket.Conn, err error) {
	if generation != c.generation {
		// A Disconnect raced the dial; the socket is unwanted.
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		c.logger.Warn("dial failed", "error", err)
		c.scheduleReconnect()
		return
	}
	c.ws = ws
	c.attempts = 0
	c.setStatus(StatusConnected, nil)
	c.startHeartbeat(ws, generation)
	go c.readPump(ws, generation)
}

// readPump runs off-loop for the life of one socket. The read deadline
// covers two heartbeat intervals; the server's pong to each ping (or
// any data frame) extends it, so a connection that misses a full
// heartbeat window fails the next read.
func (c *conn) readPump(ws *websocket.Conn, generation int) {
	resetDeadline := func() {
		ws.SetReadDeadline(time.Now().Add(2 * heartbeatInterval))
	}
	resetDeadline()
	ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.post(func() { c.readFailed(generation, err) })
			return
		}
		resetDeadline()
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			var unknown *wire.UnknownFrameError
			if errors.As(err, &unknown) {
				c.logger.Debug("ignoring unknown frame", "frame_type", unknown.FrameType)
				continue
			}
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.post(func() {
			if generation != c.generation {
				return
			}
			c.onFrame(frame)
		})
	}
}

func (c *conn) readFailed(generation int, err error) {
	if generation != c.generation {
		return
	}
	c.generation++
	c.stopHeartbeat()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("server closed connection")
		c.setStatus(StatusDisconnected, nil)
		return
	}
	c.logger.Warn("connection lost", "error", err)
	c.scheduleReconnect()
}

// scheduleReconnect arms the next redial with exponential backoff:
// base<<attempts capped at the max delay, up to the attempt budget.
func (c *conn) scheduleReconnect() {
	if c.attempts >= maxReconnectAttempts {
		c.logger.Error("giving up on reconnection", "attempts", c.attempts)
		c.setStatus(StatusError, errReconnectExhausted)
		return
	}
	delay := min(reconnectBaseDelay<<c.attempts, reconnectMaxDelay)
	c.attempts++
	c.setStatus(StatusConnecting, nil)
	c.logger.Info("scheduling reconnect", "attempt", c.attempts, "delay", delay)
	generation := c.generation
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		c.post(func() {
			if generation != c.generation || c.status != StatusConnecting {
				return
			}
			c.dial()
		})
	})
}

func (c *conn) cancelReconnect() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// startHeartbeat pings the socket every heartbeatInterval on its own
// goroutine. Ticks come from the injected clock; the write deadline is
// real time.
func (c *conn) startHeartbeat(ws *websocket.Conn, generation int) {
	c.stopHeartbeat()
	stop := make(chan struct{})
	ticker := c.clock.NewTicker(heartbeatInterval)
	c.heartbeatStop = stop
	c.heartbeatTicker = ticker
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					c.post(func() { c.readFailed(generation, fmt.Errorf("client: heartbeat: %w", err)) })
					return
				}
			}
		}
	}()
}

// stopHeartbeat stops the ticker synchronously so no heartbeat timer
// stays registered on the clock after teardown.
func (c *conn) stopHeartbeat() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
		c.heartbeatTicker = nil
	}
}
