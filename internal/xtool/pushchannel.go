package xtool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pushState tracks the single push-channel task for a client.
type pushState struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPushChannel starts the push-channel reconnect loop in a background
// goroutine. Inbound text frames are trimmed and delivered to onMessage in
// arrival order.
//
// Idempotent: a no-op while a channel task is already running. After
// StopPushChannel returns, a subsequent StartPushChannel starts fresh.
func (c *Client) StartPushChannel(onMessage func(string)) {
	c.push.mu.Lock()
	defer c.push.mu.Unlock()

	if c.push.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.push.cancel = cancel
	c.push.done = done

	go c.pushLoop(ctx, onMessage, done)
}

// StopPushChannel cancels the push-channel task and waits for it to fully
// exit before returning. Safe to call when no task is running.
func (c *Client) StopPushChannel() {
	c.push.mu.Lock()
	cancel := c.push.cancel
	done := c.push.done
	c.push.cancel = nil
	c.push.done = nil
	c.push.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// pushLoop maintains the persistent connection until cancelled. Connection
// failures are swallowed; after each failure the loop sleeps the fixed
// reconnect delay and tries again, indefinitely.
func (c *Client) pushLoop(ctx context.Context, onMessage func(string), done chan struct{}) {
	defer close(done)

	url := fmt.Sprintf("ws://%s:%d", c.host, c.pushPort)
	dialer := websocket.Dialer{HandshakeTimeout: c.connectTimeout}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("push channel connect failed",
				"host", c.host,
				"error", err)
		} else {
			c.readFrames(ctx, conn, onMessage)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("push channel disconnected", "host", c.host)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// readFrames consumes text frames until a close or error frame, delivering
// each trimmed payload to onMessage unless a stop was requested.
//
// A companion goroutine sends heartbeat pings and force-closes the
// connection on cancellation so the blocking read unblocks promptly.
func (c *Client) readFrames(ctx context.Context, conn *websocket.Conn, onMessage func(string)) {
	readerExit := make(chan struct{})
	defer close(readerExit)

	go func() {
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-readerExit:
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		onMessage(strings.TrimSpace(string(data)))
	}
}
