// Package ws holds the relay's WebSocket wire protocol and a client for it.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrAuthRejected is returned when the relay answers the token with AuthRejected.
var ErrAuthRejected = errors.New("relay rejected authentication")

const (
	writeTimeout    = 10 * time.Second
	readLimit       = 512 * 1024
	maxDialAttempts = 4
)

// RelayError is an error event received in place of a reply.
type RelayError struct {
	Msg string
}

func (e *RelayError) Error() string {
	return "relay error: " + e.Msg
}

// Client is an authenticated connection to one relay endpoint. Send and
// Next may be called from different goroutines; Ask must not overlap itself.
type Client struct {
	conn  *websocket.Conn
	ready Event
	mu    sync.Mutex // serializes writes
}

// Dial connects to url, retrying refused connections with backoff, then
// authenticates with token and waits for the ready event.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	bo := NewBackoff(250*time.Millisecond, 2*time.Second)
	var conn *websocket.Conn
	for attempt := 1; ; attempt++ {
		var resp *http.Response
		var err error
		conn, resp, err = websocket.Dial(ctx, url, nil)
		if err == nil {
			break
		}
		// Only connection failures are retried; an HTTP answer is final.
		if resp != nil || attempt == maxDialAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.Next()):
		}
	}
	conn.SetReadLimit(readLimit)

	c := &Client{conn: conn}
	if err := c.authenticate(ctx, token); err != nil {
		conn.CloseNow()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, token string) error {
	if err := c.write(ctx, websocket.MessageText, []byte(token)); err != nil {
		return fmt.Errorf("send token: %w", err)
	}
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	switch string(data) {
	case AuthOK:
	case AuthRejected:
		return ErrAuthRejected
	default:
		return fmt.Errorf("unexpected auth reply %q", data)
	}

	ev, err := c.Next(ctx)
	if err != nil {
		return fmt.Errorf("read ready: %w", err)
	}
	if ev.Type != TypeReady {
		return fmt.Errorf("expected ready event, got %q", ev.Type)
	}
	c.ready = ev
	return nil
}

// Ready returns the ready event the relay sent after authentication.
func (c *Client) Ready() Event {
	return c.ready
}

// Send writes one turn frame.
func (c *Client) Send(ctx context.Context, f TurnFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.MessageText, data)
}

// SendRaw writes a text frame as-is.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.MessageText, data)
}

// Next reads the next event.
func (c *Client) Next(ctx context.Context) (Event, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Ask sends a turn and reads events until it completes. Each message event
// is passed to onMessage if non-nil. An error event ends the turn with a
// *RelayError.
func (c *Client) Ask(ctx context.Context, f TurnFrame, onMessage func(Event)) (Event, error) {
	if err := c.Send(ctx, f); err != nil {
		return Event{}, fmt.Errorf("send turn: %w", err)
	}
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return Event{}, err
		}
		switch ev.Type {
		case TypeMessage:
			if onMessage != nil {
				onMessage(ev)
			}
		case TypeComplete:
			return ev, nil
		case TypeError:
			return ev, &RelayError{Msg: ev.Content}
		}
	}
}

// Close closes the connection normally.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, typ, data)
}
