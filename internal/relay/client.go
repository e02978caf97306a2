// Package relay implements a minimal Nostr relay client over a WebSocket
// transport: publishing signed events with bounded retry and subscribing to
// incoming ones. It is deliberately thin — event construction and signing
// live in internal/nostrevt and the callers of this package; relay.Client
// only knows the NIP-01 wire frames ["EVENT", ...], ["REQ", ...],
// ["EVENT", sub_id, ...], ["EOSE", sub_id], ["CLOSED", sub_id, ...].
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"nostrdice/internal/nostrevt"
	"nostrdice/observability/metrics"
)

const writeTimeout = 10 * time.Second

// subscription tracks a live REQ so it can be replayed against a fresh
// connection after a reconnect.
type subscription struct {
	filter map[string]interface{}
	ch     chan nostrevt.Event
}

// reconnectPolicy bounds the redial backoff used by readLoop after the
// connection drops. Unlike PublishPolicy this has no MaxElapsedTime: a
// dropped relay connection is retried indefinitely for the life of the
// client's context (spec §5: the server owns its publications and must
// tolerate transient relay faults, not die on the first one).
var reconnectPolicy = struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

// Client is a connection to a single Nostr relay.
type Client struct {
	url    string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	subMu sync.Mutex
	subs  map[string]*subscription
}

// Dial opens the websocket connection to a relay. The returned Client owns
// the connection and must be Closed by the caller. ctx bounds the client's
// entire lifetime: readLoop redials and resubscribes across transient
// connection drops until ctx is done or Close is called.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}
	c := &Client{
		url:    url,
		logger: logger,
		conn:   conn,
		subs:   make(map[string]*subscription),
	}
	go c.readLoop(ctx)
	return c, nil
}

// Close closes the underlying connection and all subscription channels.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.subMu.Lock()
	for id, sub := range c.subs {
		close(sub.ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closed")
}

// PublishPolicy bounds the retry schedule used by Publish.
type PublishPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultPublishPolicy matches the round manager's default publication
// retry ceiling (spec §4.3/§5: "retry with bounded backoff").
var DefaultPublishPolicy = PublishPolicy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	MaxElapsedTime:  time.Minute,
}

// Publish sends a signed event to the relay, retrying transient write
// failures with exponential backoff up to policy's ceiling. It never
// retries forever; callers that exhaust the policy must surface the error
// and may retry at a higher level (the round manager does, per §4.3).
func (c *Client) Publish(ctx context.Context, event nostrevt.Event, policy PublishPolicy) error {
	frame, err := json.Marshal([]interface{}{"EVENT", event})
	if err != nil {
		return fmt.Errorf("relay: encode event: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = policy.MaxElapsedTime
	bctx := backoff.WithContext(b, ctx)

	attempt := 0
	op := func() error {
		attempt++
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return backoff.Permanent(fmt.Errorf("relay: connection closed"))
		}
		return conn.Write(writeCtx, websocket.MessageText, frame)
	}
	err = backoff.Retry(op, bctx)
	if attempt > 1 {
		metrics.Registry().RecordRelayRetry("publish")
	}
	if err != nil {
		return fmt.Errorf("relay: publish event %s after %d attempts: %w", event.ID, attempt, err)
	}
	return nil
}

// Subscribe opens a NIP-01 REQ subscription and returns a channel of
// matching events. The channel is closed when the relay sends CLOSED for
// this subscription id or the client is closed.
func (c *Client) Subscribe(ctx context.Context, subID string, filter map[string]interface{}) (<-chan nostrevt.Event, error) {
	frame, err := json.Marshal([]interface{}{"REQ", subID, filter})
	if err != nil {
		return nil, fmt.Errorf("relay: encode REQ: %w", err)
	}

	ch := make(chan nostrevt.Event, 32)
	c.subMu.Lock()
	c.subs[subID] = &subscription{filter: filter, ch: ch}
	c.subMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("relay: connection closed")
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		c.subMu.Lock()
		delete(c.subs, subID)
		c.subMu.Unlock()
		close(ch)
		return nil, fmt.Errorf("relay: send REQ: %w", err)
	}
	return ch, nil
}

// Unsubscribe sends a NIP-01 CLOSE for subID and removes its channel.
func (c *Client) Unsubscribe(ctx context.Context, subID string) error {
	c.subMu.Lock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
	}
	c.subMu.Unlock()
	if ok {
		close(sub.ch)
	}
	frame, err := json.Marshal([]interface{}{"CLOSE", subID})
	if err != nil {
		return fmt.Errorf("relay: encode CLOSE: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

// readLoop owns the connection for its entire lifetime: on any read error it
// redials with backoff and replays every active subscription's REQ before
// resuming, rather than exiting (spec §5: the server must tolerate a
// transient relay fault, not die after one network blip).
func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		closed := c.closed
		conn := c.conn
		c.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			if !c.reconnect(ctx) {
				return
			}
			continue
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			if c.logger != nil {
				c.logger.Warn("relay connection dropped, reconnecting", slog.String("url", c.url), slog.Any("error", err))
			}
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			if !c.reconnect(ctx) {
				return
			}
			continue
		}
		c.dispatch(data)
	}
}

// reconnect redials the relay with exponential backoff, bounded only by ctx,
// then replays every active subscription's REQ frame against the fresh
// connection. It returns false if ctx was cancelled or the client was
// closed while waiting.
func (c *Client) reconnect(ctx context.Context) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectPolicy.InitialInterval
	b.MaxInterval = reconnectPolicy.MaxInterval
	b.MaxElapsedTime = 0
	bctx := backoff.WithContext(b, ctx)

	var conn *websocket.Conn
	op := func() error {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return backoff.Permanent(fmt.Errorf("relay: client closed"))
		}
		dialed, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			return err
		}
		conn = dialed
		return nil
	}
	if err := backoff.Retry(op, bctx); err != nil {
		if c.logger != nil {
			c.logger.Warn("relay reconnect abandoned", slog.String("url", c.url), slog.Any("error", err))
		}
		return false
	}
	metrics.Registry().RecordRelayRetry("reconnect")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.resubscribeAll(ctx, conn)
	if c.logger != nil {
		c.logger.Info("relay reconnected", slog.String("url", c.url))
	}
	return true
}

// resubscribeAll replays every tracked subscription's REQ frame against a
// freshly dialed connection. A single subscription failing to resend does
// not abort the others; it is logged and the subscription is left in place
// for the next reconnect attempt to retry.
func (c *Client) resubscribeAll(ctx context.Context, conn *websocket.Conn) {
	c.subMu.Lock()
	subs := make(map[string]*subscription, len(c.subs))
	for id, sub := range c.subs {
		subs[id] = sub
	}
	c.subMu.Unlock()

	for subID, sub := range subs {
		frame, err := json.Marshal([]interface{}{"REQ", subID, sub.filter})
		if err != nil {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil && c.logger != nil {
			c.logger.Warn("relay resubscribe failed", slog.String("sub_id", subID), slog.Any("error", err))
		}
	}
}

func (c *Client) dispatch(raw []byte) {
	var envelope []json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope) == 0 {
		return
	}
	var msgType string
	if err := json.Unmarshal(envelope[0], &msgType); err != nil {
		return
	}
	switch msgType {
	case "EVENT":
		if len(envelope) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(envelope[1], &subID); err != nil {
			return
		}
		var event nostrevt.Event
		if err := json.Unmarshal(envelope[2], &event); err != nil {
			return
		}
		c.subMu.Lock()
		sub, ok := c.subs[subID]
		c.subMu.Unlock()
		if ok {
			select {
			case sub.ch <- event:
			default:
				if c.logger != nil {
					c.logger.Warn("relay subscription channel full, dropping event", slog.String("sub_id", subID))
				}
			}
		}
	case "CLOSED":
		if len(envelope) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(envelope[1], &subID); err != nil {
			return
		}
		c.subMu.Lock()
		sub, ok := c.subs[subID]
		if ok {
			delete(c.subs, subID)
		}
		c.subMu.Unlock()
		if ok {
			close(sub.ch)
		}
	}
}
