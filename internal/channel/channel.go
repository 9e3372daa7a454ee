// Package channel implements the ordered duplex conduit between one Edge
// and the Hub. A Channel is assumed reliable and FIFO in each direction;
// post failures are reported synchronously and logged, never retried.
package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/kuuji/sipfanout/pkg/protocol"
)

// Channel is the bidirectional duplex port shared by Hub and Edge.
type Channel interface {
	// Post writes an envelope non-blocking from the caller's perspective.
	// It returns false if the channel could not accept the envelope; the
	// failure is logged by the implementation, never raised to the caller.
	Post(env protocol.Envelope) bool

	// OnMessage registers the single handler invoked for every envelope
	// read off the channel. Registering twice replaces the prior handler.
	OnMessage(fn func(protocol.Envelope))

	// Close releases the underlying transport. Subsequent Post calls
	// return false.
	Close() error
}

// WSChannel is a Channel backed by github.com/coder/websocket, used by
// both the Hub (server side, post-Accept) and the Edge (client side,
// post-Dial).
type WSChannel struct {
	conn *websocket.Conn
	ctx  context.Context
	log  *slog.Logger

	mu      sync.Mutex
	onMsg   func(protocol.Envelope)
	closed  bool
}

// NewWSChannel wraps an already-established websocket connection. ctx
// governs the lifetime of reads and writes; cancelling it unblocks the
// read loop and subsequent writes fail.
func NewWSChannel(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) *WSChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSChannel{
		conn: conn,
		ctx:  ctx,
		log:  logger.With("component", "channel"),
	}
}

// OnMessage implements Channel.
func (c *WSChannel) OnMessage(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

// Run starts the blocking read loop; it returns when the connection
// closes or ctx is cancelled. Callers run it in its own goroutine.
func (c *WSChannel) Run() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.log.Debug("channel read ended", "error", err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed envelope", "error", err)
			continue
		}

		c.mu.Lock()
		handler := c.onMsg
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// Post implements Channel.
func (c *WSChannel) Post(env protocol.Envelope) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Warn("post failed: channel closed", "type", env.Type)
		return false
	}
	c.mu.Unlock()

	data, err := protocol.Encode(env)
	if err != nil {
		c.log.Error("encoding envelope for post", "type", env.Type, "error", err)
		return false
	}

	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.log.Warn("post failed", "type", env.Type, "error", err)
		return false
	}
	return true
}

// Close implements Channel.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.conn.Close(websocket.StatusNormalClosure, "channel closed")
}

// LocalChannel is an in-process Channel for tests where Hub and Edge
// share an address space. There is no queue between the two ends: Post
// is synchronous and hands the envelope straight to the peer's
// registered handler.
type LocalChannel struct {
	mu     sync.Mutex
	peer   *LocalChannel
	onMsg  func(protocol.Envelope)
	closed bool
	log    *slog.Logger
}

// NewLocalPair builds two LocalChannels wired to each other.
func NewLocalPair(logger *slog.Logger) (a, b *LocalChannel) {
	if logger == nil {
		logger = slog.Default()
	}
	a = &LocalChannel{log: logger.With("component", "channel", "kind", "local")}
	b = &LocalChannel{log: logger.With("component", "channel", "kind", "local")}
	a.peer = b
	b.peer = a
	return a, b
}

// OnMessage implements Channel.
func (c *LocalChannel) OnMessage(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

// Post implements Channel.
func (c *LocalChannel) Post(env protocol.Envelope) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.log.Warn("post failed: channel closed", "type", env.Type)
		return false
	}
	peer := c.peer
	c.mu.Unlock()

	if peer == nil {
		c.log.Warn("post failed: no peer", "type", env.Type)
		return false
	}

	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		c.log.Warn("post failed: peer closed", "type", env.Type)
		return false
	}
	handler := peer.onMsg
	peer.mu.Unlock()

	if handler == nil {
		peer.log.Debug("dropping envelope: no handler registered", "type", env.Type)
		return true
	}
	handler(env)
	return true
}

// Close implements Channel.
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
