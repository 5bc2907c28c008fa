// Package transport owns the client side of the message-oriented persistent
// connection to the cloud conversation service (spec §4.4, §6, §9). It
// reconnects on an exponential backoff schedule, reassembles fragmented
// binary frames, and hands every inbound event to the caller through a
// single bounded queue. The read goroutine is the connection's only reader
// (Send, SendBinary and Close use it for writing and closing); it must never
// parse, never call the UI, and never take the session's locks — it only
// copies and enqueues (spec §4.4).
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tonypk/hitony-firmware/internal/metrics"
	"github.com/tonypk/hitony-firmware/internal/pool"
)

// EventKind tags a queued inbound event.
type EventKind int

const (
	EventBinary EventKind = iota
	EventText
	EventConnected
	EventDisconnected
	EventClosed
)

// Event is what the network callback pushes and the session consumes.
// Binary/Text carry a pool-backed block the consumer must release after use;
// Connected/Disconnected/Closed carry nil.
type Event struct {
	Kind  EventKind
	Block *pool.Block
	Len   int
}

// maxFragmentBytes is the largest reassembled payload accepted; larger
// fragmented messages are refused per spec §4.4.
const maxFragmentBytes = 4096

// Config configures a Client.
type Config struct {
	URL            string
	DeviceID       string
	DeviceToken    string
	HandshakeTimeout time.Duration
	QueueDepth     int

	// Backoff is the reconnect delay schedule (seconds), capped at its last
	// value, per spec §4.3 "3, 6, 12, 24 s, capped at 24 s".
	Backoff []time.Duration
}

// DefaultConfig returns the spec's default reconnect schedule and queue
// sizing.
func DefaultConfig(url, deviceID, deviceToken string) Config {
	return Config{
		URL:              url,
		DeviceID:         deviceID,
		DeviceToken:      deviceToken,
		HandshakeTimeout: 10 * time.Second,
		QueueDepth:       64,
		Backoff: []time.Duration{
			3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second,
		},
	}
}

func (c Config) backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(c.Backoff) {
		return c.Backoff[len(c.Backoff)-1]
	}
	return c.Backoff[attempt]
}

// Client is the client-side transport state machine. One Client serves one
// logical session; a reconnect always tears down and rebuilds the
// underlying *websocket.Conn ("a full client re-init... not library
// auto-reconnect", spec §4.3) so headers and handshake are resent cleanly.
type Client struct {
	cfg     Config
	alloc   *pool.Allocator
	log     *zap.Logger
	dropLim *rate.Limiter
	metrics *metrics.Collector

	events chan Event

	mu       sync.Mutex
	conn     *websocket.Conn
	attempt  int
	closedByUs bool
	// connID is a local correlation id for log lines spanning one connect
	// cycle; it has no protocol meaning and is unrelated to the server's
	// opaque session_id (spec §3).
	connID string

	// reasm/reasmWanted are cleared on every connect and read nowhere:
	// ReadMessage already returns whole messages, so handleBinary keeps no
	// partial-message state.
	reasm       []byte
	reasmWanted int
}

// New constructs a Client. Call Run to drive the connect/reconnect loop.
func New(cfg Config, alloc *pool.Allocator, log *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		alloc:   alloc,
		log:     log,
		dropLim: rate.NewLimiter(rate.Every(time.Second), 1),
		events:  make(chan Event, cfg.QueueDepth),
	}
}

// Events returns the receive queue. Consumers must release Block on every
// EventBinary/EventText they dequeue.
func (c *Client) Events() <-chan Event { return c.events }

// SetMetrics attaches a metrics collector. Optional; nil leaves reporting
// disabled.
func (c *Client) SetMetrics(m *metrics.Collector) { c.metrics = m }

// Run drives connect/reconnect until ctx is cancelled. Each connect attempt
// blocks for at most HandshakeTimeout; on failure it waits the backoff delay
// for the current attempt count, calling onBackoff with the attempt index
// and delay so the caller can surface a countdown to the UI (spec §4.3).
func (c *Client) Run(ctx context.Context, onBackoff func(attempt int, delay time.Duration)) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// serve loop only returns nil when the caller intentionally
			// closed the connection (Close); don't reconnect automatically.
			c.mu.Lock()
			closedByUs := c.closedByUs
			c.mu.Unlock()
			if closedByUs {
				return
			}
		}
		delay := c.cfg.backoffFor(c.attempt)
		if c.metrics != nil {
			c.metrics.RecordReconnectAttempt()
		}
		c.log.Warn("transport: disconnected, backing off",
			zap.Int("attempt", c.attempt), zap.Duration("delay", delay), zap.Error(err))
		if onBackoff != nil {
			onBackoff(c.attempt, delay)
		}
		c.attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// ResetBackoff is called by the session on successful handshake (spec §4.3
// "on successful connect and handshake, the backoff counter resets to
// zero").
func (c *Client) ResetBackoff() { c.attempt = 0 }

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := http.Header{}
	header.Set("x-device-id", c.cfg.DeviceID)
	header.Set("x-device-token", c.cfg.DeviceToken)

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("transport: parse url: %w", err)
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("transport: dial: %w", err)
	}

	connID := uuid.NewString()

	c.mu.Lock()
	c.conn = conn
	c.closedByUs = false
	c.reasm = nil
	c.reasmWanted = 0
	c.connID = connID
	c.mu.Unlock()

	c.pushControl(EventConnected)
	c.log.Info("transport: connected", zap.String("url", c.cfg.URL), zap.String("conn_id", connID))

	err = c.readLoop(conn)

	c.mu.Lock()
	closedByUs := c.closedByUs
	c.conn = nil
	c.mu.Unlock()

	if closedByUs {
		c.pushControl(EventClosed)
		return nil
	}
	c.log.Warn("transport: read loop ended", zap.String("conn_id", connID), zap.Error(err))
	c.pushControl(EventDisconnected)
	return err
}

// readLoop is the network callback (spec §4.4). It owns the connection's
// read side exclusively and must never block the caller beyond a
// non-blocking queue push.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		opcode, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch opcode {
		case websocket.PingMessage, websocket.PongMessage:
			// library handles the handshake; nothing to do.
		case websocket.TextMessage:
			c.pushPayload(EventText, data)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		case websocket.CloseMessage:
			return fmt.Errorf("transport: close frame received")
		}
	}
}

// handleBinary queues one complete binary message. gorilla/websocket's
// ReadMessage joins a fragmented message before returning it, so data is
// always whole; a message larger than the largest pool class
// (maxFragmentBytes) is refused and counted, anything else is pushed as a
// single EventBinary. No offset-based reassembly happens here.
func (c *Client) handleBinary(data []byte) {
	if len(data) > maxFragmentBytes {
		if c.metrics != nil {
			c.metrics.RecordDropped("fragment_too_large")
		}
		if c.dropLim.Allow() {
			c.log.Warn("transport: fragment exceeds largest pool class, refused", zap.Int("len", len(data)))
		}
		return
	}
	c.pushPayload(EventBinary, data)
}

func (c *Client) pushPayload(kind EventKind, data []byte) {
	blk := c.alloc.AcquireFor(len(data))
	if blk == nil {
		if c.metrics != nil {
			c.metrics.RecordDropped("pool_exhausted")
		}
		if c.dropLim.Allow() {
			c.log.Warn("transport: pool exhausted, dropping inbound frame", zap.Int("len", len(data)))
		}
		return
	}
	n := copy(blk.Buf, data)
	select {
	case c.events <- Event{Kind: kind, Block: blk, Len: n}:
		if c.metrics != nil {
			c.metrics.RecordReceived("downlink")
		}
	default:
		c.alloc.Release(blk)
		if c.metrics != nil {
			c.metrics.RecordDropped("queue_full")
		}
		if c.dropLim.Allow() {
			c.log.Warn("transport: receive queue full, dropping inbound frame")
		}
	}
}

func (c *Client) pushControl(kind EventKind) {
	select {
	case c.events <- Event{Kind: kind}:
	default:
		if c.dropLim.Allow() {
			c.log.Warn("transport: receive queue full, dropping control event", zap.Int("kind", int(kind)))
		}
	}
}

// Send writes a JSON control message (text frame). Safe to call
// concurrently with Close but not with itself from multiple goroutines
// (the session is the sole writer, per spec §5 "single-writer").
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// SendBinary writes a raw binary frame (uplink codec packet, spec §6).
func (c *Client) SendBinary(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Close intentionally closes the transport — used by the firmware-update
// collaborator to reclaim buffers (spec §7, §9). The resulting EventClosed
// (rather than EventDisconnected) tells the session not to treat this as a
// user-visible error.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closedByUs = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ParseFrameBatch splits a downlink binary batch into its constituent Opus
// packets per the [len:uint16 big-endian][payload] framing (spec §6). A
// truncated trailing length prefix, a zero length, or a length exceeding the
// remaining bytes discards the rest of the batch: the packets parsed so far
// are returned with truncated=true, and the caller should log a warning.
func ParseFrameBatch(batch []byte) (packets [][]byte, truncated bool) {
	i := 0
	for i+2 <= len(batch) {
		length := int(binary.BigEndian.Uint16(batch[i : i+2]))
		i += 2
		if length == 0 || i+length > len(batch) {
			return packets, true
		}
		packets = append(packets, batch[i:i+length])
		i += length
	}
	return packets, i != len(batch)
}
