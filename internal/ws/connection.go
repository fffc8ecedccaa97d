package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/routing"
)

// transport is the subset of *websocket.Conn a Connection drives.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateSubscribed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Subscriber is what the hub hands out for live delivery.
type Subscriber interface {
	ID() string
	Identity() model.Recipient
	Push(frame []byte) error
}

// Connection is one authenticated client session. Frames queued with
// Push are written by a single writer goroutine in FIFO order.
type Connection struct {
	id       string
	identity model.Recipient
	hub      *Hub
	conn     transport
	send     chan []byte
	done     chan struct{}
	limiter  *rate.Limiter

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	fullSince     atomic.Int64

	mu    sync.Mutex
	addrs map[routing.Address]struct{}

	closeOnce sync.Once
	reason    string
}

func newConnection(conn transport, identity model.Recipient, h *Hub) *Connection {
	c := &Connection{
		id:       uuid.NewString(),
		identity: identity,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.opts.SendBuffer),
		done:     make(chan struct{}),
		addrs:    make(map[routing.Address]struct{}),
	}
	if h.opts.InboundRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(h.opts.InboundRPS), h.opts.InboundRPS*2)
	}
	c.touch()
	return c
}

func (c *Connection) ID() string                { return c.id }
func (c *Connection) Identity() model.Recipient { return c.identity }
func (c *Connection) State() State              { return State(c.state.Load()) }

func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Subscriptions returns a snapshot of the connection's addresses.
func (c *Connection) Subscriptions() []routing.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]routing.Address, 0, len(c.addrs))
	for a := range c.addrs {
		out = append(out, a)
	}
	return out
}

func (c *Connection) touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// Push queues a frame without blocking. A full buffer returns
// ErrBackpressure; one that stays full past the grace period
// disconnects the client.
func (c *Connection) Push(frame []byte) error {
	select {
	case <-c.done:
		return errs.ErrConnectionLost
	default:
	}
	select {
	case c.send <- frame:
		c.fullSince.Store(0)
		return nil
	case <-c.done:
		return errs.ErrConnectionLost
	default:
	}

	now := time.Now().UnixNano()
	if c.fullSince.CompareAndSwap(0, now) {
		return errs.ErrBackpressure
	}
	if time.Duration(now-c.fullSince.Load()) >= c.hub.opts.SlowConsumerGrace {
		c.hub.metrics.SlowConsumer()
		c.hub.Disconnect(c, ReasonSlowConsumer)
		return fmt.Errorf("%w: %s", errs.ErrConnectionLost, ReasonSlowConsumer)
	}
	return errs.ErrBackpressure
}

func (c *Connection) slowSince(now time.Time) (time.Duration, bool) {
	fs := c.fullSince.Load()
	if fs == 0 || len(c.send) < cap(c.send) {
		return 0, false
	}
	return now.Sub(time.Unix(0, fs)), true
}

func (c *Connection) reply(env Envelope) {
	_ = c.Push(mustJSON(env))
}

func (c *Connection) readPump() {
	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(opts.HeartbeatTimeout))
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		if mt != websocket.TextMessage {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = c.Push(errorFrame("malformed frame"))
			continue
		}
		switch env.Type {
		case FrameHeartbeat:
			c.hub.emit(Event{Kind: EventHeartbeat, ConnectionID: c.id, Identity: c.identity})
		case FrameSubscribe:
			c.handleSubscribe(env.Destination)
		case FrameUnsubscribe:
			c.handleUnsubscribe(env.Destination)
		case FrameDisconnect:
			c.hub.Disconnect(c, ReasonClientRequest)
			return
		default:
			_ = c.Push(errorFrame("unknown frame type " + env.Type))
		}
	}
}

func (c *Connection) handleSubscribe(dest string) {
	addr, err := routing.ParseAddress(dest)
	if err != nil {
		_ = c.Push(errorFrame(err.Error()))
		return
	}
	if err := c.hub.Subscribe(c, addr); err != nil {
		_ = c.Push(errorFrame(err.Error()))
		return
	}
	c.reply(Envelope{Type: FrameSubscribed, Destination: addr.String()})
}

func (c *Connection) handleUnsubscribe(dest string) {
	addr, err := routing.ParseAddress(dest)
	if err != nil {
		_ = c.Push(errorFrame(err.Error()))
		return
	}
	c.hub.Unsubscribe(c, addr)
	c.reply(Envelope{Type: FrameUnsubscribed, Destination: addr.String()})
}

func (c *Connection) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case b := <-c.send:
			c.fullSince.Store(0)
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.hub.Disconnect(c, ReasonWriteFailed)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, heartbeatFrame); err != nil {
				c.hub.Disconnect(c, ReasonWriteFailed)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(c.reason), c.reason))
			return
		}
	}
}

func closeCode(reason string) int {
	switch reason {
	case ReasonClientRequest:
		return websocket.CloseNormalClosure
	case ReasonShutdown:
		return websocket.CloseGoingAway
	case ReasonSlowConsumer:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}
