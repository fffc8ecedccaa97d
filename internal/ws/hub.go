package ws

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/metrics"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/routing"
)

type Options struct {
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	WriteDeadline         time.Duration
	MaxMessageSize        int64
	SendBuffer            int
	SlowConsumerGrace     time.Duration
	InboundRPS            int
	Shards                int
	AutoSubscribePersonal bool
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 4 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * o.HeartbeatInterval
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.SlowConsumerGrace <= 0 {
		o.SlowConsumerGrace = 5 * time.Second
	}
	if o.Shards <= 0 {
		o.Shards = 32
	}
	return o
}

type shard struct {
	mu   sync.RWMutex
	subs map[routing.Address]map[*Connection]struct{}
}

type Stats struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
}

// Hub tracks live connections and their address subscriptions. The
// subscription index is sharded by address so pushes to unrelated
// addresses do not contend.
type Hub struct {
	opts    Options
	shards  []*shard
	conns   sync.Map // id -> *Connection
	count   atomic.Int64
	subs    atomic.Int64
	events  chan Event
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewHub(opts Options, m *metrics.Metrics, logger *zap.SugaredLogger) *Hub {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:    opts,
		shards:  make([]*shard, opts.Shards),
		events:  make(chan Event, 1024),
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range h.shards {
		h.shards[i] = &shard{subs: make(map[routing.Address]map[*Connection]struct{})}
	}
	h.wg.Add(1)
	go h.reap()
	return h
}

// Events delivers lifecycle events. Sends never block; events are
// dropped when nobody keeps up with the channel.
func (h *Hub) Events() <-chan Event { return h.events }

func (h *Hub) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Debugw("event dropped", "kind", ev.Kind.String(), "conn", ev.ConnectionID)
	}
}

func (h *Hub) shardFor(addr routing.Address) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(addr.String()))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

// NewConnection wraps an authenticated transport. It is not reachable
// for delivery until Accept.
func (h *Hub) NewConnection(conn transport, identity model.Recipient) *Connection {
	return newConnection(conn, identity, h)
}

// Accept registers c and, when configured, subscribes it to its own
// personal address.
func (h *Hub) Accept(c *Connection) error {
	if h.closed.Load() {
		return fmt.Errorf("%w: %s", errs.ErrConnectionLost, ReasonShutdown)
	}
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return errs.ErrConnectionLost
	}
	h.conns.Store(c.id, c)
	h.count.Add(1)
	h.metrics.ConnectionOpened()
	h.logger.Infow("connection accepted", "conn", c.id, "identity", c.identity.String())
	h.emit(Event{Kind: EventConnected, ConnectionID: c.id, Identity: c.identity})

	personal := routing.Personal(c.identity)
	c.reply(Envelope{Type: FrameConnected, ConnectionID: c.id, Destination: personal.String()})
	if h.opts.AutoSubscribePersonal {
		if err := h.Subscribe(c, personal); err != nil {
			return err
		}
		c.reply(Envelope{Type: FrameSubscribed, Destination: personal.String()})
	}
	return nil
}

// Subscribe adds addr to c's subscriptions. Re-subscribing is a no-op.
func (h *Hub) Subscribe(c *Connection, addr routing.Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: empty address", errs.ErrForbidden)
	}
	if !routing.CanSubscribe(c.identity, addr) {
		return fmt.Errorf("%w: %s may not subscribe to %s", errs.ErrForbidden, c.identity, addr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateDisconnected {
		return errs.ErrConnectionLost
	}
	if _, ok := c.addrs[addr]; ok {
		return nil
	}
	c.addrs[addr] = struct{}{}

	s := h.shardFor(addr)
	s.mu.Lock()
	set, ok := s.subs[addr]
	if !ok {
		set = make(map[*Connection]struct{})
		s.subs[addr] = set
	}
	set[c] = struct{}{}
	s.mu.Unlock()

	c.state.CompareAndSwap(int32(StateConnected), int32(StateSubscribed))
	h.subs.Add(1)
	h.metrics.SubscriptionsChanged(1)
	h.emit(Event{Kind: EventSubscribed, ConnectionID: c.id, Identity: c.identity, Address: addr})
	return nil
}

// Unsubscribe removes addr from c. Unknown addresses are ignored.
func (h *Hub) Unsubscribe(c *Connection, addr routing.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.addrs[addr]; !ok {
		return
	}
	delete(c.addrs, addr)
	h.removeFromShard(c, addr)
	if len(c.addrs) == 0 {
		c.state.CompareAndSwap(int32(StateSubscribed), int32(StateConnected))
	}
	h.subs.Add(-1)
	h.metrics.SubscriptionsChanged(-1)
	h.emit(Event{Kind: EventUnsubscribed, ConnectionID: c.id, Identity: c.identity, Address: addr})
}

func (h *Hub) removeFromShard(c *Connection, addr routing.Address) {
	s := h.shardFor(addr)
	s.mu.Lock()
	if set, ok := s.subs[addr]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subs, addr)
		}
	}
	s.mu.Unlock()
}

// Subscribers returns the connections currently subscribed to addr.
func (h *Hub) Subscribers(addr routing.Address) []Subscriber {
	s := h.shardFor(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.subs[addr]
	out := make([]Subscriber, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Connection looks up a live connection by id.
func (h *Hub) Connection(id string) (*Connection, bool) {
	v, ok := h.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// ConnectionsFor lists the live connections of one identity.
func (h *Hub) ConnectionsFor(id model.Recipient) []*Connection {
	var out []*Connection
	h.conns.Range(func(_, v any) bool {
		if c := v.(*Connection); c.identity == id {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Disconnect tears c down. Only the first call has any effect; later
// ones from the reader, writer, reaper or a slow push return at once.
func (h *Hub) Disconnect(c *Connection, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := State(c.state.Swap(int32(StateDisconnected)))
		addrs := c.addrs
		c.addrs = make(map[routing.Address]struct{})
		c.mu.Unlock()

		c.reason = reason
		close(c.done)
		_ = c.conn.SetReadDeadline(time.Now())

		for addr := range addrs {
			h.removeFromShard(c, addr)
		}
		if n := len(addrs); n > 0 {
			h.subs.Add(-int64(n))
			h.metrics.SubscriptionsChanged(-n)
		}
		if prev == StateConnecting {
			return
		}
		h.conns.Delete(c.id)
		h.count.Add(-1)
		h.metrics.ConnectionClosed()
		h.logger.Infow("connection closed", "conn", c.id, "identity", c.identity.String(), "reason", reason)
		h.emit(Event{Kind: EventDisconnected, ConnectionID: c.id, Identity: c.identity, Reason: reason})
	})
}

// Serve runs c's read and write loops until the connection ends.
func (h *Hub) Serve(c *Connection) {
	if err := h.Accept(c); err != nil {
		_ = c.conn.WriteMessage(websocket.TextMessage, errorFrame(err.Error()))
		h.Disconnect(c, ReasonClosed)
		_ = c.conn.Close()
		return
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	c.readPump()
	h.Disconnect(c, ReasonClosed)
	wg.Wait()
	_ = c.conn.Close()
}

func (h *Hub) reap() {
	defer h.wg.Done()
	interval := h.opts.HeartbeatInterval / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

func (h *Hub) sweep(now time.Time) {
	h.conns.Range(func(_, v any) bool {
		c := v.(*Connection)
		if now.Sub(c.LastHeartbeat()) > h.opts.HeartbeatTimeout {
			h.metrics.HeartbeatTimeout()
			h.logger.Warnw("heartbeat timeout", "conn", c.id, "identity", c.identity.String())
			h.Disconnect(c, ReasonHeartbeatTimeout)
			return true
		}
		if d, full := c.slowSince(now); full && d > h.opts.SlowConsumerGrace {
			h.metrics.SlowConsumer()
			h.logger.Warnw("slow consumer", "conn", c.id, "identity", c.identity.String())
			h.Disconnect(c, ReasonSlowConsumer)
		}
		return true
	})
}

func (h *Hub) Stats() Stats {
	return Stats{Connections: int(h.count.Load()), Subscriptions: int(h.subs.Load())}
}

// Shutdown stops the reaper and disconnects every connection.
func (h *Hub) Shutdown() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.cancel()
	h.wg.Wait()
	h.conns.Range(func(_, v any) bool {
		h.Disconnect(v.(*Connection), ReasonShutdown)
		return true
	})
}
