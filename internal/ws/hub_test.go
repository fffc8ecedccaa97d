package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/routing"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	kick   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
		kick:   make(chan struct{}, 1),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return websocket.TextMessage, b, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	case <-f.kick:
		return 0, nil, errors.New("i/o timeout")
	}
}

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	if mt == websocket.CloseMessage {
		return nil
	}
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return errors.New("use of closed connection")
	}
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	if !t.After(time.Now()) {
		select {
		case f.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) send(t *testing.T, env Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	f.in <- b
}

// expect reads frames until one of the given type arrives, skipping
// server heartbeats.
func (f *fakeConn) expect(t *testing.T, typ string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-f.out:
			var env Envelope
			require.NoError(t, json.Unmarshal(b, &env))
			if env.Type == typ {
				return env
			}
			if env.Type != FrameHeartbeat && typ != FrameHeartbeat {
				t.Fatalf("expected %s frame, got %s (%s)", typ, env.Type, env.Message)
			}
		case <-deadline:
			t.Fatalf("no %s frame", typ)
		}
	}
}

func waitEvent(t *testing.T, h *Hub, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

var (
	alice = model.Recipient{Type: model.Customer, ID: 42}
	bob   = model.Recipient{Type: model.Provider, ID: 7}
	root  = model.Recipient{Type: model.Admin, ID: 1}
)

func testHub(t *testing.T, opts Options) *Hub {
	t.Helper()
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	h := NewHub(opts, nil, nil)
	t.Cleanup(h.Shutdown)
	return h
}

func TestAcceptSubscribesPersonal(t *testing.T) {
	h := testHub(t, Options{AutoSubscribePersonal: true})
	c := h.NewConnection(newFakeConn(), alice)
	assert.Equal(t, StateConnecting, c.State())

	require.NoError(t, h.Accept(c))
	assert.Equal(t, StateSubscribed, c.State())
	assert.Equal(t, []routing.Address{routing.Personal(alice)}, c.Subscriptions())

	subs := h.Subscribers(routing.Personal(alice))
	require.Len(t, subs, 1)
	assert.Equal(t, c.ID(), subs[0].ID())
	assert.Empty(t, h.Subscribers(routing.Personal(bob)))
	assert.Equal(t, Stats{Connections: 1, Subscriptions: 1}, h.Stats())

	ev := waitEvent(t, h, EventConnected)
	assert.Equal(t, alice, ev.Identity)
}

func TestSubscribeAuthorization(t *testing.T) {
	h := testHub(t, Options{})
	cust := h.NewConnection(newFakeConn(), alice)
	admin := h.NewConnection(newFakeConn(), root)
	require.NoError(t, h.Accept(cust))
	require.NoError(t, h.Accept(admin))
	assert.Equal(t, StateConnected, cust.State())

	assert.ErrorIs(t, h.Subscribe(cust, routing.Personal(bob)), errs.ErrForbidden)
	assert.ErrorIs(t, h.Subscribe(cust, routing.Broadcast(model.Provider)), errs.ErrForbidden)
	require.NoError(t, h.Subscribe(cust, routing.Broadcast(model.Customer)))
	require.NoError(t, h.Subscribe(cust, routing.Broadcast(model.Customer)))
	assert.Len(t, h.Subscribers(routing.Broadcast(model.Customer)), 1)

	require.NoError(t, h.Subscribe(admin, routing.Broadcast(model.Provider)))
	assert.ErrorIs(t, h.Subscribe(admin, routing.Personal(alice)), errs.ErrForbidden)

	h.Unsubscribe(cust, routing.Broadcast(model.Customer))
	assert.Empty(t, h.Subscribers(routing.Broadcast(model.Customer)))
	assert.Equal(t, StateConnected, cust.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := testHub(t, Options{AutoSubscribePersonal: true})
	c := h.NewConnection(newFakeConn(), alice)
	require.NoError(t, h.Accept(c))
	require.NoError(t, h.Subscribe(c, routing.Broadcast(model.Customer)))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Disconnect(c, ReasonClosed)
		}()
	}
	wg.Wait()

	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, h.Subscribers(routing.Personal(alice)))
	assert.Empty(t, h.Subscribers(routing.Broadcast(model.Customer)))
	assert.Equal(t, Stats{}, h.Stats())
	assert.ErrorIs(t, c.Push([]byte("late")), errs.ErrConnectionLost)
	assert.ErrorIs(t, h.Subscribe(c, routing.Personal(alice)), errs.ErrConnectionLost)

	disconnects := 0
	for {
		select {
		case ev := <-h.Events():
			if ev.Kind == EventDisconnected {
				disconnects++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, disconnects)
}

func TestBackpressureDisconnectsSlowConsumer(t *testing.T) {
	h := testHub(t, Options{SendBuffer: 2, SlowConsumerGrace: 30 * time.Millisecond})
	c := h.NewConnection(newFakeConn(), alice)
	require.NoError(t, h.Accept(c)) // queues the connected frame

	require.NoError(t, c.Push([]byte("1")))
	assert.ErrorIs(t, c.Push([]byte("2")), errs.ErrBackpressure)
	assert.ErrorIs(t, c.Push([]byte("3")), errs.ErrBackpressure)

	time.Sleep(40 * time.Millisecond)
	assert.ErrorIs(t, c.Push([]byte("4")), errs.ErrConnectionLost)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, ReasonSlowConsumer, waitEvent(t, h, EventDisconnected).Reason)
}

func TestDrainedConnectionIsNotReapedAsSlow(t *testing.T) {
	h := testHub(t, Options{SendBuffer: 2, SlowConsumerGrace: 30 * time.Millisecond, HeartbeatTimeout: time.Minute})
	c := h.NewConnection(newFakeConn(), alice)
	require.NoError(t, h.Accept(c))

	require.NoError(t, c.Push([]byte("1")))
	require.ErrorIs(t, c.Push([]byte("2")), errs.ErrBackpressure)

	go c.writePump()
	require.Eventually(t, func() bool { return len(c.send) == 0 }, time.Second, 5*time.Millisecond)

	h.sweep(time.Now().Add(time.Second))
	assert.NotEqual(t, StateDisconnected, c.State())
	assert.NoError(t, c.Push([]byte("3")))
}

func TestSweepReapsConnectionThatStaysFull(t *testing.T) {
	h := testHub(t, Options{SendBuffer: 2, SlowConsumerGrace: 30 * time.Millisecond, HeartbeatTimeout: time.Minute})
	c := h.NewConnection(newFakeConn(), alice)
	require.NoError(t, h.Accept(c))

	require.NoError(t, c.Push([]byte("1")))
	require.ErrorIs(t, c.Push([]byte("2")), errs.ErrBackpressure)

	h.sweep(time.Now().Add(time.Second))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, ReasonSlowConsumer, waitEvent(t, h, EventDisconnected).Reason)
}

func TestHeartbeatTimeout(t *testing.T) {
	h := testHub(t, Options{HeartbeatInterval: 20 * time.Millisecond, HeartbeatTimeout: 60 * time.Millisecond})
	f := newFakeConn()
	c := h.NewConnection(f, alice)

	served := make(chan struct{})
	go func() {
		h.Serve(c)
		close(served)
	}()

	ev := waitEvent(t, h, EventDisconnected)
	assert.Equal(t, ReasonHeartbeatTimeout, ev.Reason)
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, ok := h.Connection(c.ID())
	assert.False(t, ok)
}

func TestHeartbeatsKeepConnectionAlive(t *testing.T) {
	h := testHub(t, Options{HeartbeatInterval: 20 * time.Millisecond, HeartbeatTimeout: 60 * time.Millisecond})
	f := newFakeConn()
	c := h.NewConnection(f, alice)
	go h.Serve(c)
	f.expect(t, FrameConnected)

	for i := 0; i < 10; i++ {
		f.send(t, Envelope{Type: FrameHeartbeat})
		time.Sleep(20 * time.Millisecond)
	}
	assert.NotEqual(t, StateDisconnected, c.State())
	f.expect(t, FrameHeartbeat)
}

func TestServeFrames(t *testing.T) {
	h := testHub(t, Options{AutoSubscribePersonal: true})
	f := newFakeConn()
	c := h.NewConnection(f, alice)
	served := make(chan struct{})
	go func() {
		h.Serve(c)
		close(served)
	}()

	conn := f.expect(t, FrameConnected)
	assert.Equal(t, c.ID(), conn.ConnectionID)
	assert.Equal(t, "customer-42", conn.Destination)
	f.expect(t, FrameSubscribed)

	f.send(t, Envelope{Type: FrameSubscribe, Destination: "topic:customer"})
	assert.Equal(t, "topic:customer", f.expect(t, FrameSubscribed).Destination)

	f.send(t, Envelope{Type: FrameSubscribe, Destination: "provider-7"})
	assert.Contains(t, f.expect(t, FrameError).Message, "forbidden")

	f.send(t, Envelope{Type: FrameSubscribe, Destination: "nonsense"})
	f.expect(t, FrameError)

	f.in <- []byte("{not json")
	assert.Equal(t, "malformed frame", f.expect(t, FrameError).Message)

	n := &model.Notification{ID: 5, RecipientType: model.Customer, RecipientID: 42, Title: "hi"}
	frame, err := NotificationFrame("customer-42", n)
	require.NoError(t, err)
	require.NoError(t, c.Push(frame))
	got := f.expect(t, FrameNotification)
	var decoded model.Notification
	require.NoError(t, json.Unmarshal(got.Payload, &decoded))
	assert.Equal(t, int64(5), decoded.ID)

	f.send(t, Envelope{Type: FrameUnsubscribe, Destination: "topic:customer"})
	f.expect(t, FrameUnsubscribed)
	assert.Empty(t, h.Subscribers(routing.Broadcast(model.Customer)))

	f.send(t, Envelope{Type: FrameDisconnect})
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, ReasonClientRequest, waitEvent(t, h, EventDisconnected).Reason)
}

func TestShutdownDisconnectsAll(t *testing.T) {
	h := NewHub(Options{HeartbeatInterval: time.Hour}, nil, nil)
	conns := make([]*Connection, 3)
	for i := range conns {
		conns[i] = h.NewConnection(newFakeConn(), model.Recipient{Type: model.Customer, ID: int64(i + 1)})
		require.NoError(t, h.Accept(conns[i]))
	}
	assert.Len(t, h.ConnectionsFor(model.Recipient{Type: model.Customer, ID: 2}), 1)

	h.Shutdown()
	h.Shutdown()
	for _, c := range conns {
		assert.Equal(t, StateDisconnected, c.State())
	}
	assert.Equal(t, 0, h.Stats().Connections)
	assert.ErrorIs(t, h.Accept(h.NewConnection(newFakeConn(), alice)), errs.ErrConnectionLost)
}
