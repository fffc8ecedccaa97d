package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/auth"
	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/routing"
	"github.com/fathima-sithara/notify-service/internal/ws"
)

type EventKind int

const (
	Connected EventKind = iota + 1
	Disconnected
	MessageReceived
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case MessageReceived:
		return "message"
	default:
		return "unknown"
	}
}

// Event is what a Socket reports. Notification and Destination are set
// for MessageReceived, Err for Disconnected.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Destination  string
	Notification *model.Notification
	Err          error
}

type SocketConfig struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	Heartbeat      time.Duration
	SubscribeTopic bool
}

// Socket keeps one live connection to the notification service and
// re-establishes it after any loss. Sessions are never resumed; a new
// connection starts from scratch.
type Socket struct {
	cfg      SocketConfig
	identity model.Recipient
	dialer   *websocket.Dialer
	events   chan Event
	logger   *zap.SugaredLogger
}

// IdentityFromToken reads the caller's own recipient key out of its
// token. The signature is not checked; the server does that.
func IdentityFromToken(token string, r *auth.Resolver) (model.Recipient, error) {
	claims, err := auth.ParseUnverified(token)
	if err != nil {
		return model.Recipient{}, err
	}
	if r == nil {
		r = auth.NewResolver("", "", "")
	}
	return r.Resolve(claims)
}

// WebSocketURL turns the service base URL into its /ws endpoint.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

func NewSocket(cfg SocketConfig, identity model.Recipient, logger *zap.SugaredLogger) *Socket {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 4 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Socket{
		cfg:      cfg,
		identity: identity,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:   make(chan Event, 64),
		logger:   logger,
	}
}

func (s *Socket) Events() <-chan Event { return s.events }

func (s *Socket) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// Run connects and reconnects with a fixed delay until ctx ends. The
// events channel is closed when Run returns.
func (s *Socket) Run(ctx context.Context) error {
	defer close(s.events)
	b := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.ReconnectDelay), ctx)
	err := backoff.RetryNotify(func() error {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errs.ErrConnectionLost
		}
		return err
	}, b, func(err error, d time.Duration) {
		s.logger.Warnw("socket down, reconnecting", "in", d.String(), "err", err)
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Socket) session(ctx context.Context) (err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrHandshake, err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	hello, err := readEnvelope(conn)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrHandshake, err)
	}
	if hello.Type != ws.FrameConnected {
		return fmt.Errorf("%w: %s", errs.ErrHandshake, hello.Message)
	}

	var wmu sync.Mutex
	write := func(env ws.Envelope) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(env)
	}

	dests := []routing.Address{routing.Personal(s.identity)}
	if s.cfg.SubscribeTopic {
		dests = append(dests, routing.Broadcast(s.identity.Type))
	}
	for _, d := range dests {
		if err := write(ws.Envelope{Type: ws.FrameSubscribe, Destination: d.String()}); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrConnectionLost, err)
		}
	}

	s.logger.Infow("socket connected", "conn", hello.ConnectionID, "identity", s.identity.String())
	s.emit(ctx, Event{Kind: Connected, ConnectionID: hello.ConnectionID})
	defer func() {
		s.emit(ctx, Event{Kind: Disconnected, ConnectionID: hello.ConnectionID, Err: err})
	}()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(s.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				if ctx.Err() != nil {
					_ = write(ws.Envelope{Type: ws.FrameDisconnect})
				}
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := write(ws.Envelope{Type: ws.FrameHeartbeat}); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * s.cfg.Heartbeat))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrConnectionLost, err)
		}
		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case ws.FrameNotification:
			var n model.Notification
			if err := json.Unmarshal(env.Payload, &n); err != nil {
				s.logger.Warnw("bad notification payload", "err", err)
				continue
			}
			s.emit(ctx, Event{Kind: MessageReceived, ConnectionID: hello.ConnectionID, Destination: env.Destination, Notification: &n})
		case ws.FrameError:
			s.logger.Warnw("server error frame", "message", env.Message)
		}
	}
}

func readEnvelope(conn *websocket.Conn) (ws.Envelope, error) {
	var env ws.Envelope
	_, data, err := conn.ReadMessage()
	if err != nil {
		return env, err
	}
	return env, json.Unmarshal(data, &env)
}
