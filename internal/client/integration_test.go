package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/notify-service/internal/api"
	"github.com/fathima-sithara/notify-service/internal/auth"
	"github.com/fathima-sithara/notify-service/internal/dispatch"
	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/repository"
	"github.com/fathima-sithara/notify-service/internal/service"
	"github.com/fathima-sithara/notify-service/internal/ws"
)

const liveSecret = "live-secret"

var alice = model.Recipient{Type: model.Customer, ID: 42}

func liveToken(t *testing.T, role string, id int64) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": role,
		"id":   id,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(liveSecret))
	require.NoError(t, err)
	return s
}

// startServer runs the full HTTP and websocket surface on a loopback port.
func startServer(t *testing.T) (string, *service.NotificationService) {
	t.Helper()
	jv, err := auth.NewJWTValidatorHS256(liveSecret)
	require.NoError(t, err)
	authn := auth.NewAuthenticator(jv, auth.NewResolver("role", "id", "ROLE_"))

	hub := ws.NewHub(ws.Options{AutoSubscribePersonal: true, HeartbeatInterval: 100 * time.Millisecond}, nil, nil)
	svc := service.NewNotificationService(repository.NewMemoryStore(), dispatch.New(hub, nil, nil), nil, nil, 8)
	app := api.NewServer(api.Deps{
		Service: svc,
		WS:      ws.NewServer(hub, authn, nil),
		Authn:   authn,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		hub.Shutdown()
		_ = app.Shutdown()
	})
	return "http://" + ln.Addr().String(), svc
}

func loyalty(title string) *model.NewNotification {
	return &model.NewNotification{
		RecipientType: alice.Type,
		RecipientID:   alice.ID,
		Title:         title,
		Message:       "You earned 50 points",
		Data:          map[string]any{"type": "LOYALTY_POINTS", "points": 50},
	}
}

func TestLiveDeliveryEndToEnd(t *testing.T) {
	base, svc := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	history, err := svc.Publish(ctx, loyalty("earlier"))
	require.NoError(t, err)

	tok := liveToken(t, "ROLE_CUSTOMER", 42)
	id, err := IdentityFromToken(tok, nil)
	require.NoError(t, err)
	require.Equal(t, alice, id)
	wsURL, err := WebSocketURL(base)
	require.NoError(t, err)

	sock := NewSocket(SocketConfig{URL: wsURL, Token: tok, ReconnectDelay: 50 * time.Millisecond, Heartbeat: 100 * time.Millisecond}, id, nil)
	cache := NewCache(NewAPI(base, tok, id, nil), nil)
	runDone := make(chan error, 1)
	go func() { runDone <- sock.Run(ctx) }()
	go cache.Run(ctx, sock.Events())

	// the Connected event triggers the initial load
	require.Eventually(t, func() bool {
		s := cache.State()
		return len(s.Notifications) == 1 && s.Notifications[0].ID == history.ID
	}, 3*time.Second, 10*time.Millisecond)

	live, err := svc.Publish(ctx, loyalty("live"))
	require.NoError(t, err)

	select {
	case a := <-cache.Alerts():
		assert.Equal(t, "live", a.Title)
		assert.Equal(t, live.ID, a.Notification.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no alert for live notification")
	}
	s := cache.State()
	require.Len(t, s.Notifications, 2)
	assert.Equal(t, live.ID, s.Notifications[0].ID)
	assert.Equal(t, 2, s.UnreadCount)

	require.NoError(t, cache.MarkRead(ctx, live.ID))
	assert.Equal(t, 1, cache.State().UnreadCount)
	n, err := svc.UnreadCount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// outlive several heartbeat timeouts on the same session
	time.Sleep(500 * time.Millisecond)
	again, err := svc.Publish(ctx, loyalty("after heartbeats"))
	require.NoError(t, err)
	select {
	case a := <-cache.Alerts():
		assert.Equal(t, again.ID, a.Notification.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not survive heartbeats")
	}

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("socket did not stop")
	}
}

func TestSocketRejectsBadToken(t *testing.T) {
	base, _ := startServer(t)
	wsURL, err := WebSocketURL(base)
	require.NoError(t, err)

	sock := NewSocket(SocketConfig{URL: wsURL, Token: "garbage"}, alice, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = sock.session(ctx)
	assert.ErrorIs(t, err, errs.ErrHandshake)
}

func TestAPIAgainstServer(t *testing.T) {
	base, svc := startServer(t)
	ctx := context.Background()
	a, err := svc.Publish(ctx, loyalty("a"))
	require.NoError(t, err)
	_, err = svc.Publish(ctx, loyalty("b"))
	require.NoError(t, err)

	cli := NewAPI(base, liveToken(t, "ROLE_CUSTOMER", 42), alice, nil)
	list, err := cli.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := cli.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, cli.MarkRead(ctx, a.ID))
	assert.ErrorIs(t, cli.MarkRead(ctx, 9999), errs.ErrNotFound)
	require.NoError(t, cli.MarkAllRead(ctx))
	require.NoError(t, cli.Delete(ctx, a.ID))
	require.NoError(t, cli.DeleteAll(ctx))

	list, err = cli.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	other := NewAPI(base, liveToken(t, "ROLE_PROVIDER", 7), alice, nil)
	_, err = other.List(ctx)
	assert.ErrorIs(t, err, errs.ErrForbidden)
}
