package redis

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/ws"
)

var alice = model.Recipient{Type: model.Customer, ID: 42}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := NewClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestPresenceLifecycle(t *testing.T) {
	_, rdb := newRedis(t)
	ps := NewPresenceStore(rdb, "test", time.Minute, nil)
	ctx := context.Background()

	online, err := ps.IsOnline(ctx, alice)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, ps.AddConnection(ctx, alice, "c1"))
	require.NoError(t, ps.AddConnection(ctx, alice, "c2"))
	online, err = ps.IsOnline(ctx, alice)
	require.NoError(t, err)
	assert.True(t, online)

	conns, err := ps.Connections(ctx, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, conns)

	p, err := ps.Get(ctx, alice)
	require.NoError(t, err)
	assert.True(t, p.Online)
	assert.Equal(t, int64(2), p.Connections)
	require.NotNil(t, p.LastSeen)

	require.NoError(t, ps.RemoveConnection(ctx, alice, "c1"))
	require.NoError(t, ps.RemoveConnection(ctx, alice, "c2"))
	online, err = ps.IsOnline(ctx, alice)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestPresenceStaleEntriesExpire(t *testing.T) {
	_, rdb := newRedis(t)
	ps := NewPresenceStore(rdb, "test", time.Minute, nil)
	ctx := context.Background()

	t0 := time.Now()
	ps.now = func() time.Time { return t0 }
	require.NoError(t, ps.AddConnection(ctx, alice, "crashed"))

	ps.now = func() time.Time { return t0.Add(2 * time.Minute) }
	online, err := ps.IsOnline(ctx, alice)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, ps.AddConnection(ctx, alice, "fresh"))
	conns, err := ps.Connections(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, conns)
}

func TestPresenceRunConsumesHubEvents(t *testing.T) {
	_, rdb := newRedis(t)
	ps := NewPresenceStore(rdb, "test", time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan ws.Event, 4)
	done := make(chan struct{})
	go func() {
		ps.Run(ctx, events)
		close(done)
	}()

	events <- ws.Event{Kind: ws.EventConnected, ConnectionID: "c1", Identity: alice}
	require.Eventually(t, func() bool {
		ok, _ := ps.IsOnline(context.Background(), alice)
		return ok
	}, time.Second, 10*time.Millisecond)

	events <- ws.Event{Kind: ws.EventDisconnected, ConnectionID: "c1", Identity: alice}
	require.Eventually(t, func() bool {
		ok, _ := ps.IsOnline(context.Background(), alice)
		return !ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func limitedApp(rl *RateLimiter) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(errs.HTTPStatus(err)).JSON(fiber.Map{"error": err.Error()})
		},
	})
	app.Use(rl.MiddlewareByKey(func(c *fiber.Ctx) string { return c.Get("X-User") }))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func TestRateLimiter(t *testing.T) {
	_, rdb := newRedis(t)
	app := limitedApp(NewRateLimiter(rdb, "test", 2, time.Minute, nil))

	do := func(user string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		if resp.StatusCode == fiber.StatusTooManyRequests {
			assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
		}
		return resp.StatusCode
	}

	assert.Equal(t, 200, do("customer-42"))
	assert.Equal(t, 200, do("customer-42"))
	assert.Equal(t, 429, do("customer-42"))
	assert.Equal(t, 200, do("customer-43"))
}

func TestRateLimiterFailsOpen(t *testing.T) {
	mr, rdb := newRedis(t)
	app := limitedApp(NewRateLimiter(rdb, "test", 1, time.Minute, nil))
	mr.Close()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-User", "customer-42")
		resp, err := app.Test(req, 5000)
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	}
}
