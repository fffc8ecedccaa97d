package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/auth"
	"github.com/fathima-sithara/notify-service/internal/metrics"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/redis"
	"github.com/fathima-sithara/notify-service/internal/ws"
)

type NotificationService interface {
	Publish(ctx context.Context, in *model.NewNotification) (*model.Notification, error)
	List(ctx context.Context, r model.Recipient) ([]*model.Notification, error)
	UnreadCount(ctx context.Context, r model.Recipient) (int64, error)
	MarkRead(ctx context.Context, r model.Recipient, id int64) error
	MarkAllRead(ctx context.Context, r model.Recipient) (int64, error)
	Delete(ctx context.Context, r model.Recipient, id int64) error
	DeleteAll(ctx context.Context, r model.Recipient) (int64, error)
	Ping(ctx context.Context) error
}

type PresenceReader interface {
	Get(ctx context.Context, r model.Recipient) (redis.Presence, error)
}

// Deps are the collaborators the HTTP surface needs. Presence,
// RateLimiter and Metrics may be nil.
type Deps struct {
	Service        NotificationService
	WS             *ws.Server
	Authn          *auth.Authenticator
	Presence       PresenceReader
	RateLimiter    *redis.RateLimiter
	Metrics        *metrics.Metrics
	InternalAPIKey string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *zap.SugaredLogger
}

type Server struct {
	svc      NotificationService
	wsrv     *ws.Server
	presence PresenceReader
	logger   *zap.SugaredLogger
}

func NewServer(d Deps) *fiber.App {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	app := fiber.New(fiber.Config{
		ReadTimeout:           d.ReadTimeout,
		WriteTimeout:          d.WriteTimeout,
		ErrorHandler:          ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	s := &Server{svc: d.Service, wsrv: d.WS, presence: d.Presence, logger: logger}

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			logger.Errorw("panic recovered", "path", c.Path(), "panic", e)
		},
	}))
	app.Use(RequestID())
	app.Use(AccessLog(logger))
	app.Use(cors.New())

	app.Get("/health", s.health)
	if d.Metrics != nil {
		app.Get("/metrics", d.Metrics.Handler())
	}
	if d.WS != nil {
		app.Get("/ws", d.WS.Upgrade(), d.WS.Handler())
	}

	internal := app.Group("/internal", InternalKey(d.InternalAPIKey))
	internal.Post("/notifications", s.publish)

	api := app.Group("/api", JWTAuth(d.Authn))
	if d.RateLimiter != nil {
		api.Use(d.RateLimiter.MiddlewareByKey(func(c *fiber.Ctx) string {
			id, _ := identityFrom(c)
			return id.Key()
		}))
	}

	n := api.Group("/notifications")
	n.Get("/", s.list)
	n.Get("/unread/count", s.unreadCount)
	n.Put("/read-all", s.markAllRead)
	n.Put("/:id/read", s.markRead)
	n.Delete("/:id", s.delete)
	n.Delete("/", s.deleteAll)

	api.Get("/presence/:userType/:userId", requireAdmin, s.getPresence)

	return app
}
