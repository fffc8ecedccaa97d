package api

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/auth"
	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
)

const (
	localRequestID = "request_id"
	localIdentity  = "identity"

	HeaderRequestID   = "X-Request-ID"
	HeaderInternalKey = "X-Internal-Key"
)

// RequestID keeps an incoming X-Request-ID or generates one.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals(localRequestID, id)
		c.Set(HeaderRequestID, id)
		return c.Next()
	}
}

// AccessLog writes one zap line per request. Errors are rendered here
// so the logged status is the one the client sees.
func AccessLog(logger *zap.SugaredLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		status := c.Response().StatusCode()
		fields := []interface{}{
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"latency", time.Since(start).String(),
			"request_id", c.Locals(localRequestID),
		}
		if status >= fiber.StatusInternalServerError {
			logger.Errorw("request", fields...)
		} else {
			logger.Infow("request", fields...)
		}
		return nil
	}
}

// ErrorHandler renders every error as {"error": "..."} with the status
// errs.HTTPStatus picks.
func ErrorHandler(logger *zap.SugaredLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := errs.HTTPStatus(err)
		msg := err.Error()
		if code == fiber.StatusInternalServerError {
			logger.Errorw("unhandled error", "path", c.Path(), "err", err)
			msg = "internal error"
		}
		return c.Status(code).JSON(fiber.Map{"error": msg})
	}
}

// JWTAuth verifies the bearer token and stores the resolved recipient.
func JWTAuth(authn *auth.Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return err
		}
		id, err := authn.Authenticate(token)
		if err != nil {
			return err
		}
		c.Locals(localIdentity, id)
		return c.Next()
	}
}

func identityFrom(c *fiber.Ctx) (model.Recipient, error) {
	id, ok := c.Locals(localIdentity).(model.Recipient)
	if !ok {
		return model.Recipient{}, errs.ErrIdentity
	}
	return id, nil
}

// InternalKey guards producer endpoints. An empty key disables them.
func InternalKey(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := c.Get(HeaderInternalKey)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return fmt.Errorf("%w: bad internal key", errs.ErrUnauthorized)
		}
		return c.Next()
	}
}

func requireAdmin(c *fiber.Ctx) error {
	id, err := identityFrom(c)
	if err != nil {
		return err
	}
	if id.Type != model.Admin {
		return fmt.Errorf("%w: admin only", errs.ErrForbidden)
	}
	return c.Next()
}
