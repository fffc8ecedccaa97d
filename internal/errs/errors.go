package errs

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

var (
	ErrIdentity            = errors.New("identity unresolved")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrHandshake           = errors.New("handshake failed")
	ErrConnectionLost      = errors.New("connection lost")
	ErrInvalidNotification = errors.New("invalid notification")
	ErrDuplicate           = errors.New("duplicate notification")
	ErrBackpressure        = errors.New("send buffer full")
	ErrRateLimited         = errors.New("rate limited")
)

// HTTPStatus maps an error onto the status code the pull API answers with.
func HTTPStatus(err error) int {
	var fe *fiber.Error
	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, ErrIdentity), errors.Is(err, ErrUnauthorized), errors.Is(err, ErrHandshake):
		return fiber.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrInvalidNotification):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return fiber.StatusTooManyRequests
	case errors.Is(err, ErrStoreUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
