package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, fiber.StatusOK},
		{"identity", ErrIdentity, fiber.StatusUnauthorized},
		{"wrapped identity", fmt.Errorf("resolve: %w", ErrIdentity), fiber.StatusUnauthorized},
		{"forbidden", ErrForbidden, fiber.StatusForbidden},
		{"not found", fmt.Errorf("mark read 7: %w", ErrNotFound), fiber.StatusNotFound},
		{"invalid", ErrInvalidNotification, fiber.StatusBadRequest},
		{"rate limited", ErrRateLimited, fiber.StatusTooManyRequests},
		{"store", ErrStoreUnavailable, fiber.StatusServiceUnavailable},
		{"fiber error", fiber.NewError(fiber.StatusConflict, "x"), fiber.StatusConflict},
		{"other", errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}
