package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
)

type GuardConfig struct {
	Timeout     time.Duration
	MaxFailures int
	OpenTimeout time.Duration
}

// GuardedStore bounds every call with a timeout and trips a circuit
// breaker after repeated unavailability, so callers get a fast
// errs.ErrStoreUnavailable instead of piling up on a dead backend.
// Mutations run detached from the caller's cancellation: once issued they
// complete even if the requesting connection goes away.
type GuardedStore struct {
	inner   Store
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewGuardedStore(inner Store, cfg GuardConfig, logger *zap.SugaredLogger) *GuardedStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	st := gobreaker.Settings{
		Name:        "notification-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, errs.ErrStoreUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnw("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &GuardedStore{
		inner:   inner,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker(st),
		logger:  logger,
	}
}

func (g *GuardedStore) State() gobreaker.State { return g.cb.State() }

func (g *GuardedStore) do(ctx context.Context, op string, detach bool, fn func(ctx context.Context) error) error {
	if detach {
		ctx = context.WithoutCancel(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, classify(ctx, fn(ctx))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %v", op, errs.ErrStoreUnavailable, err)
	}
	return err
}

// classify maps deadline expiry onto ErrStoreUnavailable. Domain errors
// pass through untouched.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{errs.ErrNotFound, errs.ErrDuplicate, errs.ErrInvalidNotification, errs.ErrStoreUnavailable} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return err
}

func (g *GuardedStore) Append(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	var out *model.Notification
	err := g.do(ctx, "append", true, func(ctx context.Context) error {
		var err error
		out, err = g.inner.Append(ctx, n)
		return err
	})
	return out, err
}

func (g *GuardedStore) List(ctx context.Context, r model.Recipient) ([]*model.Notification, error) {
	var out []*model.Notification
	err := g.do(ctx, "list", false, func(ctx context.Context) error {
		var err error
		out, err = g.inner.List(ctx, r)
		return err
	})
	return out, err
}

func (g *GuardedStore) UnreadCount(ctx context.Context, r model.Recipient) (int64, error) {
	var n int64
	err := g.do(ctx, "unread count", false, func(ctx context.Context) error {
		var err error
		n, err = g.inner.UnreadCount(ctx, r)
		return err
	})
	return n, err
}

func (g *GuardedStore) MarkRead(ctx context.Context, r model.Recipient, id int64) error {
	return g.do(ctx, "mark read", true, func(ctx context.Context) error {
		return g.inner.MarkRead(ctx, r, id)
	})
}

func (g *GuardedStore) MarkAllRead(ctx context.Context, r model.Recipient) (int64, error) {
	var n int64
	err := g.do(ctx, "mark all read", true, func(ctx context.Context) error {
		var err error
		n, err = g.inner.MarkAllRead(ctx, r)
		return err
	})
	return n, err
}

func (g *GuardedStore) Delete(ctx context.Context, r model.Recipient, id int64) error {
	return g.do(ctx, "delete", true, func(ctx context.Context) error {
		return g.inner.Delete(ctx, r, id)
	})
}

func (g *GuardedStore) DeleteAll(ctx context.Context, r model.Recipient) (int64, error) {
	var n int64
	err := g.do(ctx, "delete all", true, func(ctx context.Context) error {
		var err error
		n, err = g.inner.DeleteAll(ctx, r)
		return err
	})
	return n, err
}

func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.do(ctx, "ping", false, func(ctx context.Context) error {
		if err := g.inner.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
		}
		return nil
	})
}

func (g *GuardedStore) Close() error { return g.inner.Close() }
