package service

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/dispatch"
	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/metrics"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/repository"
	"github.com/fathima-sithara/notify-service/internal/routing"
)

type Dispatcher interface {
	Dispatch(n *model.Notification, addrs []routing.Address) dispatch.Report
}

// NotificationService stores notifications and then pushes them live.
// Append and the push enqueue for an address happen under that
// address's stripe lock, so subscribers see records in store order.
type NotificationService struct {
	store      repository.Store
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.SugaredLogger
	stripes    []sync.Mutex
}

func NewNotificationService(store repository.Store, d Dispatcher, m *metrics.Metrics, logger *zap.SugaredLogger, stripes int) *NotificationService {
	if stripes <= 0 {
		stripes = 64
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NotificationService{
		store:      store,
		dispatcher: d,
		metrics:    m,
		logger:     logger,
		stripes:    make([]sync.Mutex, stripes),
	}
}

func (s *NotificationService) stripe(addr routing.Address) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(addr.String()))
	return int(f.Sum32() % uint32(len(s.stripes)))
}

// lock takes the stripes of addrs in index order and returns the unlock.
func (s *NotificationService) lock(addrs []routing.Address) func() {
	idx := make([]int, 0, len(addrs))
	seen := make(map[int]bool, len(addrs))
	for _, a := range addrs {
		if i := s.stripe(a); !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].Unlock()
		}
	}
}

// Publish validates, appends and dispatches one notification. A
// duplicate idempotency key returns the earlier record with
// errs.ErrDuplicate and pushes nothing. Store failures are returned
// and nothing is pushed.
func (s *NotificationService) Publish(ctx context.Context, in *model.NewNotification) (*model.Notification, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	rec := in.Record()
	addrs := routing.ResolveDestinations(rec)

	unlock := s.lock(addrs)
	defer unlock()

	stored, err := s.store.Append(ctx, rec)
	if errors.Is(err, errs.ErrDuplicate) {
		s.metrics.Append("duplicate")
		s.logger.Infow("duplicate notification", "id", stored.ID, "recipient", rec.Recipient().String())
		return stored, err
	}
	if err != nil {
		s.metrics.Append("failed")
		return nil, err
	}
	s.metrics.Append("stored")

	rep := s.dispatcher.Dispatch(stored, addrs)
	s.logger.Debugw("notification published",
		"id", stored.ID,
		"type", string(stored.Type()),
		"recipient", rec.Recipient().String(),
		"delivered", rep.Delivered,
		"failed", rep.Failed,
	)
	return stored, nil
}

func (s *NotificationService) List(ctx context.Context, r model.Recipient) ([]*model.Notification, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, r)
}

func (s *NotificationService) UnreadCount(ctx context.Context, r model.Recipient) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, r)
}

func (s *NotificationService) MarkRead(ctx context.Context, r model.Recipient, id int64) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.store.MarkRead(ctx, r, id)
}

func (s *NotificationService) MarkAllRead(ctx context.Context, r model.Recipient) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	return s.store.MarkAllRead(ctx, r)
}

func (s *NotificationService) Delete(ctx context.Context, r model.Recipient, id int64) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.store.Delete(ctx, r, id)
}

func (s *NotificationService) DeleteAll(ctx context.Context, r model.Recipient) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	return s.store.DeleteAll(ctx, r)
}

func (s *NotificationService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
