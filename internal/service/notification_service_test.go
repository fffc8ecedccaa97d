package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/notify-service/internal/dispatch"
	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/repository"
	"github.com/fathima-sithara/notify-service/internal/routing"
)

type pushed struct {
	id   int64
	addr routing.Address
}

type recordingDispatcher struct {
	mu     sync.Mutex
	pushes []pushed
}

func (d *recordingDispatcher) Dispatch(n *model.Notification, addrs []routing.Address) dispatch.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range addrs {
		d.pushes = append(d.pushes, pushed{id: n.ID, addr: a})
	}
	return dispatch.Report{Addresses: len(addrs), Delivered: len(addrs)}
}

func (d *recordingDispatcher) idsFor(a routing.Address) []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int64
	for _, p := range d.pushes {
		if p.addr == a {
			out = append(out, p.id)
		}
	}
	return out
}

// brokenStore fails every append as if the backend were down.
type brokenStore struct {
	repository.Store
}

func (brokenStore) Append(context.Context, *model.Notification) (*model.Notification, error) {
	return nil, errs.ErrStoreUnavailable
}

var (
	alice = model.Recipient{Type: model.Customer, ID: 42}
	bob   = model.Recipient{Type: model.Customer, ID: 43}
)

func booking(r model.Recipient, title string) *model.NewNotification {
	return &model.NewNotification{
		RecipientType: r.Type,
		RecipientID:   r.ID,
		Title:         title,
		Message:       "status changed",
		Data:          map[string]any{"type": "BOOKING_STATUS_CHANGE", "bookingId": 1001, "status": "CONFIRMED"},
	}
}

func TestPublishStoresThenPushes(t *testing.T) {
	d := &recordingDispatcher{}
	svc := NewNotificationService(repository.NewMemoryStore(), d, nil, nil, 8)
	ctx := context.Background()

	n, err := svc.Publish(ctx, booking(alice, "Booking confirmed"))
	require.NoError(t, err)
	assert.NotZero(t, n.ID)
	assert.False(t, n.Read)

	list, err := svc.List(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, n.ID, list[0].ID)
	assert.Equal(t, []int64{n.ID}, d.idsFor(routing.Personal(alice)))

	count, err := svc.UnreadCount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPublishBroadcastAlsoTargetsTopic(t *testing.T) {
	d := &recordingDispatcher{}
	svc := NewNotificationService(repository.NewMemoryStore(), d, nil, nil, 8)

	n, err := svc.Publish(context.Background(), &model.NewNotification{
		RecipientType: model.Customer,
		RecipientID:   42,
		Title:         "New service",
		Data:          map[string]any{"type": "NEW_SERVICE", "serviceId": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{n.ID}, d.idsFor(routing.Personal(alice)))
	assert.Equal(t, []int64{n.ID}, d.idsFor(routing.Broadcast(model.Customer)))
}

func TestPublishStoreFailureSkipsPush(t *testing.T) {
	d := &recordingDispatcher{}
	svc := NewNotificationService(brokenStore{}, d, nil, nil, 8)

	_, err := svc.Publish(context.Background(), booking(alice, "x"))
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
	assert.Empty(t, d.pushes)
}

func TestPublishInvalid(t *testing.T) {
	d := &recordingDispatcher{}
	store := repository.NewMemoryStore()
	svc := NewNotificationService(store, d, nil, nil, 8)

	in := booking(alice, "x")
	delete(in.Data, "bookingId")
	_, err := svc.Publish(context.Background(), in)
	assert.ErrorIs(t, err, errs.ErrInvalidNotification)

	list, err := store.List(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, d.pushes)
}

func TestPublishDuplicateKey(t *testing.T) {
	d := &recordingDispatcher{}
	svc := NewNotificationService(repository.NewMemoryStore(), d, nil, nil, 8)
	ctx := context.Background()

	in := booking(alice, "Booking confirmed")
	in.IdempotencyKey = "evt-1"
	first, err := svc.Publish(ctx, in)
	require.NoError(t, err)

	again, err := svc.Publish(ctx, in)
	assert.ErrorIs(t, err, errs.ErrDuplicate)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, d.idsFor(routing.Personal(alice)), 1)
}

func TestPublishOrderingPerAddress(t *testing.T) {
	d := &recordingDispatcher{}
	svc := NewNotificationService(repository.NewMemoryStore(), d, nil, nil, 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				r := alice
				if i%2 == 1 {
					r = bob
				}
				_, err := svc.Publish(ctx, booking(r, fmt.Sprintf("w%d-%d", w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	for _, r := range []model.Recipient{alice, bob} {
		ids := d.idsFor(routing.Personal(r))
		require.NotEmpty(t, ids)
		for i := 1; i < len(ids); i++ {
			assert.Less(t, ids[i-1], ids[i], "pushes for %s out of store order", r)
		}
	}
}

func TestTenantIsolation(t *testing.T) {
	svc := NewNotificationService(repository.NewMemoryStore(), &recordingDispatcher{}, nil, nil, 8)
	ctx := context.Background()

	n, err := svc.Publish(ctx, booking(alice, "mine"))
	require.NoError(t, err)

	assert.ErrorIs(t, svc.MarkRead(ctx, bob, n.ID), errs.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, bob, n.ID), errs.ErrNotFound)
	deleted, err := svc.DeleteAll(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	require.NoError(t, svc.MarkRead(ctx, alice, n.ID))
	count, err := svc.UnreadCount(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, count)

	marked, err := svc.MarkAllRead(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, marked)

	require.NoError(t, svc.Delete(ctx, alice, n.ID))
	list, err := svc.List(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = svc.List(ctx, model.Recipient{Type: model.Customer})
	assert.ErrorIs(t, err, errs.ErrIdentity)
}
