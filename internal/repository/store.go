package repository

import (
	"context"

	"github.com/fathima-sithara/notify-service/internal/model"
)

// Store is the durable per-recipient notification log. Every read and
// mutation except Append is scoped to a recipient; ids that exist but
// belong to someone else are reported as errs.ErrNotFound.
type Store interface {
	// Append assigns ID and CreatedAt and returns the stored copy. When the
	// record carries an idempotency key the recipient already used, the
	// earlier record is returned together with errs.ErrDuplicate.
	Append(ctx context.Context, n *model.Notification) (*model.Notification, error)
	// List returns the recipient's records newest first.
	List(ctx context.Context, r model.Recipient) ([]*model.Notification, error)
	UnreadCount(ctx context.Context, r model.Recipient) (int64, error)
	MarkRead(ctx context.Context, r model.Recipient, id int64) error
	MarkAllRead(ctx context.Context, r model.Recipient) (int64, error)
	Delete(ctx context.Context, r model.Recipient, id int64) error
	DeleteAll(ctx context.Context, r model.Recipient) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
