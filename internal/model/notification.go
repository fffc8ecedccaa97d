package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fathima-sithara/notify-service/internal/errs"
)

type NotificationType string

const (
	BookingStatusChange NotificationType = "BOOKING_STATUS_CHANGE"
	NewBooking          NotificationType = "NEW_BOOKING"
	NewService          NotificationType = "NEW_SERVICE"
	LoyaltyPoints       NotificationType = "LOYALTY_POINTS"
	ReviewReceived      NotificationType = "REVIEW_RECEIVED"
	SystemAnnouncement  NotificationType = "SYSTEM_ANNOUNCEMENT"
)

// IsBroadcast reports whether records of this type also go to the
// recipient's role topic.
func (t NotificationType) IsBroadcast() bool {
	return t == NewService || t == SystemAnnouncement
}

// Notification is both the stored record and the wire push payload.
type Notification struct {
	ID             int64          `json:"id" bson:"_id"`
	RecipientType  UserType       `json:"recipientType" bson:"recipient_type"`
	RecipientID    int64          `json:"recipientId" bson:"recipient_id"`
	Title          string         `json:"title" bson:"title"`
	Message        string         `json:"message" bson:"message"`
	Data           map[string]any `json:"data" bson:"data"`
	Read           bool           `json:"read" bson:"read"`
	CreatedAt      time.Time      `json:"createdAt" bson:"created_at"`
	IdempotencyKey string         `json:"-" bson:"idempotency_key,omitempty"`
}

func (n *Notification) Recipient() Recipient {
	return Recipient{Type: n.RecipientType, ID: n.RecipientID}
}

// Type returns data.type, or "" when absent.
func (n *Notification) Type() NotificationType {
	s, _ := n.Data["type"].(string)
	return NotificationType(s)
}

// Clone returns a copy that shares nothing mutable with n.
func (n *Notification) Clone() *Notification {
	c := *n
	if n.Data != nil {
		c.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// NewNotification is what producers submit, over HTTP or Kafka.
type NewNotification struct {
	RecipientType  UserType       `json:"recipientType"`
	RecipientID    int64          `json:"recipientId"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

func (in *NewNotification) Recipient() Recipient {
	return Recipient{Type: in.RecipientType, ID: in.RecipientID}
}

func (in *NewNotification) Validate() error {
	if err := in.Recipient().Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidNotification, err)
	}
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", errs.ErrInvalidNotification)
	}
	typ, ok := in.Data["type"].(string)
	if !ok || strings.TrimSpace(typ) == "" {
		return fmt.Errorf("%w: data.type is required", errs.ErrInvalidNotification)
	}
	switch NotificationType(typ) {
	case BookingStatusChange, NewBooking:
		if _, ok := numericField(in.Data["bookingId"]); !ok {
			return fmt.Errorf("%w: %s requires a numeric data.bookingId", errs.ErrInvalidNotification, typ)
		}
	case LoyaltyPoints:
		if _, ok := numericField(in.Data["points"]); !ok {
			return fmt.Errorf("%w: %s requires a numeric data.points", errs.ErrInvalidNotification, typ)
		}
	}
	return nil
}

// Record builds the unsaved record; the store fills ID and CreatedAt.
func (in *NewNotification) Record() *Notification {
	data := make(map[string]any, len(in.Data))
	for k, v := range in.Data {
		data[k] = v
	}
	return &Notification{
		RecipientType:  in.RecipientType,
		RecipientID:    in.RecipientID,
		Title:          in.Title,
		Message:        in.Message,
		Data:           data,
		IdempotencyKey: in.IdempotencyKey,
	}
}

func numericField(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x != float64(int64(x)) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		i, err := x.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
