package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/metrics"
	"github.com/fathima-sithara/notify-service/internal/model"
)

// Publisher is the notification service as seen by the consumer.
type Publisher interface {
	Publish(ctx context.Context, in *model.NewNotification) (*model.Notification, error)
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Handler turns one business event into a stored notification. Events
// that can never succeed, or still fail after the retries, are written
// to the dead letter topic.
type Handler struct {
	publisher    Publisher
	dlqWriter    MessageWriter
	maxRetries   int
	retryBackoff time.Duration
	metrics      *metrics.Metrics
	logger       *zap.SugaredLogger
}

func NewHandler(p Publisher, dlqWriter MessageWriter, maxRetries int, retryBackoff time.Duration, m *metrics.Metrics, logger *zap.SugaredLogger) *Handler {
	if retryBackoff <= 0 {
		retryBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		publisher: p, dlqWriter: dlqWriter,
		maxRetries: maxRetries, retryBackoff: retryBackoff,
		metrics: m, logger: logger,
	}
}

// HandleEvent returns nil once the event is stored, was a duplicate, or
// has been dead-lettered. An error means the offset must not be committed.
func (h *Handler) HandleEvent(ctx context.Context, msg kafkago.Message) error {
	var in model.NewNotification
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		h.logger.Errorw("invalid event", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		return h.pushToDLQ(ctx, msg, fmt.Errorf("%w: %v", errs.ErrInvalidNotification, err))
	}
	if in.IdempotencyKey == "" && len(msg.Key) > 0 {
		in.IdempotencyKey = string(msg.Key)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.retryBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(h.maxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		_, err := h.publisher.Publish(ctx, &in)
		switch {
		case err == nil, errors.Is(err, errs.ErrDuplicate):
			return nil
		case errors.Is(err, errs.ErrInvalidNotification):
			return backoff.Permanent(err)
		default:
			h.logger.Warnw("publish attempt failed", "attempt", attempt, "offset", msg.Offset, "err", err)
			return err
		}
	}, policy)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return h.pushToDLQ(ctx, msg, err)
}

func (h *Handler) pushToDLQ(ctx context.Context, msg kafkago.Message, cause error) error {
	if h.dlqWriter == nil {
		h.logger.Errorw("unhandled event and no dlq configured", "offset", msg.Offset, "err", cause)
		return fmt.Errorf("no dead letter topic configured: %w", cause)
	}
	out := kafkago.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now(),
		Headers: []kafkago.Header{
			{Key: "x-error", Value: []byte(cause.Error())},
			{Key: "x-source-topic", Value: []byte(msg.Topic)},
			{Key: "x-source-offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		},
	}
	if err := h.dlqWriter.WriteMessages(ctx, out); err != nil {
		h.logger.Errorw("dlq push failed", "offset", msg.Offset, "err", err)
		return fmt.Errorf("dlq write: %w", err)
	}
	h.metrics.DeadLettered()
	h.logger.Warnw("event dead-lettered", "offset", msg.Offset, "err", cause)
	return nil
}
