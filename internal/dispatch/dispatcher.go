package dispatch

import (
	"errors"

	"go.uber.org/zap"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/metrics"
	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/routing"
	"github.com/fathima-sithara/notify-service/internal/ws"
)

// Registry is the part of the hub the dispatcher reads.
type Registry interface {
	Subscribers(addr routing.Address) []ws.Subscriber
}

// Report summarises one fan-out. Failed counts pushes that did not
// reach a send buffer; they are never retried.
type Report struct {
	Addresses int
	Delivered int
	Failed    int
}

type Dispatcher struct {
	registry Registry
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

func New(r Registry, m *metrics.Metrics, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{registry: r, metrics: m, logger: logger}
}

// Dispatch pushes n to every connection subscribed to one of addrs.
// Offline recipients are not an error.
func (d *Dispatcher) Dispatch(n *model.Notification, addrs []routing.Address) Report {
	rep := Report{Addresses: len(addrs)}
	for _, addr := range addrs {
		subs := d.registry.Subscribers(addr)
		if len(subs) == 0 {
			continue
		}
		dest := addr.String()
		frame, err := ws.NotificationFrame(dest, n)
		if err != nil {
			d.logger.Errorw("encode notification", "id", n.ID, "destination", dest, "err", err)
			rep.Failed += len(subs)
			d.metrics.Push("failed")
			continue
		}
		for _, s := range subs {
			if err := s.Push(frame); err != nil {
				rep.Failed++
				d.metrics.Push(result(err))
				d.logger.Warnw("push failed", "id", n.ID, "destination", dest, "conn", s.ID(), "err", err)
				continue
			}
			rep.Delivered++
			d.metrics.Push("delivered")
		}
	}
	return rep
}

func result(err error) string {
	switch {
	case errors.Is(err, errs.ErrBackpressure):
		return "backpressure"
	case errors.Is(err, errs.ErrConnectionLost):
		return "connection_lost"
	default:
		return "failed"
	}
}
