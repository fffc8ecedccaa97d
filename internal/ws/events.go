package ws

import (
	"time"

	"github.com/fathima-sithara/notify-service/internal/model"
	"github.com/fathima-sithara/notify-service/internal/routing"
)

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventSubscribed
	EventUnsubscribed
	EventHeartbeat
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventSubscribed:
		return "subscribed"
	case EventUnsubscribed:
		return "unsubscribed"
	case EventHeartbeat:
		return "heartbeat"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Disconnect reasons.
const (
	ReasonClosed           = "transport closed"
	ReasonClientRequest    = "client disconnect"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonSlowConsumer     = "slow consumer"
	ReasonWriteFailed      = "write failed"
	ReasonShutdown         = "server shutdown"
)

// Event reports a connection lifecycle change. Address is set for
// subscription events, Reason for disconnects.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Identity     model.Recipient
	Address      routing.Address
	Reason       string
	At           time.Time
}
