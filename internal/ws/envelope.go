package ws

import (
	"encoding/json"

	"github.com/fathima-sithara/notify-service/internal/model"
)

// Frame types. The first group is sent by the server, the second by
// clients; "heartbeat" flows both ways.
const (
	FrameConnected    = "connected"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameNotification = "notification"
	FrameError        = "error"
	FrameHeartbeat    = "heartbeat"

	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameDisconnect  = "disconnect"
)

// Envelope is the wire format of every websocket frame.
type Envelope struct {
	Type         string          `json:"type"`
	Destination  string          `json:"destination,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Message      string          `json:"message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

// NotificationFrame encodes a record for one destination.
func NotificationFrame(destination string, n *model.Notification) ([]byte, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: FrameNotification, Destination: destination, Payload: payload})
}

func errorFrame(msg string) []byte {
	return mustJSON(Envelope{Type: FrameError, Message: msg})
}

var heartbeatFrame = mustJSON(Envelope{Type: FrameHeartbeat})
