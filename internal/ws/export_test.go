package ws

import "github.com/fathima-sithara/notify-service/internal/model"

// NewSilentConnection returns a connection on an in-memory socket whose
// client never writes.
func NewSilentConnection(h *Hub, identity model.Recipient) *Connection {
	return h.NewConnection(newFakeConn(), identity)
}
