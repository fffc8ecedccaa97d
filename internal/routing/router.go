package routing

import (
	"github.com/fathima-sithara/notify-service/internal/model"
)

// ResolveDestinations returns the live addresses a record is pushed to:
// the recipient's personal address first, then the role topic for
// broadcast-class types. It performs no I/O.
func ResolveDestinations(n *model.Notification) []Address {
	out := []Address{Personal(n.Recipient())}
	if n.Type().IsBroadcast() {
		out = append(out, Broadcast(n.RecipientType))
	}
	return out
}

// CanSubscribe decides whether an identity may listen on addr. Everyone
// may use their own personal address and their own role topic; admins may
// additionally watch any role topic.
func CanSubscribe(id model.Recipient, addr Address) bool {
	switch addr.Kind() {
	case KindPersonal:
		r, _ := addr.Recipient()
		return r == id
	case KindBroadcast:
		return addr.UserType() == id.Type || id.Type == model.Admin
	default:
		return false
	}
}
