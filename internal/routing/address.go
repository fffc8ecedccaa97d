package routing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fathima-sithara/notify-service/internal/model"
)

type Kind uint8

const (
	KindPersonal Kind = iota + 1
	KindBroadcast
)

// Address is a live-delivery destination: either one recipient's personal
// channel or the broadcast topic of a user type. It is comparable and is
// used directly as a map key; the string form only exists on the wire.
type Address struct {
	kind     Kind
	userType model.UserType
	userID   int64
}

func Personal(r model.Recipient) Address {
	return Address{kind: KindPersonal, userType: r.Type, userID: r.ID}
}

func Broadcast(t model.UserType) Address {
	return Address{kind: KindBroadcast, userType: t}
}

func (a Address) Kind() Kind               { return a.kind }
func (a Address) UserType() model.UserType { return a.userType }
func (a Address) IsZero() bool             { return a.kind == 0 }

// Recipient is only meaningful for personal addresses.
func (a Address) Recipient() (model.Recipient, bool) {
	if a.kind != KindPersonal {
		return model.Recipient{}, false
	}
	return model.Recipient{Type: a.userType, ID: a.userID}, true
}

func (a Address) String() string {
	switch a.kind {
	case KindPersonal:
		return fmt.Sprintf("%s-%d", a.userType, a.userID)
	case KindBroadcast:
		return "topic:" + string(a.userType)
	default:
		return ""
	}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAddress reads "customer-42" or "topic:customer". The user-type
// portion is case-insensitive.
func ParseAddress(s string) (Address, error) {
	if rest, ok := strings.CutPrefix(s, "topic:"); ok {
		t, err := model.ParseUserType(rest)
		if err != nil {
			return Address{}, fmt.Errorf("parse address %q: %w", s, err)
		}
		return Broadcast(t), nil
	}
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("parse address %q: missing id", s)
	}
	t, err := model.ParseUserType(s[:i])
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return Address{}, fmt.Errorf("parse address %q: bad id", s)
	}
	return Personal(model.Recipient{Type: t, ID: id}), nil
}
