package model

import (
	"fmt"
	"strings"

	"github.com/fathima-sithara/notify-service/internal/errs"
)

// UserType is the recipient class. The canonical form is lower case
// ("customer"); records carry it upper case on the wire.
type UserType string

const (
	Customer UserType = "customer"
	Provider UserType = "provider"
	Admin    UserType = "admin"
)

var userTypes = map[UserType]struct{}{
	Customer: {},
	Provider: {},
	Admin:    {},
}

// ParseUserType accepts "customer", "CUSTOMER" and "ROLE_CUSTOMER".
func ParseUserType(s string) (UserType, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 5 && strings.EqualFold(s[:5], "ROLE_") {
		s = s[5:]
	}
	t := UserType(strings.ToLower(s))
	if _, ok := userTypes[t]; !ok {
		return "", fmt.Errorf("%w: unknown user type %q", errs.ErrIdentity, s)
	}
	return t, nil
}

func (t UserType) Valid() bool {
	_, ok := userTypes[t]
	return ok
}

func (t UserType) String() string { return string(t) }

func (t UserType) MarshalText() ([]byte, error) {
	return []byte(strings.ToUpper(string(t))), nil
}

func (t *UserType) UnmarshalText(b []byte) error {
	v, err := ParseUserType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Recipient identifies who a notification is addressed to.
type Recipient struct {
	Type UserType `json:"userType"`
	ID   int64    `json:"userId"`
}

func (r Recipient) Key() string {
	return fmt.Sprintf("%s-%d", r.Type, r.ID)
}

func (r Recipient) String() string { return r.Key() }

func (r Recipient) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown user type %q", errs.ErrIdentity, r.Type)
	}
	if r.ID <= 0 {
		return fmt.Errorf("%w: user id must be positive", errs.ErrIdentity)
	}
	return nil
}
