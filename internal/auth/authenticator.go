package auth

import (
	"github.com/fathima-sithara/notify-service/internal/model"
)

// Authenticator verifies a raw token and resolves the caller identity.
type Authenticator struct {
	Validator *JWTValidator
	Resolver  *Resolver
}

func NewAuthenticator(v *JWTValidator, r *Resolver) *Authenticator {
	if r == nil {
		r = NewResolver("", "", "")
	}
	return &Authenticator{Validator: v, Resolver: r}
}

func (a *Authenticator) Authenticate(token string) (model.Recipient, error) {
	claims, err := a.Validator.Validate(token)
	if err != nil {
		return model.Recipient{}, err
	}
	return a.Resolver.Resolve(claims)
}
