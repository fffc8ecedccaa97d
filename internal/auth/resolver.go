package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fathima-sithara/notify-service/internal/errs"
	"github.com/fathima-sithara/notify-service/internal/model"
)

// Resolver turns verified claims into the recipient key every other
// component addresses by. It never falls back to a default identity.
type Resolver struct {
	RoleClaim  string
	IDClaim    string
	RolePrefix string
}

func NewResolver(roleClaim, idClaim, rolePrefix string) *Resolver {
	if roleClaim == "" {
		roleClaim = "role"
	}
	if idClaim == "" {
		idClaim = "id"
	}
	return &Resolver{RoleClaim: roleClaim, IDClaim: idClaim, RolePrefix: rolePrefix}
}

func (r *Resolver) Resolve(claims jwt.MapClaims) (model.Recipient, error) {
	role, err := r.role(claims)
	if err != nil {
		return model.Recipient{}, err
	}
	id, err := r.id(claims)
	if err != nil {
		return model.Recipient{}, err
	}
	return model.Recipient{Type: role, ID: id}, nil
}

func (r *Resolver) role(claims jwt.MapClaims) (model.UserType, error) {
	raw, ok := claims[r.RoleClaim]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: %q claim missing", errs.ErrIdentity, r.RoleClaim)
	}
	var candidates []string
	switch v := raw.(type) {
	case string:
		candidates = []string{v}
	case []string:
		candidates = v
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok {
				candidates = append(candidates, s)
			}
		}
	default:
		return "", fmt.Errorf("%w: %q claim has type %T", errs.ErrIdentity, r.RoleClaim, raw)
	}

	// A list is accepted only if exactly one entry names a known type.
	var found model.UserType
	for _, c := range candidates {
		t, err := r.parseRole(c)
		if err != nil {
			continue
		}
		if found != "" && found != t {
			return "", fmt.Errorf("%w: ambiguous roles %v", errs.ErrIdentity, candidates)
		}
		found = t
	}
	if found == "" {
		return "", fmt.Errorf("%w: no known role in %v", errs.ErrIdentity, candidates)
	}
	return found, nil
}

func (r *Resolver) parseRole(s string) (model.UserType, error) {
	s = strings.TrimSpace(s)
	if r.RolePrefix != "" && len(s) >= len(r.RolePrefix) && strings.EqualFold(s[:len(r.RolePrefix)], r.RolePrefix) {
		s = s[len(r.RolePrefix):]
	}
	return model.ParseUserType(s)
}

func (r *Resolver) id(claims jwt.MapClaims) (int64, error) {
	raw, ok := claims[r.IDClaim]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%w: %q claim missing", errs.ErrIdentity, r.IDClaim)
	}
	var id int64
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) || v >= math.MaxInt64 {
			return 0, fmt.Errorf("%w: %q is not an integer", errs.ErrIdentity, r.IDClaim)
		}
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", errs.ErrIdentity, r.IDClaim)
		}
		id = n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", errs.ErrIdentity, r.IDClaim)
		}
		id = n
	default:
		return 0, fmt.Errorf("%w: %q claim has type %T", errs.ErrIdentity, r.IDClaim, raw)
	}
	if id <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", errs.ErrIdentity, r.IDClaim)
	}
	return id, nil
}
