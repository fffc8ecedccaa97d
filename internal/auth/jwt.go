package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fathima-sithara/notify-service/internal/errs"
)

// JWTValidator verifies tokens issued by the auth service. Only one
// algorithm is accepted per process, chosen at startup.
type JWTValidator struct {
	method    jwt.SigningMethod
	hsSecret  []byte
	publicKey *rsa.PublicKey
}

func NewJWTValidatorHS256(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("jwt: empty HS256 secret")
	}
	return &JWTValidator{method: jwt.SigningMethodHS256, hsSecret: []byte(secret)}, nil
}

// NewJWTValidatorRS256 loads a PEM encoded RSA public key from disk.
func NewJWTValidatorRS256(pubPath string) (*JWTValidator, error) {
	b, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &JWTValidator{method: jwt.SigningMethodRS256, publicKey: pub}, nil
}

// Validate checks signature and expiry and returns the claims.
func (j *JWTValidator) Validate(tokenStr string) (jwt.MapClaims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: empty token", errs.ErrUnauthorized)
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, j.keyFunc, jwt.WithValidMethods([]string{j.method.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	return claims, nil
}

func (j *JWTValidator) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != j.method.Alg() {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	if j.publicKey != nil {
		return j.publicKey, nil
	}
	return j.hsSecret, nil
}

// ParseUnverified reads claims without checking the signature. Clients use
// it to learn their own identity from a token they were handed.
func ParseUnverified(tokenStr string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	return claims, nil
}

func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: authorization header empty", errs.ErrUnauthorized)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", errs.ErrUnauthorized)
	}
	return strings.TrimSpace(parts[1]), nil
}
