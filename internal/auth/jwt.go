package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"classattend/internal/model"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidActor = errors.New("token does not carry a valid actor")
)

// Claims represents JWT payload.
type Claims struct {
	Kind model.ActorKind `json:"kind"`
	jwt.RegisteredClaims
}

// Actor returns the principal carried by the token.
func (c Claims) Actor() model.Actor {
	return model.Actor{Kind: c.Kind, ID: c.Subject}
}

// Signer issues and verifies HS256 tokens for one issuer.
type Signer struct {
	Key    []byte
	Issuer string
	TTL    time.Duration
	now    func() time.Time
}

func NewSigner(key, issuer string, ttl time.Duration) *Signer {
	return &Signer{Key: []byte(key), Issuer: issuer, TTL: ttl, now: time.Now}
}

// Issue signs an access token for actor.
func (s *Signer) Issue(actor model.Actor) (string, time.Time, error) {
	if !actor.Valid() {
		return "", time.Time{}, ErrInvalidActor
	}
	now := s.now()
	exp := now.Add(s.TTL)
	claims := Claims{
		Kind: actor.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   actor.ID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse validates a token and returns the actor it carries.
func (s *Signer) Parse(tokenStr string) (model.Actor, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.Key, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return model.Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return model.Actor{}, ErrInvalidToken
	}
	if s.Issuer != "" && claims.Issuer != s.Issuer {
		return model.Actor{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	actor := claims.Actor()
	if !actor.Valid() {
		return model.Actor{}, ErrInvalidActor
	}
	return actor, nil
}
