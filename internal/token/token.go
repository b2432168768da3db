// Package token issues and resolves the rotating scan credentials of a session.
//
// Tokens are append-only: issuing a new one supersedes the previous without
// deleting it, so the full rotation history stays available for audit.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/model"
)

// Verdict classifies a presented token.
type Verdict string

const (
	Valid      Verdict = "valid"
	Expired    Verdict = "token_expired"
	Mismatch   Verdict = "token_mismatch"
	Superseded Verdict = "token_superseded"
)

const valueBytes = 20

// Store is the persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	AppendToken(ctx context.Context, tok model.Token) (model.Token, error)
	LatestToken(ctx context.Context, sessionID string) (model.Token, error)
	FindToken(ctx context.Context, sessionID, value string) (model.Token, error)
	ListTokens(ctx context.Context, sessionID string) ([]model.Token, error)
}

// Manager issues and resolves tokens.
type Manager struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over store.
func NewManager(store Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{store: store, log: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsValid reports whether tok is unexpired at now. The expiry instant itself is valid.
func IsValid(tok model.Token, now time.Time) bool {
	return !now.After(tok.ExpiresAt)
}

// Issue creates the session's new current token with expiry now+ttl.
func (m *Manager) Issue(ctx context.Context, sessionID string, ttl time.Duration) (model.Token, error) {
	if ttl <= 0 {
		return model.Token{}, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Token{}, fmt.Errorf("issue token: %w", err)
	}
	if !sess.IsActive {
		return model.Token{}, model.ErrSessionClosed
	}
	value, err := newValue()
	if err != nil {
		return model.Token{}, err
	}
	now := m.now().UTC()
	tok, err := m.store.AppendToken(ctx, model.Token{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return model.Token{}, fmt.Errorf("issue token: %w", err)
	}
	m.log.Info("token issued",
		zap.String("session_id", sessionID),
		zap.String("token_id", tok.ID),
		zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// Current returns the latest token if it has not expired, else model.ErrNotFound.
func (m *Manager) Current(ctx context.Context, sessionID string) (model.Token, error) {
	tok, err := m.store.LatestToken(ctx, sessionID)
	if err != nil {
		return model.Token{}, err
	}
	if !IsValid(tok, m.now()) {
		return model.Token{}, model.ErrNotFound
	}
	return tok, nil
}

// Resolve classifies value presented for sessionID at instant at. Only the
// latest token can be Valid; any older token of the session is Superseded
// regardless of its own expiry. Unknown values are a Mismatch.
func (m *Manager) Resolve(ctx context.Context, sessionID, value string, at time.Time) (model.Token, Verdict, error) {
	if value == "" {
		return model.Token{}, Mismatch, nil
	}
	latest, err := m.store.LatestToken(ctx, sessionID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Token{}, Mismatch, nil
	}
	if err != nil {
		return model.Token{}, "", err
	}
	if latest.Value == value {
		if IsValid(latest, at) {
			return latest, Valid, nil
		}
		return latest, Expired, nil
	}
	older, err := m.store.FindToken(ctx, sessionID, value)
	if errors.Is(err, model.ErrNotFound) {
		return model.Token{}, Mismatch, nil
	}
	if err != nil {
		return model.Token{}, "", err
	}
	return older, Superseded, nil
}

// History returns every token issued for the session, newest first.
func (m *Manager) History(ctx context.Context, sessionID string) ([]model.Token, error) {
	return m.store.ListTokens(ctx, sessionID)
}

func newValue() (string, error) {
	buf := make([]byte, valueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
