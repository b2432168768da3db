// Package session creates and closes class meetings.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/model"
)

// Store is the persistence the service needs.
type Store interface {
	CreateSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, id string) (model.Session, error)
	SetSessionActive(ctx context.Context, id string, active bool) error
}

// CreateInput describes a new meeting.
type CreateInput struct {
	CourseID      string          `json:"course_id"`
	MeetingNumber int             `json:"meeting_number"`
	StartAt       time.Time       `json:"start_at"`
	EndAt         time.Time       `json:"end_at"`
	Geofence      *model.Geofence `json:"geofence,omitempty"`
}

// Service manages sessions.
type Service struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a service backed by store.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, log: logger, now: time.Now}
}

// Create opens a new session. Only instructors and admins may create one.
func (s *Service) Create(ctx context.Context, actor model.Actor, in CreateInput) (model.Session, error) {
	if !actor.CanVerify() {
		s.log.Warn("session create denied", zap.String("actor_kind", string(actor.Kind)), zap.String("actor_id", actor.ID))
		return model.Session{}, model.ErrForbidden
	}
	if err := in.validate(); err != nil {
		return model.Session{}, err
	}
	sess := model.Session{
		ID:            uuid.NewString(),
		CourseID:      strings.TrimSpace(in.CourseID),
		MeetingNumber: in.MeetingNumber,
		StartAt:       in.StartAt.UTC(),
		EndAt:         in.EndAt.UTC(),
		IsActive:      true,
		Geofence:      in.Geofence,
		CreatedBy:     actor,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return model.Session{}, err
	}
	s.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("course_id", sess.CourseID),
		zap.Int("meeting_number", sess.MeetingNumber))
	return sess, nil
}

// Close deactivates a session. Late scans may still be accepted within the
// configured grace after its end.
func (s *Service) Close(ctx context.Context, actor model.Actor, id string) (model.Session, error) {
	if !actor.CanVerify() {
		s.log.Warn("session close denied", zap.String("actor_kind", string(actor.Kind)), zap.String("actor_id", actor.ID))
		return model.Session{}, model.ErrForbidden
	}
	if err := s.store.SetSessionActive(ctx, id, false); err != nil {
		return model.Session{}, err
	}
	return s.store.GetSession(ctx, id)
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (model.Session, error) {
	return s.store.GetSession(ctx, id)
}

func (in CreateInput) validate() error {
	switch {
	case strings.TrimSpace(in.CourseID) == "":
		return fmt.Errorf("course_id required: %w", model.ErrInvalidInput)
	case in.MeetingNumber < 1:
		return fmt.Errorf("meeting_number must be >= 1: %w", model.ErrInvalidInput)
	case in.StartAt.IsZero() || !in.EndAt.After(in.StartAt):
		return fmt.Errorf("end_at must be after start_at: %w", model.ErrInvalidInput)
	case in.Geofence != nil && in.Geofence.RadiusM <= 0:
		return fmt.Errorf("geofence radius must be positive: %w", model.ErrInvalidInput)
	}
	return nil
}
