// Package selfie runs the human verification of scan selfies.
//
// A verification starts pending and ends approved or rejected. Rejection
// needs a reason and invalidates the owning log for scoring, while the log
// itself keeps its original status.
package selfie

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"classattend/internal/events"
	"classattend/internal/model"
)

// BlobStore keeps selfie images.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Store is the persistence the workflow needs.
type Store interface {
	GetSelfie(ctx context.Context, id string) (model.SelfieVerification, error)
	GetSelfieByLog(ctx context.Context, logID string) (model.SelfieVerification, error)
	UpdateSelfie(ctx context.Context, sv model.SelfieVerification, from model.SelfieStatus) error
	ListSelfies(ctx context.Context, status model.SelfieStatus, limit int) ([]model.SelfieVerification, error)
	GetLog(ctx context.Context, id string) (model.AttendanceLog, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
}

// HashSelfie returns the hex SHA-256 of the image bytes.
func HashSelfie(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Workflow resolves selfie verifications.
type Workflow struct {
	store  Store
	events events.Publisher
	log    *zap.Logger
	now    func() time.Time
}

// NewWorkflow creates a workflow. Publish failures are logged, never returned.
func NewWorkflow(store Store, pub events.Publisher, logger *zap.Logger) *Workflow {
	return &Workflow{
		store:  store,
		events: events.Safe{Next: pub, Log: logger},
		log:    logger,
		now:    time.Now,
	}
}

// Approve moves a pending verification to approved.
func (w *Workflow) Approve(ctx context.Context, actor model.Actor, id string) (model.SelfieVerification, error) {
	return w.resolve(ctx, actor, id, model.SelfieApproved, "")
}

// Reject moves a pending verification to rejected. reason is mandatory.
func (w *Workflow) Reject(ctx context.Context, actor model.Actor, id, reason string) (model.SelfieVerification, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.SelfieVerification{}, model.ErrReasonRequired
	}
	return w.resolve(ctx, actor, id, model.SelfieRejected, reason)
}

func (w *Workflow) resolve(ctx context.Context, actor model.Actor, id string, to model.SelfieStatus, reason string) (model.SelfieVerification, error) {
	if !actor.CanVerify() {
		w.log.Warn("selfie verification denied",
			zap.String("verification_id", id),
			zap.String("actor_kind", string(actor.Kind)),
			zap.String("actor_id", actor.ID))
		return model.SelfieVerification{}, model.ErrForbidden
	}
	sv, err := w.store.GetSelfie(ctx, id)
	if err != nil {
		return model.SelfieVerification{}, err
	}
	if sv.Status != model.SelfiePending {
		return model.SelfieVerification{}, fmt.Errorf("selfie %s is %s: %w", id, sv.Status, model.ErrInvalidTransition)
	}

	at := w.now().UTC()
	verifier := actor
	sv.Status = to
	sv.Verifier = &verifier
	sv.VerifiedAt = &at
	sv.RejectionReason = reason
	if err := w.store.UpdateSelfie(ctx, sv, model.SelfiePending); err != nil {
		return model.SelfieVerification{}, err
	}
	w.log.Info("selfie resolved",
		zap.String("verification_id", sv.ID),
		zap.String("log_id", sv.LogID),
		zap.String("status", string(to)),
		zap.String("verifier_id", actor.ID))

	w.publishResolved(ctx, sv)
	return sv, nil
}

func (w *Workflow) publishResolved(ctx context.Context, sv model.SelfieVerification) {
	log, err := w.store.GetLog(ctx, sv.LogID)
	if err != nil {
		w.log.Warn("selfie resolved without log", zap.String("log_id", sv.LogID), zap.Error(err))
		return
	}
	payload := events.SelfieResolved{
		VerificationID: sv.ID,
		LogID:          sv.LogID,
		StudentID:      log.StudentID,
		SessionID:      log.SessionID,
		Status:         sv.Status,
		Invalidated:    sv.Status == model.SelfieRejected,
	}
	if sess, err := w.store.GetSession(ctx, log.SessionID); err == nil {
		payload.CourseID = sess.CourseID
	}
	_ = w.events.Publish(ctx, events.TypeSelfieResolved, payload)
}

// Get returns a verification by id.
func (w *Workflow) Get(ctx context.Context, id string) (model.SelfieVerification, error) {
	return w.store.GetSelfie(ctx, id)
}

// ForLog returns the verification attached to an attendance log.
func (w *Workflow) ForLog(ctx context.Context, logID string) (model.SelfieVerification, error) {
	return w.store.GetSelfieByLog(ctx, logID)
}

// Pending lists verifications awaiting review, oldest first.
func (w *Workflow) Pending(ctx context.Context, limit int) ([]model.SelfieVerification, error) {
	return w.store.ListSelfies(ctx, model.SelfiePending, limit)
}
