// Package attendance decides scan submissions and records attendance logs.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/config"
	"classattend/internal/events"
	"classattend/internal/geo"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/selfie"
	"classattend/internal/token"
)

// Reason is the machine-readable cause of a rejected scan.
type Reason string

const (
	ReasonSessionClosed   Reason = "session_closed"
	ReasonTokenExpired    Reason = Reason(token.Expired)
	ReasonTokenMismatch   Reason = Reason(token.Mismatch)
	ReasonTokenSuperseded Reason = Reason(token.Superseded)
	ReasonDuplicateScan   Reason = "duplicate_scan"
	ReasonLocationMissing Reason = "location_required"
	ReasonAccuracyLow     Reason = "location_accuracy_low"
	ReasonGeofence        Reason = "geofence_violation"
	ReasonSelfieRequired  Reason = "selfie_required"
	ReasonStorageError    Reason = "storage_error"
)

// ErrRetryable marks infrastructure failures the client may retry.
var ErrRetryable = errors.New("temporarily unavailable")

// scanLockMargin is how long a scan lock outlives the selfie upload bound.
const scanLockMargin = 10 * time.Second

// Request is one scan submission.
type Request struct {
	StudentID string
	SessionID string
	Token     string
	Lat       *float64
	Lon       *float64
	AccuracyM *float64
	Device    model.DeviceInfo
	UserAgent string
	// Timestamp is the client clock at scan time. Zero means unknown.
	Timestamp time.Time
	Selfie    []byte
	Note      string
}

// Result is the decision for a submission.
type Result struct {
	Accepted     bool                      `json:"accepted"`
	Status       model.LogStatus           `json:"status"`
	Reason       Reason                    `json:"reason,omitempty"`
	DistanceM    *float64                  `json:"distance_m,omitempty"`
	Provisional  bool                      `json:"provisional"`
	Retryable    bool                      `json:"retryable,omitempty"`
	Log          *model.AttendanceLog      `json:"log,omitempty"`
	Verification *model.SelfieVerification `json:"selfie_verification,omitempty"`
}

// Store is the persistence the service needs.
type Store interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	HasAcceptedLog(ctx context.Context, sessionID, studentID string) (bool, error)
	CreateLog(ctx context.Context, log model.AttendanceLog, sv *model.SelfieVerification) error
	GetLog(ctx context.Context, id string) (model.AttendanceLog, error)
	OverrideLog(ctx context.Context, log model.AttendanceLog) error
}

// Tokens resolves presented scan tokens.
type Tokens interface {
	Resolve(ctx context.Context, sessionID, value string, at time.Time) (model.Token, token.Verdict, error)
}

// Locker serializes work per key.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Service coordinates scan validation and persistence.
type Service struct {
	store  Store
	tokens Tokens
	blobs  selfie.BlobStore
	locks  Locker
	events events.Publisher
	log    *zap.Logger
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a service. Publish failures are logged, never returned.
func NewService(store Store, tokens Tokens, blobs selfie.BlobStore, locks Locker, pub events.Publisher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tokens: tokens,
		blobs:  blobs,
		locks:  locks,
		events: events.Safe{Next: pub, Log: logger},
		log:    logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func retryable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrRetryable, err)
}

// Submit runs the acceptance pipeline for one scan. Rejections are returned as
// a Result with a Reason and a nil error; the rejected attempt is logged
// unless the session does not exist. A non-nil error is an infrastructure
// failure and wraps ErrRetryable.
func (s *Service) Submit(ctx context.Context, cfg config.Settings, req Request) (Result, error) {
	started := time.Now()
	defer func() { metrics.ScanDuration.Observe(time.Since(started).Seconds()) }()

	if strings.TrimSpace(req.StudentID) == "" || strings.TrimSpace(req.SessionID) == "" {
		return Result{}, fmt.Errorf("student and session required: %w", model.ErrInvalidInput)
	}

	received := s.now().UTC()
	at := decisionInstant(req.Timestamp, received, cfg.ScanClockSkew)
	scannedAt := received
	if !req.Timestamp.IsZero() {
		scannedAt = req.Timestamp.UTC()
	}

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if errors.Is(err, model.ErrNotFound) {
		s.countDecision(model.StatusRejected, ReasonSessionClosed)
		s.publishRejected(ctx, model.AttendanceLog{StudentID: req.StudentID, SessionID: req.SessionID}, ReasonSessionClosed, nil)
		return Result{Status: model.StatusRejected, Reason: ReasonSessionClosed}, nil
	}
	if err != nil {
		return Result{}, retryable("load session", err)
	}

	unlock, err := s.locks.Lock(ctx, "scan:"+sess.ID+":"+req.StudentID, cfg.SelfieUploadTimeout+scanLockMargin)
	if err != nil {
		return Result{}, retryable("lock scan", err)
	}
	defer unlock()

	entry := model.AttendanceLog{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		StudentID:  req.StudentID,
		ScannedAt:  scannedAt,
		ReceivedAt: received,
		Lat:        req.Lat,
		Lon:        req.Lon,
		AccuracyM:  req.AccuracyM,
		Device:     DeviceFromUserAgent(req.Device, req.UserAgent),
		Note:       strings.TrimSpace(req.Note),
		CreatedAt:  received,
	}

	if !sessionOpen(sess, at, cfg.LateGrace) {
		return s.reject(ctx, entry, ReasonSessionClosed, nil)
	}

	// Expiry is judged at receipt; a client timestamp never extends a token.
	tok, verdict, err := s.tokens.Resolve(ctx, sess.ID, req.Token, received)
	if err != nil {
		return Result{}, retryable("resolve token", err)
	}
	entry.TokenID = tok.ID
	if verdict != token.Valid {
		return s.reject(ctx, entry, Reason(verdict), map[string]any{"token_id": tok.ID})
	}

	dup, err := s.store.HasAcceptedLog(ctx, sess.ID, req.StudentID)
	if err != nil {
		return Result{}, retryable("check duplicate", err)
	}
	if dup {
		return s.reject(ctx, entry, ReasonDuplicateScan, nil)
	}

	if req.Lat == nil || req.Lon == nil || geo.IsUnknown(*req.Lat, *req.Lon) {
		entry.Lat, entry.Lon = nil, nil
		return s.reject(ctx, entry, ReasonLocationMissing, nil)
	}
	fence := cfg.Geofence
	if sess.Geofence != nil {
		fence = *sess.Geofence
	}
	distance := geo.DistanceMeters(fence.Lat, fence.Lon, *req.Lat, *req.Lon)
	entry.DistanceM = &distance
	if req.AccuracyM != nil {
		limit := math.Min(cfg.AccuracyLimitM, fence.RadiusM)
		if limit > 0 && *req.AccuracyM > limit {
			return s.reject(ctx, entry, ReasonAccuracyLow, map[string]any{"accuracy_m": *req.AccuracyM, "limit_m": limit})
		}
	}
	if distance > fence.RadiusM {
		return s.reject(ctx, entry, ReasonGeofence, map[string]any{"distance_m": distance, "radius_m": fence.RadiusM})
	}

	status := model.StatusPresent
	if at.After(sess.StartAt.Add(cfg.LateThreshold)) {
		status = model.StatusLate
	}

	var sv *model.SelfieVerification
	switch {
	case len(req.Selfie) > 0:
		url, err := s.uploadSelfie(ctx, cfg.SelfieUploadTimeout, entry, req.Selfie)
		if err != nil {
			s.log.Warn("selfie upload failed",
				zap.String("session_id", sess.ID),
				zap.String("student_id", req.StudentID),
				zap.Error(err))
			metrics.SelfieUploadFailures.Inc()
			res, rerr := s.reject(ctx, entry, ReasonStorageError, nil)
			res.Retryable = true
			return res, rerr
		}
		entry.SelfiePath = url
		entry.SelfieHash = selfie.HashSelfie(req.Selfie)
		sv = &model.SelfieVerification{
			ID:        uuid.NewString(),
			LogID:     entry.ID,
			Status:    model.SelfiePending,
			CreatedAt: received,
		}
	case cfg.SelfieRequired:
		return s.reject(ctx, entry, ReasonSelfieRequired, nil)
	}

	entry.Status = status
	if err := s.store.CreateLog(ctx, entry, sv); err != nil {
		if errors.Is(err, model.ErrDuplicateScan) {
			entry.ID = uuid.NewString()
			entry.SelfiePath, entry.SelfieHash = "", ""
			return s.reject(ctx, entry, ReasonDuplicateScan, nil)
		}
		return Result{}, retryable("persist log", err)
	}

	s.log.Info("scan accepted",
		zap.String("log_id", entry.ID),
		zap.String("session_id", sess.ID),
		zap.String("student_id", req.StudentID),
		zap.String("status", string(status)),
		zap.Float64("distance_m", distance))
	s.countDecision(status, "")

	_ = s.events.Publish(ctx, events.TypeScanRecorded, events.ScanRecorded{
		LogID:       entry.ID,
		StudentID:   entry.StudentID,
		SessionID:   entry.SessionID,
		CourseID:    sess.CourseID,
		Status:      status,
		Provisional: sv != nil,
	})
	if sv != nil {
		entry.SelfieStatus = sv.Status
		_ = s.events.Publish(ctx, events.TypeSelfieSubmitted, events.SelfieSubmitted{
			VerificationID: sv.ID,
			LogID:          entry.ID,
			StudentID:      entry.StudentID,
			SessionID:      entry.SessionID,
		})
	}

	return Result{
		Accepted:     true,
		Status:       status,
		DistanceM:    entry.DistanceM,
		Provisional:  sv != nil,
		Log:          &entry,
		Verification: sv,
	}, nil
}

func (s *Service) uploadSelfie(ctx context.Context, timeout time.Duration, entry model.AttendanceLog, data []byte) (string, error) {
	if s.blobs == nil {
		return "", errors.New("selfie storage not configured")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	upCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.blobs.Put(upCtx, "attendance/"+entry.SessionID+"/"+entry.ID, data)
}

// reject durably logs a rejected attempt.
func (s *Service) reject(ctx context.Context, entry model.AttendanceLog, reason Reason, details map[string]any) (Result, error) {
	entry.Status = model.StatusRejected
	entry.Reason = string(reason)
	res := Result{Status: model.StatusRejected, Reason: reason, DistanceM: entry.DistanceM}
	s.countDecision(model.StatusRejected, reason)

	if err := s.store.CreateLog(ctx, entry, nil); err != nil {
		res.Retryable = true
		return res, retryable("persist rejected log", err)
	}
	res.Log = &entry
	s.log.Info("scan rejected",
		zap.String("log_id", entry.ID),
		zap.String("session_id", entry.SessionID),
		zap.String("student_id", entry.StudentID),
		zap.String("reason", string(reason)))
	s.publishRejected(ctx, entry, reason, details)
	return res, nil
}

func (s *Service) publishRejected(ctx context.Context, entry model.AttendanceLog, reason Reason, details map[string]any) {
	_ = s.events.Publish(ctx, events.TypeScanRejected, events.ScanRejected{
		LogID:     entry.ID,
		StudentID: entry.StudentID,
		SessionID: entry.SessionID,
		Reason:    string(reason),
		Details:   details,
	})
}

func (s *Service) countDecision(status model.LogStatus, reason Reason) {
	metrics.ScanDecisions.WithLabelValues(string(status), string(reason)).Inc()
}

// Get returns a log with its selfie status.
func (s *Service) Get(ctx context.Context, logID string) (model.AttendanceLog, error) {
	return s.store.GetLog(ctx, logID)
}

// Override changes a log's status on behalf of an instructor or admin. The
// status before the first override is preserved for audit.
func (s *Service) Override(ctx context.Context, actor model.Actor, logID string, to model.LogStatus, reason string) (model.AttendanceLog, error) {
	if !actor.CanVerify() {
		s.log.Warn("log override denied",
			zap.String("log_id", logID),
			zap.String("actor_kind", string(actor.Kind)),
			zap.String("actor_id", actor.ID))
		return model.AttendanceLog{}, model.ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.AttendanceLog{}, model.ErrReasonRequired
	}
	if !to.Valid() {
		return model.AttendanceLog{}, fmt.Errorf("status %q: %w", to, model.ErrInvalidInput)
	}

	unlock, err := s.locks.Lock(ctx, "log:"+logID, scanLockMargin)
	if err != nil {
		return model.AttendanceLog{}, retryable("lock log", err)
	}
	defer unlock()

	entry, err := s.store.GetLog(ctx, logID)
	if err != nil {
		return model.AttendanceLog{}, err
	}
	if entry.Status == to {
		return model.AttendanceLog{}, fmt.Errorf("log already %s: %w", to, model.ErrInvalidTransition)
	}
	from := entry.Status
	original := entry.Status
	if entry.Override != nil {
		original = entry.Override.OriginalStatus
	}
	entry.Status = to
	entry.Override = &model.Override{By: actor, Reason: reason, OriginalStatus: original, At: s.now().UTC()}
	if err := s.store.OverrideLog(ctx, entry); err != nil {
		return model.AttendanceLog{}, err
	}
	s.log.Info("log overridden",
		zap.String("log_id", logID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actor.ID))

	payload := events.LogOverridden{
		LogID:     entry.ID,
		StudentID: entry.StudentID,
		SessionID: entry.SessionID,
		From:      from,
		To:        to,
		By:        actor,
	}
	if sess, err := s.store.GetSession(ctx, entry.SessionID); err == nil {
		payload.CourseID = sess.CourseID
	}
	_ = s.events.Publish(ctx, events.TypeLogOverridden, payload)
	return entry, nil
}

// decisionInstant picks the time a scan is judged at: the client timestamp
// when it is within skew of server receipt, otherwise the receipt time.
func decisionInstant(client, received time.Time, skew time.Duration) time.Time {
	if client.IsZero() {
		return received
	}
	d := received.Sub(client)
	if d < 0 {
		d = -d
	}
	if d <= skew {
		return client.UTC()
	}
	return received
}

// sessionOpen reports whether sess accepts scans at instant at. A closed
// session accepts nothing; after EndAt an active one stays open for the late
// grace window.
func sessionOpen(sess model.Session, at time.Time, lateGrace time.Duration) bool {
	if !sess.IsActive {
		return false
	}
	return !at.After(sess.EndAt.Add(lateGrace))
}
