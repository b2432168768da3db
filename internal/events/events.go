// Package events defines the messages the engine emits for the fraud worker,
// risk recompute and outside consumers such as gamification and notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/model"
	"classattend/internal/queue"
)

// Type names an event.
type Type string

const (
	TypeScanRecorded     Type = "scan.recorded"
	TypeScanRejected     Type = "scan.rejected"
	TypeSelfieSubmitted  Type = "selfie.submitted"
	TypeSelfieResolved   Type = "selfie.resolved"
	TypeLogOverridden    Type = "log.overridden"
	TypeFraudAlertRaised Type = "fraud.alert_raised"
)

// Envelope wraps every payload on the queue.
type Envelope struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ScanRecorded is emitted after an accepted log is persisted.
type ScanRecorded struct {
	LogID     string          `json:"log_id"`
	StudentID string          `json:"student_id"`
	SessionID string          `json:"session_id"`
	CourseID  string          `json:"course_id"`
	Status    model.LogStatus `json:"status"`
	// Provisional is true while a selfie verification is pending.
	Provisional bool `json:"provisional"`
}

// ScanRejected is emitted for every rejected attempt.
type ScanRejected struct {
	LogID     string         `json:"log_id,omitempty"`
	StudentID string         `json:"student_id"`
	SessionID string         `json:"session_id"`
	Reason    string         `json:"reason"`
	Details   map[string]any `json:"details,omitempty"`
}

// SelfieSubmitted is emitted when a selfie was stored for a log.
type SelfieSubmitted struct {
	VerificationID string `json:"verification_id"`
	LogID          string `json:"log_id"`
	StudentID      string `json:"student_id"`
	SessionID      string `json:"session_id"`
}

// SelfieResolved is emitted on approval or rejection. Invalidated marks a
// rejection: consumers that awarded anything for the log must revoke it.
type SelfieResolved struct {
	VerificationID string             `json:"verification_id"`
	LogID          string             `json:"log_id"`
	StudentID      string             `json:"student_id"`
	SessionID      string             `json:"session_id"`
	CourseID       string             `json:"course_id"`
	Status         model.SelfieStatus `json:"status"`
	Invalidated    bool               `json:"invalidated"`
}

// LogOverridden is emitted after an authorized status override.
type LogOverridden struct {
	LogID     string          `json:"log_id"`
	StudentID string          `json:"student_id"`
	SessionID string          `json:"session_id"`
	CourseID  string          `json:"course_id"`
	From      model.LogStatus `json:"from"`
	To        model.LogStatus `json:"to"`
	By        model.Actor     `json:"by"`
}

// FraudAlertRaised is emitted once per stored alert.
type FraudAlertRaised struct {
	Alert model.FraudAlert `json:"alert"`
}

// Publisher emits events. Implementations must not block the caller on
// downstream processing.
type Publisher interface {
	Publish(ctx context.Context, t Type, payload any) error
}

// QueuePublisher writes envelopes to a queue.
type QueuePublisher struct {
	q   queue.Queue
	now func() time.Time
}

// NewQueuePublisher creates a publisher over q.
func NewQueuePublisher(q queue.Queue) *QueuePublisher {
	return &QueuePublisher{q: q, now: time.Now}
}

// Publish wraps payload in an Envelope and enqueues it.
func (p *QueuePublisher) Publish(ctx context.Context, t Type, payload any) error {
	env, err := NewEnvelope(t, payload, p.now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.q.Publish(ctx, queue.Message{Type: string(t), Body: body})
}

// NewEnvelope builds an envelope with a fresh id.
func NewEnvelope(t Type, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{ID: uuid.NewString(), Type: t, OccurredAt: at.UTC(), Payload: raw}, nil
}

// FromMessage decodes the envelope carried by a queue message.
func FromMessage(msg queue.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		env.Type = Type(msg.Type)
	}
	return env, nil
}

// Safe logs publish failures instead of returning them, so the scan path is
// never failed by the event bus.
type Safe struct {
	Next Publisher
	Log  *zap.Logger
}

// Publish forwards to Next and swallows errors after logging them.
func (s Safe) Publish(ctx context.Context, t Type, payload any) error {
	if s.Next == nil {
		return nil
	}
	if err := s.Next.Publish(ctx, t, payload); err != nil {
		s.Log.Warn("event publish failed", zap.String("event", string(t)), zap.Error(err))
	}
	return nil
}

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
}

// Publish records the event.
func (r *Recorder) Publish(_ context.Context, t Type, payload any) error {
	env, err := NewEnvelope(t, payload, time.Now())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return nil
}

// OfType returns the recorded envelopes of type t.
func (r *Recorder) OfType(t Type) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.envelopes {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
