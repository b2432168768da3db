// Package fraud raises alerts for suspicious scans and runs their human review.
//
// Each Rule is evaluated independently against one attendance log and the
// student's history. A failing or panicking rule is logged and skipped.
// Alerts are deduplicated per (student, type, session) within a cool-down
// window anchored at the triggering log's receipt time, which makes repeated
// delivery of the same event and periodic sweeps idempotent.
package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/config"
	"classattend/internal/events"
	"classattend/internal/metrics"
	"classattend/internal/model"
)

// Event is the input every rule sees: the log under analysis and its session.
type Event struct {
	Log     model.AttendanceLog
	Session model.Session
}

// Finding is a rule hit before it becomes a stored alert.
type Finding struct {
	Severity    model.Severity
	Description string
	Evidence    map[string]any
}

// History is the read-only view rules use.
type History interface {
	LogsByStudent(ctx context.Context, studentID string, since time.Time) ([]model.AttendanceLog, error)
	LogsByDevice(ctx context.Context, fingerprint string, since time.Time) ([]model.AttendanceLog, error)
	LogsBySelfieHash(ctx context.Context, hash string, since time.Time) ([]model.AttendanceLog, error)
}

// Rule is one independent detector.
type Rule interface {
	Type() model.AlertType
	Check(ctx context.Context, ev Event, h History, cfg config.FraudSettings) ([]Finding, error)
}

// Store is the persistence the engine needs.
type Store interface {
	History
	GetLog(ctx context.Context, id string) (model.AttendanceLog, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	LogsReceivedSince(ctx context.Context, since time.Time) ([]model.AttendanceLog, error)
	InsertAlertIfAbsent(ctx context.Context, a model.FraudAlert, since time.Time) (bool, error)
	GetAlert(ctx context.Context, id string) (model.FraudAlert, error)
	UpdateAlert(ctx context.Context, a model.FraudAlert, from model.AlertStatus) error
	ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.FraudAlert, error)
}

// Engine evaluates rules and stores their alerts.
type Engine struct {
	store  Store
	rules  []Rule
	events events.Publisher
	log    *zap.Logger
	now    func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRules replaces the default rule set.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine running DefaultRules unless WithRules is given.
func NewEngine(store Store, pub events.Publisher, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		rules:  DefaultRules(),
		events: events.Safe{Next: pub, Log: logger},
		log:    logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleLog analyses one stored log.
func (e *Engine) HandleLog(ctx context.Context, cfg config.FraudSettings, logID string) ([]model.FraudAlert, error) {
	entry, err := e.store.GetLog(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("load log %s: %w", logID, err)
	}
	sess, err := e.store.GetSession(ctx, entry.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", entry.SessionID, err)
	}
	return e.Evaluate(ctx, cfg, Event{Log: entry, Session: sess})
}

// Evaluate runs every enabled rule and stores new alerts. Rule failures are
// logged and skipped; storage failures are returned joined.
func (e *Engine) Evaluate(ctx context.Context, cfg config.FraudSettings, ev Event) ([]model.FraudAlert, error) {
	anchor := ev.Log.ReceivedAt
	if anchor.IsZero() {
		anchor = e.now()
	}
	since := anchor.Add(-cfg.CoolDown)

	var (
		stored []model.FraudAlert
		errs   []error
	)
	for _, rule := range e.rules {
		if !cfg.RuleEnabled(rule.Type()) {
			continue
		}
		findings, err := e.check(ctx, rule, ev, cfg)
		if err != nil {
			metrics.FraudRuleErrors.WithLabelValues(string(rule.Type())).Inc()
			e.log.Error("fraud rule execution failed",
				zap.String("rule", string(rule.Type())),
				zap.String("log_id", ev.Log.ID),
				zap.Error(err))
			continue
		}
		for _, f := range findings {
			alert, err := e.newAlert(rule.Type(), ev, f)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			inserted, err := e.store.InsertAlertIfAbsent(ctx, alert, since)
			if err != nil {
				errs = append(errs, fmt.Errorf("store %s alert: %w", rule.Type(), err))
				continue
			}
			if !inserted {
				continue
			}
			stored = append(stored, alert)
			metrics.FraudAlerts.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
			e.log.Warn("fraud alert raised",
				zap.String("alert_id", alert.ID),
				zap.String("type", string(alert.Type)),
				zap.String("severity", string(alert.Severity)),
				zap.String("student_id", alert.StudentID),
				zap.String("log_id", alert.LogID))
			_ = e.events.Publish(ctx, events.TypeFraudAlertRaised, events.FraudAlertRaised{Alert: alert})
		}
	}
	return stored, errors.Join(errs...)
}

func (e *Engine) check(ctx context.Context, rule Rule, ev Event, cfg config.FraudSettings) (findings []Finding, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rule %s panicked: %v", rule.Type(), p)
		}
	}()
	return rule.Check(ctx, ev, e.store, cfg)
}

func (e *Engine) newAlert(t model.AlertType, ev Event, f Finding) (model.FraudAlert, error) {
	evidence, err := json.Marshal(f.Evidence)
	if err != nil {
		return model.FraudAlert{}, fmt.Errorf("encode %s evidence: %w", t, err)
	}
	return model.FraudAlert{
		ID:          uuid.NewString(),
		StudentID:   ev.Log.StudentID,
		LogID:       ev.Log.ID,
		SessionID:   ev.Log.SessionID,
		Type:        t,
		Severity:    f.Severity,
		Description: f.Description,
		Evidence:    evidence,
		Status:      model.AlertPending,
		CreatedAt:   e.now().UTC(),
	}, nil
}

// Sweep re-evaluates every log received since the given time and returns the
// number of new alerts.
func (e *Engine) Sweep(ctx context.Context, cfg config.FraudSettings, since time.Time) (int, error) {
	logs, err := e.store.LogsReceivedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load recent logs: %w", err)
	}
	sessions := make(map[string]model.Session)
	raised := 0
	var errs []error
	for _, entry := range logs {
		if err := ctx.Err(); err != nil {
			return raised, err
		}
		sess, ok := sessions[entry.SessionID]
		if !ok {
			sess, err = e.store.GetSession(ctx, entry.SessionID)
			if err != nil {
				errs = append(errs, fmt.Errorf("load session %s: %w", entry.SessionID, err))
				continue
			}
			sessions[entry.SessionID] = sess
		}
		alerts, err := e.Evaluate(ctx, cfg, Event{Log: entry, Session: sess})
		raised += len(alerts)
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Info("fraud sweep finished", zap.Int("logs", len(logs)), zap.Int("alerts", raised))
	return raised, errors.Join(errs...)
}
