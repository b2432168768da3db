package fraud

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"classattend/internal/model"
)

// transitions lists the allowed review moves.
var transitions = map[model.AlertStatus][]model.AlertStatus{
	model.AlertPending:       {model.AlertInvestigating, model.AlertDismissed},
	model.AlertInvestigating: {model.AlertConfirmed, model.AlertDismissed},
}

// CanTransition reports whether an alert may move from one review state to another.
func CanTransition(from, to model.AlertStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StartInvestigation moves a pending alert to investigating.
func (e *Engine) StartInvestigation(ctx context.Context, actor model.Actor, alertID, note string) (model.FraudAlert, error) {
	return e.review(ctx, actor, alertID, model.AlertInvestigating, note)
}

// Confirm marks an investigated alert as fraud.
func (e *Engine) Confirm(ctx context.Context, actor model.Actor, alertID, note string) (model.FraudAlert, error) {
	return e.review(ctx, actor, alertID, model.AlertConfirmed, note)
}

// Dismiss closes an alert as a false positive.
func (e *Engine) Dismiss(ctx context.Context, actor model.Actor, alertID, note string) (model.FraudAlert, error) {
	return e.review(ctx, actor, alertID, model.AlertDismissed, note)
}

func (e *Engine) review(ctx context.Context, actor model.Actor, alertID string, to model.AlertStatus, note string) (model.FraudAlert, error) {
	if !actor.CanVerify() {
		e.log.Warn("unauthorized alert review attempt",
			zap.String("actor_kind", string(actor.Kind)),
			zap.String("actor_id", actor.ID),
			zap.String("alert_id", alertID))
		return model.FraudAlert{}, model.ErrForbidden
	}
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return model.FraudAlert{}, fmt.Errorf("load alert %s: %w", alertID, err)
	}
	from := alert.Status
	if !CanTransition(from, to) {
		return model.FraudAlert{}, fmt.Errorf("alert %s %s -> %s: %w", alertID, from, to, model.ErrInvalidTransition)
	}

	now := e.now().UTC()
	reviewer := actor
	alert.Status = to
	alert.Reviewer = &reviewer
	alert.ReviewedAt = &now
	alert.ReviewNotes = append(append([]model.ReviewNote(nil), alert.ReviewNotes...), model.ReviewNote{
		By:   actor,
		From: from,
		To:   to,
		Note: strings.TrimSpace(note),
		At:   now,
	})
	if err := e.store.UpdateAlert(ctx, alert, from); err != nil {
		return model.FraudAlert{}, fmt.Errorf("update alert %s: %w", alertID, err)
	}
	e.log.Info("fraud alert reviewed",
		zap.String("alert_id", alertID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reviewer", actor.ID))
	return alert, nil
}

// Get returns one alert.
func (e *Engine) Get(ctx context.Context, alertID string) (model.FraudAlert, error) {
	return e.store.GetAlert(ctx, alertID)
}

// List returns alerts matching f, newest first.
func (e *Engine) List(ctx context.Context, f model.AlertFilter) ([]model.FraudAlert, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return e.store.ListAlerts(ctx, f)
}
