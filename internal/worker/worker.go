// Package worker consumes engine events from the queue and drives fraud
// detection and risk recomputation off the scan request path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"classattend/internal/config"
	"classattend/internal/events"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/queue"
)

// Fraud is the part of the fraud engine the worker drives.
type Fraud interface {
	HandleLog(ctx context.Context, cfg config.FraudSettings, logID string) ([]model.FraudAlert, error)
	Sweep(ctx context.Context, cfg config.FraudSettings, since time.Time) (int, error)
}

// Risk recomputes one student's score for a course.
type Risk interface {
	Recompute(ctx context.Context, cfg config.RiskSettings, studentID, courseID string) (model.StudentActivityScore, error)
}

// Settings supplies the current settings snapshot.
type Settings interface {
	Current() config.Settings
}

type Dispatcher struct {
	fraud       Fraud
	risk        Risk
	settings    Settings
	log         *zap.Logger
	concurrency int
	now         func() time.Time
}

func NewDispatcher(fraud Fraud, risk Risk, settings Settings, logger *zap.Logger, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{
		fraud:       fraud,
		risk:        risk,
		settings:    settings,
		log:         logger,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Run consumes q with the configured number of goroutines until ctx is done,
// acknowledging each message once it has been handled.
func (d *Dispatcher) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}
	d.log.Info("worker started", zap.Int("concurrency", d.concurrency))
	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range messages {
				// Failed events are acknowledged too; the sweep recovers missed
				// detections and redelivery is reserved for crashes.
				_ = d.Handle(ctx, msg)
				if err := q.Ack(context.WithoutCancel(ctx), msg); err != nil {
					d.log.Warn("queue ack failed", zap.String("type", msg.Type), zap.Error(err))
				}
			}
		}()
	}
	wg.Wait()
	d.log.Info("worker stopped")
	return nil
}

// Handle processes one message. Failures are logged and counted; the error is
// returned for callers that want it.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	env, err := events.FromMessage(msg)
	if err != nil {
		metrics.WorkerMessages.WithLabelValues(msg.Type, "malformed").Inc()
		d.log.Warn("dropping malformed message", zap.String("type", msg.Type), zap.Error(err))
		return err
	}
	handled, err := d.dispatch(ctx, env)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		d.log.Error("event processing failed",
			zap.String("event_id", env.ID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	case !handled:
		outcome = "ignored"
	}
	metrics.WorkerMessages.WithLabelValues(string(env.Type), outcome).Inc()
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, env events.Envelope) (bool, error) {
	cfg := d.settings.Current()
	switch env.Type {
	case events.TypeScanRecorded:
		var p events.ScanRecorded
		if err := env.Decode(&p); err != nil {
			return true, err
		}
		return true, errors.Join(
			d.detect(ctx, cfg, p.LogID),
			d.recompute(ctx, cfg, p.StudentID, p.CourseID),
		)
	case events.TypeScanRejected:
		var p events.ScanRejected
		if err := env.Decode(&p); err != nil {
			return true, err
		}
		// Attempts against unknown sessions are not persisted.
		if p.LogID == "" {
			return false, nil
		}
		return true, d.detect(ctx, cfg, p.LogID)
	case events.TypeSelfieSubmitted:
		var p events.SelfieSubmitted
		if err := env.Decode(&p); err != nil {
			return true, err
		}
		return true, d.detect(ctx, cfg, p.LogID)
	case events.TypeSelfieResolved:
		var p events.SelfieResolved
		if err := env.Decode(&p); err != nil {
			return true, err
		}
		return true, d.recompute(ctx, cfg, p.StudentID, p.CourseID)
	case events.TypeLogOverridden:
		var p events.LogOverridden
		if err := env.Decode(&p); err != nil {
			return true, err
		}
		return true, d.recompute(ctx, cfg, p.StudentID, p.CourseID)
	}
	return false, nil
}

func (d *Dispatcher) detect(ctx context.Context, cfg config.Settings, logID string) error {
	alerts, err := d.fraud.HandleLog(ctx, cfg.Fraud, logID)
	if err != nil {
		return fmt.Errorf("fraud detection for log %s: %w", logID, err)
	}
	if len(alerts) > 0 {
		d.log.Info("fraud detection raised alerts", zap.String("log_id", logID), zap.Int("alerts", len(alerts)))
	}
	return nil
}

func (d *Dispatcher) recompute(ctx context.Context, cfg config.Settings, studentID, courseID string) error {
	if studentID == "" || courseID == "" {
		return nil
	}
	if _, err := d.risk.Recompute(ctx, cfg.Risk, studentID, courseID); err != nil {
		return fmt.Errorf("risk recompute: %w", err)
	}
	return nil
}

// RunSweeps re-runs fraud detection over logs received within window, every
// interval, until ctx is done.
func (d *Dispatcher) RunSweeps(ctx context.Context, every, window time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepOnce(ctx, window)
		}
	}
}

// SweepOnce runs one sweep and returns the number of new alerts.
func (d *Dispatcher) SweepOnce(ctx context.Context, window time.Duration) int {
	raised, err := d.fraud.Sweep(ctx, d.settings.Current().Fraud, d.now().Add(-window))
	if err != nil {
		d.log.Error("fraud sweep failed", zap.Int("alerts", raised), zap.Error(err))
	}
	return raised
}
