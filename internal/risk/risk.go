// Package risk derives each student's attendance aggregate and risk status
// for a course from the full scan history.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"classattend/internal/config"
	"classattend/internal/metrics"
	"classattend/internal/model"
)

// Store is the persistence the engine needs. LoadScoreInputs must return a
// consistent snapshot.
type Store interface {
	LoadScoreInputs(ctx context.Context, studentID, courseID string) (model.ScoreInputs, error)
	StudentsForCourse(ctx context.Context, courseID string) ([]string, error)
	ReplaceScore(ctx context.Context, score model.StudentActivityScore) error
	GetScore(ctx context.Context, studentID, courseID string) (model.StudentActivityScore, error)
}

type Engine struct {
	store Store
	log   *zap.Logger
}

func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{store: store, log: logger}
}

// Recompute rebuilds the score for one student and course and replaces the
// stored row. On any failure the previous row is left as it was.
func (e *Engine) Recompute(ctx context.Context, cfg config.RiskSettings, studentID, courseID string) (model.StudentActivityScore, error) {
	in, err := e.store.LoadScoreInputs(ctx, studentID, courseID)
	if err != nil {
		metrics.RiskRecomputes.WithLabelValues("error").Inc()
		return model.StudentActivityScore{}, fmt.Errorf("load score inputs for %s/%s: %w", studentID, courseID, err)
	}
	score := Compute(cfg, studentID, courseID, in)
	if err := e.store.ReplaceScore(ctx, score); err != nil {
		metrics.RiskRecomputes.WithLabelValues("error").Inc()
		return model.StudentActivityScore{}, fmt.Errorf("replace score for %s/%s: %w", studentID, courseID, err)
	}
	metrics.RiskRecomputes.WithLabelValues(string(score.RiskStatus)).Inc()
	e.log.Debug("risk score recomputed",
		zap.String("student_id", studentID),
		zap.String("course_id", courseID),
		zap.Int("absent", score.AbsentCount),
		zap.String("risk_status", string(score.RiskStatus)))
	return score, nil
}

// RecomputeCourse recomputes every student with a log or permit in the
// course. Failures for one student do not stop the others.
func (e *Engine) RecomputeCourse(ctx context.Context, cfg config.RiskSettings, courseID string) ([]model.StudentActivityScore, error) {
	students, err := e.store.StudentsForCourse(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("list students for %s: %w", courseID, err)
	}
	scores := make([]model.StudentActivityScore, 0, len(students))
	var errs []error
	for _, studentID := range students {
		if err := ctx.Err(); err != nil {
			return scores, err
		}
		score, err := e.Recompute(ctx, cfg, studentID, courseID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		scores = append(scores, score)
	}
	e.log.Info("course risk recomputed",
		zap.String("course_id", courseID),
		zap.Int("students", len(students)),
		zap.Int("failed", len(errs)))
	return scores, errors.Join(errs...)
}

// Status returns the stored score, computing it first if none exists yet.
func (e *Engine) Status(ctx context.Context, cfg config.RiskSettings, studentID, courseID string) (model.StudentActivityScore, error) {
	score, err := e.store.GetScore(ctx, studentID, courseID)
	if err == nil {
		return score, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.StudentActivityScore{}, err
	}
	return e.Recompute(ctx, cfg, studentID, courseID)
}

// Compute classifies every course session for the student and derives the
// aggregate. A session counts as attended through an accepted log whose
// selfie was not rejected, otherwise as permitted through an approved
// permit, otherwise as absent.
func Compute(cfg config.RiskSettings, studentID, courseID string, in model.ScoreInputs) model.StudentActivityScore {
	score := model.StudentActivityScore{
		StudentID:     studentID,
		CourseID:      courseID,
		TotalSessions: len(in.Sessions),
		RiskStatus:    model.RiskSafe,
	}
	if score.TotalSessions == 0 {
		return score
	}

	attended := make(map[string]model.LogStatus, len(in.Logs))
	for _, l := range in.Logs {
		if l.StudentID == studentID && l.Counts() {
			attended[l.SessionID] = l.Status
		}
	}
	permitted := make(map[string]bool, len(in.ApprovedPermits))
	for _, p := range in.ApprovedPermits {
		if p.StudentID == studentID && p.Status == model.PermitApproved {
			permitted[p.SessionID] = true
		}
	}

	for _, sess := range in.Sessions {
		switch status, ok := attended[sess.ID]; {
		case ok && status == model.StatusPresent:
			score.PresentCount++
		case ok && status == model.StatusLate:
			score.LateCount++
		case permitted[sess.ID]:
			score.PermitCount++
		default:
			score.AbsentCount++
		}
	}

	total := float64(score.TotalSessions)
	weighted := float64(score.PresentCount)*cfg.PresentWeight +
		float64(score.LateCount)*cfg.LateWeight +
		float64(score.PermitCount)*cfg.PermitWeight
	score.ActivityScore = round2(weighted / total)
	score.AttendancePercentage = round2(float64(score.PresentCount+score.LateCount+score.PermitCount) / total * 100)
	score.RiskStatus = Classify(cfg, score.AbsentCount)
	return score
}

// Classify maps an absence count to a risk status.
func Classify(cfg config.RiskSettings, absences int) model.RiskStatus {
	switch {
	case cfg.DangerAbsences > 0 && absences >= cfg.DangerAbsences:
		return model.RiskDanger
	case cfg.WarningAbsences > 0 && absences >= cfg.WarningAbsences:
		return model.RiskWarning
	}
	return model.RiskSafe
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
