package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"classattend/internal/model"
)

const alertColumns = `id, student_id, COALESCE(attendance_log_id::text, ''), COALESCE(session_id::text, ''),
	alert_type, severity, description, evidence, status, reviewer_kind, reviewer_id, review_notes,
	reviewed_at, created_at`

func scanAlert(row scanner) (model.FraudAlert, error) {
	var (
		a              model.FraudAlert
		evidence       []byte
		notes          []byte
		kind, reviewer sql.NullString
		reviewedAt     sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.StudentID, &a.LogID, &a.SessionID, &a.Type, &a.Severity, &a.Description,
		&evidence, &a.Status, &kind, &reviewer, &notes, &reviewedAt, &a.CreatedAt); err != nil {
		return model.FraudAlert{}, err
	}
	a.Evidence = json.RawMessage(evidence)
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &a.ReviewNotes); err != nil {
			return model.FraudAlert{}, fmt.Errorf("decode review notes: %w", err)
		}
	}
	if kind.Valid {
		a.Reviewer = &model.Actor{Kind: model.ActorKind(kind.String), ID: reviewer.String}
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		a.ReviewedAt = &t
	}
	return a, nil
}

// InsertAlertIfAbsent stores the alert unless one with the same student, type
// and session was created at or after since. Concurrent detectors for the same
// key are serialized with a transaction-scoped advisory lock.
func (r *Repository) InsertAlertIfAbsent(ctx context.Context, a model.FraudAlert, since time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	key := a.StudentID + "|" + string(a.Type) + "|" + a.SessionID
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fraud_alerts
			WHERE student_id = $1 AND alert_type = $2
				AND session_id IS NOT DISTINCT FROM $3
				AND created_at >= $4
		)
	`, a.StudentID, a.Type, nullString(a.SessionID), since).Scan(&exists); err != nil {
		return false, mapErr(err)
	}
	if exists {
		return false, nil
	}

	evidence := string(a.Evidence)
	if evidence == "" {
		evidence = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, student_id, attendance_log_id, session_id, alert_type, severity,
			description, evidence, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, a.ID, a.StudentID, nullString(a.LogID), nullString(a.SessionID), a.Type, a.Severity,
		a.Description, evidence, a.Status, a.CreatedAt); err != nil {
		return false, mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetAlert returns a single alert by id.
func (r *Repository) GetAlert(ctx context.Context, id string) (model.FraudAlert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	return a, mapErr(err)
}

// UpdateAlert writes the review fields if the alert is still in state from.
func (r *Repository) UpdateAlert(ctx context.Context, a model.FraudAlert, from model.AlertStatus) error {
	notes, err := json.Marshal(a.ReviewNotes)
	if err != nil {
		return fmt.Errorf("encode review notes: %w", err)
	}
	if a.ReviewNotes == nil {
		notes = []byte("[]")
	}
	var kind, reviewer sql.NullString
	if a.Reviewer != nil {
		kind, reviewer = nullString(string(a.Reviewer.Kind)), nullString(a.Reviewer.ID)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE fraud_alerts
		SET status = $3, reviewer_kind = $4, reviewer_id = $5, review_notes = $6, reviewed_at = $7
		WHERE id = $1 AND status = $2
	`, a.ID, from, a.Status, kind, reviewer, string(notes), a.ReviewedAt)
	if err != nil {
		return mapErr(err)
	}
	if err := rowsAffected(res); err == nil {
		return nil
	}
	if _, err := r.GetAlert(ctx, a.ID); err != nil {
		return err
	}
	return model.ErrInvalidTransition
}

// ListAlerts returns alerts with basic filters, newest first.
func (r *Repository) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.FraudAlert, error) {
	limit, offset := f.Limit, f.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + alertColumns + ` FROM fraud_alerts`
	args := []any{}
	clauses := []string{}
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, "student_id = "+placeholder(args))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		clauses = append(clauses, "session_id = "+placeholder(args))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		clauses = append(clauses, "alert_type = "+placeholder(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, "status = "+placeholder(args))
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses)
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC, id DESC LIMIT " + placeholder(args)
	args = append(args, offset)
	query += " OFFSET " + placeholder(args)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []model.FraudAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
