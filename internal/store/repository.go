package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"classattend/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"

	acceptedLogIndex = "attendance_logs_one_accepted_idx"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

// mapErr turns driver errors into model sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == acceptedLogIndex {
				return model.ErrDuplicateScan
			}
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, model.ErrConflict)
		case pgForeignKeyViolation, pgInvalidText:
			return fmt.Errorf("%s: %w", pgErr.Message, model.ErrNotFound)
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func rowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Sessions

const sessionColumns = `id, course_id, meeting_number, start_at, end_at, is_active,
	geofence_lat, geofence_lng, geofence_radius_m, created_by_kind, created_by_id, created_at`

func scanSession(row scanner) (model.Session, error) {
	var (
		s                model.Session
		lat, lng, radius sql.NullFloat64
	)
	if err := row.Scan(&s.ID, &s.CourseID, &s.MeetingNumber, &s.StartAt, &s.EndAt, &s.IsActive,
		&lat, &lng, &radius, &s.CreatedBy.Kind, &s.CreatedBy.ID, &s.CreatedAt); err != nil {
		return model.Session{}, err
	}
	if lat.Valid && lng.Valid && radius.Valid {
		s.Geofence = &model.Geofence{Lat: lat.Float64, Lon: lng.Float64, RadiusM: radius.Float64}
	}
	return s, nil
}

// CreateSession inserts a session. Course and meeting number are unique together.
func (r *Repository) CreateSession(ctx context.Context, s model.Session) error {
	var lat, lng, radius any
	if s.Geofence != nil {
		lat, lng, radius = s.Geofence.Lat, s.Geofence.Lon, s.Geofence.RadiusM
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, course_id, meeting_number, start_at, end_at, is_active,
			geofence_lat, geofence_lng, geofence_radius_m, created_by_kind, created_by_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, s.ID, s.CourseID, s.MeetingNumber, s.StartAt, s.EndAt, s.IsActive,
		lat, lng, radius, s.CreatedBy.Kind, s.CreatedBy.ID, s.CreatedAt)
	return mapErr(err)
}

// GetSession returns a single session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	return s, mapErr(err)
}

// SetSessionActive opens or closes a session.
func (r *Repository) SetSessionActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attendance_sessions SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffected(res)
}

// SessionsByCourse lists a course's sessions by meeting number.
func (r *Repository) SessionsByCourse(ctx context.Context, courseID string) ([]model.Session, error) {
	return querySessions(ctx, r.db, courseID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func querySessions(ctx context.Context, q querier, courseID string) ([]model.Session, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions
		WHERE course_id = $1
		ORDER BY meeting_number
	`, courseID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// Tokens

const tokenColumns = `id, session_id, token, issued_at, expires_at, seq`

func scanToken(row scanner) (model.Token, error) {
	var t model.Token
	err := row.Scan(&t.ID, &t.SessionID, &t.Value, &t.IssuedAt, &t.ExpiresAt, &t.Seq)
	return t, err
}

// AppendToken stores a new token. Issuance for one session is serialized on
// the session row so the latest token is always well defined.
func (r *Repository) AppendToken(ctx context.Context, tok model.Token) (model.Token, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Token{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM attendance_sessions WHERE id = $1 FOR UPDATE`, tok.SessionID).Scan(&locked); err != nil {
		return model.Token{}, mapErr(err)
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO attendance_tokens (id, session_id, token, issued_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING seq
	`, tok.ID, tok.SessionID, tok.Value, tok.IssuedAt, tok.ExpiresAt).Scan(&tok.Seq); err != nil {
		return model.Token{}, mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return model.Token{}, err
	}
	return tok, nil
}

// LatestToken returns the session's most recently issued token.
func (r *Repository) LatestToken(ctx context.Context, sessionID string) (model.Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM attendance_tokens
		WHERE session_id = $1
		ORDER BY issued_at DESC, seq DESC
		LIMIT 1
	`, sessionID)
	t, err := scanToken(row)
	return t, mapErr(err)
}

// FindToken looks up a token value within a session.
func (r *Repository) FindToken(ctx context.Context, sessionID, value string) (model.Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM attendance_tokens
		WHERE session_id = $1 AND token = $2
	`, sessionID, value)
	t, err := scanToken(row)
	return t, mapErr(err)
}

// ListTokens returns a session's tokens, newest first.
func (r *Repository) ListTokens(ctx context.Context, sessionID string) ([]model.Token, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM attendance_tokens
		WHERE session_id = $1
		ORDER BY issued_at DESC, seq DESC
	`, sessionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// Attendance logs

const logColumns = `l.id, l.session_id, l.student_id, COALESCE(l.token_id::text, ''), l.scanned_at, l.received_at,
	l.status, l.reason, l.distance_m, l.latitude, l.longitude, l.accuracy_m, l.selfie_path, l.selfie_hash,
	l.device_fingerprint, l.device_os, l.device_model, l.device_type, l.mock_location, l.note,
	l.override_by_kind, l.override_by_id, l.override_reason, l.original_status, l.overridden_at,
	l.created_at, COALESCE(sv.status, '')`

const logFrom = ` FROM attendance_logs l LEFT JOIN selfie_verifications sv ON sv.attendance_log_id = l.id`

func scanLog(row scanner) (model.AttendanceLog, error) {
	var (
		l                          model.AttendanceLog
		byKind, byID, reason, orig sql.NullString
		overriddenAt               sql.NullTime
	)
	if err := row.Scan(&l.ID, &l.SessionID, &l.StudentID, &l.TokenID, &l.ScannedAt, &l.ReceivedAt,
		&l.Status, &l.Reason, &l.DistanceM, &l.Lat, &l.Lon, &l.AccuracyM, &l.SelfiePath, &l.SelfieHash,
		&l.Device.Fingerprint, &l.Device.OS, &l.Device.Model, &l.Device.Type, &l.Device.MockLocation, &l.Note,
		&byKind, &byID, &reason, &orig, &overriddenAt,
		&l.CreatedAt, &l.SelfieStatus); err != nil {
		return model.AttendanceLog{}, err
	}
	if overriddenAt.Valid {
		l.Override = &model.Override{
			By:             model.Actor{Kind: model.ActorKind(byKind.String), ID: byID.String},
			Reason:         reason.String,
			OriginalStatus: model.LogStatus(orig.String),
			At:             overriddenAt.Time,
		}
	}
	return l, nil
}

// HasAcceptedLog reports whether the student already has a present or late
// log for the session.
func (r *Repository) HasAcceptedLog(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_logs
			WHERE session_id = $1 AND student_id = $2 AND status IN ('present', 'late')
		)
	`, sessionID, studentID).Scan(&exists)
	return exists, mapErr(err)
}

// CreateLog writes the log and its selfie verification in one transaction. A
// second accepted log for the same student and session fails with
// model.ErrDuplicateScan.
func (r *Repository) CreateLog(ctx context.Context, l model.AttendanceLog, sv *model.SelfieVerification) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_logs (id, session_id, student_id, token_id, scanned_at, received_at,
			status, reason, distance_m, latitude, longitude, accuracy_m, selfie_path, selfie_hash,
			device_fingerprint, device_os, device_model, device_type, mock_location, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, l.ID, l.SessionID, l.StudentID, nullString(l.TokenID), l.ScannedAt, l.ReceivedAt,
		l.Status, l.Reason, l.DistanceM, l.Lat, l.Lon, l.AccuracyM, l.SelfiePath, l.SelfieHash,
		l.Device.Fingerprint, l.Device.OS, l.Device.Model, l.Device.Type, l.Device.MockLocation, l.Note, l.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	if sv != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO selfie_verifications (id, attendance_log_id, status, created_at)
			VALUES ($1,$2,$3,$4)
		`, sv.ID, l.ID, sv.Status, sv.CreatedAt)
		if err != nil {
			return mapErr(err)
		}
	}
	return tx.Commit()
}

// GetLog returns a single log with its selfie status.
func (r *Repository) GetLog(ctx context.Context, id string) (model.AttendanceLog, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+logColumns+logFrom+` WHERE l.id = $1`, id)
	l, err := scanLog(row)
	return l, mapErr(err)
}

// OverrideLog stores a new status together with the override record.
func (r *Repository) OverrideLog(ctx context.Context, l model.AttendanceLog) error {
	if l.Override == nil {
		return fmt.Errorf("override record required")
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_logs
		SET status = $2, override_by_kind = $3, override_by_id = $4, override_reason = $5,
			original_status = $6, overridden_at = $7
		WHERE id = $1
	`, l.ID, l.Status, l.Override.By.Kind, l.Override.By.ID, l.Override.Reason,
		l.Override.OriginalStatus, l.Override.At)
	if err != nil {
		return mapErr(err)
	}
	return rowsAffected(res)
}

func (r *Repository) queryLogs(ctx context.Context, q querier, where string, args ...any) ([]model.AttendanceLog, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+logColumns+logFrom+` WHERE `+where+` ORDER BY l.scanned_at DESC, l.id DESC`, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []model.AttendanceLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LogsByStudent returns the student's logs scanned at or after since.
func (r *Repository) LogsByStudent(ctx context.Context, studentID string, since time.Time) ([]model.AttendanceLog, error) {
	return r.queryLogs(ctx, r.db, `l.student_id = $1 AND l.scanned_at >= $2`, studentID, since)
}

// LogsByDevice returns logs carrying the fingerprint.
func (r *Repository) LogsByDevice(ctx context.Context, fingerprint string, since time.Time) ([]model.AttendanceLog, error) {
	if fingerprint == "" {
		return nil, nil
	}
	return r.queryLogs(ctx, r.db, `l.device_fingerprint = $1 AND l.scanned_at >= $2`, fingerprint, since)
}

// LogsBySelfieHash returns logs whose selfie has the given content hash.
func (r *Repository) LogsBySelfieHash(ctx context.Context, hash string, since time.Time) ([]model.AttendanceLog, error) {
	if hash == "" {
		return nil, nil
	}
	return r.queryLogs(ctx, r.db, `l.selfie_hash = $1 AND l.scanned_at >= $2`, hash, since)
}

// LogsReceivedSince returns logs the server received at or after since.
func (r *Repository) LogsReceivedSince(ctx context.Context, since time.Time) ([]model.AttendanceLog, error) {
	return r.queryLogs(ctx, r.db, `l.received_at >= $1`, since)
}

// Selfie verifications

const selfieColumns = `id, attendance_log_id, status, verifier_kind, verifier_id, verified_at, rejection_reason, created_at`

func scanSelfie(row scanner) (model.SelfieVerification, error) {
	var (
		sv         model.SelfieVerification
		kind, id   sql.NullString
		verifiedAt sql.NullTime
	)
	if err := row.Scan(&sv.ID, &sv.LogID, &sv.Status, &kind, &id, &verifiedAt, &sv.RejectionReason, &sv.CreatedAt); err != nil {
		return model.SelfieVerification{}, err
	}
	if kind.Valid {
		sv.Verifier = &model.Actor{Kind: model.ActorKind(kind.String), ID: id.String}
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		sv.VerifiedAt = &t
	}
	return sv, nil
}

// GetSelfie returns a verification by id.
func (r *Repository) GetSelfie(ctx context.Context, id string) (model.SelfieVerification, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selfieColumns+` FROM selfie_verifications WHERE id = $1`, id)
	sv, err := scanSelfie(row)
	return sv, mapErr(err)
}

// GetSelfieByLog returns the verification attached to a log.
func (r *Repository) GetSelfieByLog(ctx context.Context, logID string) (model.SelfieVerification, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selfieColumns+` FROM selfie_verifications WHERE attendance_log_id = $1`, logID)
	sv, err := scanSelfie(row)
	return sv, mapErr(err)
}

// UpdateSelfie writes the resolution if the verification is still in state from.
func (r *Repository) UpdateSelfie(ctx context.Context, sv model.SelfieVerification, from model.SelfieStatus) error {
	var kind, id sql.NullString
	if sv.Verifier != nil {
		kind, id = nullString(string(sv.Verifier.Kind)), nullString(sv.Verifier.ID)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE selfie_verifications
		SET status = $3, verifier_kind = $4, verifier_id = $5, verified_at = $6, rejection_reason = $7
		WHERE id = $1 AND status = $2
	`, sv.ID, from, sv.Status, kind, id, sv.VerifiedAt, sv.RejectionReason)
	if err != nil {
		return mapErr(err)
	}
	if err := rowsAffected(res); err == nil {
		return nil
	}
	if _, err := r.GetSelfie(ctx, sv.ID); err != nil {
		return err
	}
	return model.ErrInvalidTransition
}

// ListSelfies returns verifications in a status, oldest first.
func (r *Repository) ListSelfies(ctx context.Context, status model.SelfieStatus, limit int) ([]model.SelfieVerification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selfieColumns+` FROM selfie_verifications
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var res []model.SelfieVerification
	for rows.Next() {
		sv, err := scanSelfie(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sv)
	}
	return res, rows.Err()
}

// Settings

// LoadSettings returns every stored setting.
func (r *Repository) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetSetting upserts one setting.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	return err
}

func placeholder(args []any) string { return "$" + strconv.Itoa(len(args)) }

func joinClauses(parts []string) string { return strings.Join(parts, " AND ") }
