package store

import (
	"context"
	"database/sql"

	"classattend/internal/model"
)

// LoadScoreInputs reads a course's sessions and the student's logs and
// approved permits from one repeatable-read snapshot.
func (r *Repository) LoadScoreInputs(ctx context.Context, studentID, courseID string) (model.ScoreInputs, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return model.ScoreInputs{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var in model.ScoreInputs
	if in.Sessions, err = querySessions(ctx, tx, courseID); err != nil {
		return model.ScoreInputs{}, err
	}
	if in.Logs, err = r.queryLogs(ctx, tx, `l.student_id = $1 AND l.session_id IN (
			SELECT id FROM attendance_sessions WHERE course_id = $2)`, studentID, courseID); err != nil {
		return model.ScoreInputs{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT p.id, p.session_id, p.student_id, p.status, p.created_at
		FROM attendance_permits p
		JOIN attendance_sessions s ON s.id = p.session_id
		WHERE p.student_id = $1 AND s.course_id = $2 AND p.status = 'approved'
		ORDER BY p.created_at
	`, studentID, courseID)
	if err != nil {
		return model.ScoreInputs{}, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var p model.Permit
		if err := rows.Scan(&p.ID, &p.SessionID, &p.StudentID, &p.Status, &p.CreatedAt); err != nil {
			return model.ScoreInputs{}, err
		}
		in.ApprovedPermits = append(in.ApprovedPermits, p)
	}
	if err := rows.Err(); err != nil {
		return model.ScoreInputs{}, err
	}
	return in, tx.Commit()
}

// StudentsForCourse lists every student with a log or permit in the course.
func (r *Repository) StudentsForCourse(ctx context.Context, courseID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT l.student_id FROM attendance_logs l
		JOIN attendance_sessions s ON s.id = l.session_id
		WHERE s.course_id = $1
		UNION
		SELECT p.student_id FROM attendance_permits p
		JOIN attendance_sessions s ON s.id = p.session_id
		WHERE s.course_id = $1
		ORDER BY 1
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// ReplaceScore upserts the aggregate for a student and course.
func (r *Repository) ReplaceScore(ctx context.Context, s model.StudentActivityScore) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO student_activity_scores (student_id, course_id, total_sessions, present_count, late_count,
			permit_count, absent_count, attendance_percentage, activity_score, risk_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (student_id, course_id) DO UPDATE SET
			total_sessions = EXCLUDED.total_sessions,
			present_count = EXCLUDED.present_count,
			late_count = EXCLUDED.late_count,
			permit_count = EXCLUDED.permit_count,
			absent_count = EXCLUDED.absent_count,
			attendance_percentage = EXCLUDED.attendance_percentage,
			activity_score = EXCLUDED.activity_score,
			risk_status = EXCLUDED.risk_status,
			updated_at = NOW()
	`, s.StudentID, s.CourseID, s.TotalSessions, s.PresentCount, s.LateCount,
		s.PermitCount, s.AbsentCount, s.AttendancePercentage, s.ActivityScore, s.RiskStatus)
	return err
}

// GetScore returns the stored aggregate.
func (r *Repository) GetScore(ctx context.Context, studentID, courseID string) (model.StudentActivityScore, error) {
	var s model.StudentActivityScore
	err := r.db.QueryRowContext(ctx, `
		SELECT student_id, course_id, total_sessions, present_count, late_count, permit_count,
			absent_count, attendance_percentage, activity_score, risk_status
		FROM student_activity_scores
		WHERE student_id = $1 AND course_id = $2
	`, studentID, courseID).Scan(&s.StudentID, &s.CourseID, &s.TotalSessions, &s.PresentCount, &s.LateCount,
		&s.PermitCount, &s.AbsentCount, &s.AttendancePercentage, &s.ActivityScore, &s.RiskStatus)
	return s, mapErr(err)
}

// AddPermit records an absence permit for a session.
func (r *Repository) AddPermit(ctx context.Context, p model.Permit) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_permits (id, session_id, student_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.SessionID, p.StudentID, p.Status, p.CreatedAt)
	return mapErr(err)
}
