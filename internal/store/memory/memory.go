// Package memory is an in-process implementation of every repository the
// engine uses. It backs STORE_BACKEND=memory and the package tests, and
// enforces the same invariants the Postgres schema enforces by constraint.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"classattend/internal/model"
)

// Store holds all tables behind one mutex, which makes every method atomic.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]model.Session
	tokens      []model.Token
	logs        map[string]model.AttendanceLog
	selfies     map[string]model.SelfieVerification
	selfieByLog map[string]string
	alerts      map[string]model.FraudAlert
	alertOrder  []string
	permits     []model.Permit
	scores      map[string]model.StudentActivityScore
	settings    map[string]string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]model.Session),
		logs:        make(map[string]model.AttendanceLog),
		selfies:     make(map[string]model.SelfieVerification),
		selfieByLog: make(map[string]string),
		alerts:      make(map[string]model.FraudAlert),
		scores:      make(map[string]model.StudentActivityScore),
		settings:    make(map[string]string),
	}
}

// Sessions

func (s *Store) CreateSession(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, model.ErrConflict)
	}
	for _, other := range s.sessions {
		if other.CourseID == sess.CourseID && other.MeetingNumber == sess.MeetingNumber {
			return fmt.Errorf("course %s meeting %d: %w", sess.CourseID, sess.MeetingNumber, model.ErrConflict)
		}
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, model.ErrNotFound
	}
	return sess, nil
}

func (s *Store) SetSessionActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.ErrNotFound
	}
	sess.IsActive = active
	s.sessions[id] = sess
	return nil
}

func (s *Store) SessionsByCourse(_ context.Context, courseID string) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsByCourseLocked(courseID), nil
}

func (s *Store) sessionsByCourseLocked(courseID string) []model.Session {
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.CourseID == courseID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeetingNumber < out[j].MeetingNumber })
	return out
}

// Tokens

func (s *Store) AppendToken(_ context.Context, tok model.Token) (model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[tok.SessionID]; !ok {
		return model.Token{}, model.ErrNotFound
	}
	for _, t := range s.tokens {
		if t.Value == tok.Value {
			return model.Token{}, fmt.Errorf("token value: %w", model.ErrConflict)
		}
	}
	tok.Seq = int64(len(s.tokens) + 1)
	s.tokens = append(s.tokens, tok)
	return tok, nil
}

func (s *Store) LatestToken(_ context.Context, sessionID string) (model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest model.Token
	found := false
	for _, t := range s.tokens {
		if t.SessionID != sessionID {
			continue
		}
		if !found || newerToken(t, latest) {
			latest, found = t, true
		}
	}
	if !found {
		return model.Token{}, model.ErrNotFound
	}
	return latest, nil
}

func newerToken(a, b model.Token) bool {
	if !a.IssuedAt.Equal(b.IssuedAt) {
		return a.IssuedAt.After(b.IssuedAt)
	}
	return a.Seq > b.Seq
}

func (s *Store) FindToken(_ context.Context, sessionID, value string) (model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.SessionID == sessionID && t.Value == value {
			return t, nil
		}
	}
	return model.Token{}, model.ErrNotFound
}

func (s *Store) ListTokens(_ context.Context, sessionID string) ([]model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Token
	for _, t := range s.tokens {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return newerToken(out[i], out[j]) })
	return out, nil
}

// Logs

func (s *Store) HasAcceptedLog(_ context.Context, sessionID, studentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasAcceptedLocked(sessionID, studentID, ""), nil
}

func (s *Store) hasAcceptedLocked(sessionID, studentID, exceptID string) bool {
	for _, l := range s.logs {
		if l.ID != exceptID && l.SessionID == sessionID && l.StudentID == studentID && l.Status.Accepted() {
			return true
		}
	}
	return false
}

// CreateLog inserts the log and, when given, its selfie verification as one unit.
func (s *Store) CreateLog(_ context.Context, log model.AttendanceLog, sv *model.SelfieVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[log.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", log.SessionID, model.ErrNotFound)
	}
	if _, ok := s.logs[log.ID]; ok {
		return fmt.Errorf("log %s: %w", log.ID, model.ErrConflict)
	}
	if log.Status.Accepted() && s.hasAcceptedLocked(log.SessionID, log.StudentID, "") {
		return model.ErrDuplicateScan
	}
	log.SelfieStatus = ""
	s.logs[log.ID] = log
	if sv != nil {
		sv.LogID = log.ID
		s.selfies[sv.ID] = *sv
		s.selfieByLog[log.ID] = sv.ID
	}
	return nil
}

func (s *Store) GetLog(_ context.Context, id string) (model.AttendanceLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return model.AttendanceLog{}, model.ErrNotFound
	}
	return s.withSelfieLocked(l), nil
}

func (s *Store) withSelfieLocked(l model.AttendanceLog) model.AttendanceLog {
	if id, ok := s.selfieByLog[l.ID]; ok {
		l.SelfieStatus = s.selfies[id].Status
	}
	return l
}

// OverrideLog stores a new status and override record.
func (s *Store) OverrideLog(_ context.Context, log model.AttendanceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.logs[log.ID]
	if !ok {
		return model.ErrNotFound
	}
	if log.Status.Accepted() && s.hasAcceptedLocked(cur.SessionID, cur.StudentID, cur.ID) {
		return model.ErrDuplicateScan
	}
	cur.Status = log.Status
	cur.Override = log.Override
	s.logs[cur.ID] = cur
	return nil
}

func (s *Store) filterLogs(keep func(model.AttendanceLog) bool) []model.AttendanceLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AttendanceLog
	for _, l := range s.logs {
		if keep(l) {
			out = append(out, s.withSelfieLocked(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScannedAt.Equal(out[j].ScannedAt) {
			return out[i].ScannedAt.After(out[j].ScannedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *Store) LogsByStudent(_ context.Context, studentID string, since time.Time) ([]model.AttendanceLog, error) {
	return s.filterLogs(func(l model.AttendanceLog) bool {
		return l.StudentID == studentID && !l.ScannedAt.Before(since)
	}), nil
}

func (s *Store) LogsByDevice(_ context.Context, fingerprint string, since time.Time) ([]model.AttendanceLog, error) {
	return s.filterLogs(func(l model.AttendanceLog) bool {
		return fingerprint != "" && l.Device.Fingerprint == fingerprint && !l.ScannedAt.Before(since)
	}), nil
}

func (s *Store) LogsBySelfieHash(_ context.Context, hash string, since time.Time) ([]model.AttendanceLog, error) {
	return s.filterLogs(func(l model.AttendanceLog) bool {
		return hash != "" && l.SelfieHash == hash && !l.ScannedAt.Before(since)
	}), nil
}

func (s *Store) LogsReceivedSince(_ context.Context, since time.Time) ([]model.AttendanceLog, error) {
	return s.filterLogs(func(l model.AttendanceLog) bool {
		return !l.ReceivedAt.Before(since)
	}), nil
}

// Selfie verifications

func (s *Store) GetSelfie(_ context.Context, id string) (model.SelfieVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.selfies[id]
	if !ok {
		return model.SelfieVerification{}, model.ErrNotFound
	}
	return sv, nil
}

func (s *Store) GetSelfieByLog(_ context.Context, logID string) (model.SelfieVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.selfieByLog[logID]
	if !ok {
		return model.SelfieVerification{}, model.ErrNotFound
	}
	return s.selfies[id], nil
}

// UpdateSelfie replaces the verification if it is still in state from.
func (s *Store) UpdateSelfie(_ context.Context, sv model.SelfieVerification, from model.SelfieStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.selfies[sv.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Status != from {
		return model.ErrInvalidTransition
	}
	sv.LogID = cur.LogID
	sv.CreatedAt = cur.CreatedAt
	s.selfies[sv.ID] = sv
	return nil
}

func (s *Store) ListSelfies(_ context.Context, status model.SelfieStatus, limit int) ([]model.SelfieVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SelfieVerification
	for _, sv := range s.selfies {
		if status == "" || sv.Status == status {
			out = append(out, sv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Fraud alerts

// InsertAlertIfAbsent stores a unless an alert with the same student, type and
// session was created at or after since.
func (s *Store) InsertAlertIfAbsent(_ context.Context, a model.FraudAlert, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.alerts {
		if other.StudentID == a.StudentID && other.Type == a.Type && other.SessionID == a.SessionID &&
			!other.CreatedAt.Before(since) {
			return false, nil
		}
	}
	s.alerts[a.ID] = a
	s.alertOrder = append(s.alertOrder, a.ID)
	return true, nil
}

func (s *Store) GetAlert(_ context.Context, id string) (model.FraudAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return model.FraudAlert{}, model.ErrNotFound
	}
	return a, nil
}

// UpdateAlert writes the review fields if the alert is still in state from.
func (s *Store) UpdateAlert(_ context.Context, a model.FraudAlert, from model.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[a.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Status != from {
		return model.ErrInvalidTransition
	}
	cur.Status = a.Status
	cur.Reviewer = a.Reviewer
	cur.ReviewNotes = a.ReviewNotes
	cur.ReviewedAt = a.ReviewedAt
	s.alerts[a.ID] = cur
	return nil
}

func (s *Store) ListAlerts(_ context.Context, f model.AlertFilter) ([]model.FraudAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FraudAlert
	for i := len(s.alertOrder) - 1; i >= 0; i-- {
		a := s.alerts[s.alertOrder[i]]
		if f.StudentID != "" && a.StudentID != f.StudentID {
			continue
		}
		if f.SessionID != "" && a.SessionID != f.SessionID {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Permits

func (s *Store) AddPermit(_ context.Context, p model.Permit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[p.SessionID]; !ok {
		return model.ErrNotFound
	}
	s.permits = append(s.permits, p)
	return nil
}

// Activity scores

// LoadScoreInputs reads sessions, logs and approved permits under one lock.
func (s *Store) LoadScoreInputs(_ context.Context, studentID, courseID string) (model.ScoreInputs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := model.ScoreInputs{Sessions: s.sessionsByCourseLocked(courseID)}
	inCourse := make(map[string]bool, len(in.Sessions))
	for _, sess := range in.Sessions {
		inCourse[sess.ID] = true
	}
	for _, l := range s.logs {
		if l.StudentID == studentID && inCourse[l.SessionID] {
			in.Logs = append(in.Logs, s.withSelfieLocked(l))
		}
	}
	sort.Slice(in.Logs, func(i, j int) bool { return in.Logs[i].ScannedAt.Before(in.Logs[j].ScannedAt) })
	for _, p := range s.permits {
		if p.StudentID == studentID && p.Status == model.PermitApproved && inCourse[p.SessionID] {
			in.ApprovedPermits = append(in.ApprovedPermits, p)
		}
	}
	return in, nil
}

func (s *Store) StudentsForCourse(_ context.Context, courseID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inCourse := make(map[string]bool)
	for _, sess := range s.sessions {
		if sess.CourseID == courseID {
			inCourse[sess.ID] = true
		}
	}
	seen := make(map[string]bool)
	for _, l := range s.logs {
		if inCourse[l.SessionID] {
			seen[l.StudentID] = true
		}
	}
	for _, p := range s.permits {
		if inCourse[p.SessionID] {
			seen[p.StudentID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ReplaceScore(_ context.Context, score model.StudentActivityScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[score.StudentID+"|"+score.CourseID] = score
	return nil
}

func (s *Store) GetScore(_ context.Context, studentID, courseID string) (model.StudentActivityScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.scores[studentID+"|"+courseID]
	if !ok {
		return model.StudentActivityScore{}, model.ErrNotFound
	}
	return score, nil
}

// Settings

func (s *Store) LoadSettings(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// Blobs is an in-memory selfie store.
type Blobs struct {
	mu    sync.Mutex
	items map[string][]byte
}

// NewBlobs returns an empty blob store.
func NewBlobs() *Blobs {
	return &Blobs{items: make(map[string][]byte)}
}

// Put stores data under key and returns a memory:// locator.
func (b *Blobs) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[key] = append([]byte(nil), data...)
	return "memory://" + key, nil
}

// Get returns the stored bytes for key.
func (b *Blobs) Get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.items[key]
	return data, ok
}
