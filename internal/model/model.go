package model

import (
	"encoding/json"
	"time"
)

// ActorKind tags who performed an action.
type ActorKind string

const (
	ActorStudent    ActorKind = "student"
	ActorInstructor ActorKind = "instructor"
	ActorAdmin      ActorKind = "admin"
)

// Actor identifies a student, instructor or admin.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// Valid reports whether the actor has a known kind and an id.
func (a Actor) Valid() bool {
	switch a.Kind {
	case ActorStudent, ActorInstructor, ActorAdmin:
		return a.ID != ""
	}
	return false
}

// CanVerify reports whether the actor may resolve selfie verifications,
// review fraud alerts or override attendance logs.
func (a Actor) CanVerify() bool {
	if !a.Valid() {
		return false
	}
	switch a.Kind {
	case ActorInstructor, ActorAdmin:
		return true
	case ActorStudent:
		return false
	}
	return false
}

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Geofence is a circular acceptance region.
type Geofence struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	RadiusM float64 `json:"radius_m"`
}

// Session is one class meeting.
type Session struct {
	ID            string    `json:"id"`
	CourseID      string    `json:"course_id"`
	MeetingNumber int       `json:"meeting_number"`
	StartAt       time.Time `json:"start_at"`
	EndAt         time.Time `json:"end_at"`
	IsActive      bool      `json:"is_active"`
	// Geofence overrides the configured center and radius when set.
	Geofence  *Geofence `json:"geofence,omitempty"`
	CreatedBy Actor     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Token is a scan credential for one session.
type Token struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Value     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// Seq orders tokens issued at the same instant.
	Seq int64 `json:"-"`
}

// LogStatus is the outcome stored on an attendance log.
type LogStatus string

const (
	StatusPresent  LogStatus = "present"
	StatusLate     LogStatus = "late"
	StatusRejected LogStatus = "rejected"
)

// Accepted reports whether the status counts as attendance.
func (s LogStatus) Accepted() bool {
	return s == StatusPresent || s == StatusLate
}

// Valid reports whether s is a known status.
func (s LogStatus) Valid() bool {
	return s.Accepted() || s == StatusRejected
}

// DeviceInfo is the client device metadata sent with a scan.
type DeviceInfo struct {
	Fingerprint  string `json:"fingerprint,omitempty"`
	OS           string `json:"os,omitempty"`
	Model        string `json:"model,omitempty"`
	Type         string `json:"type,omitempty"`
	MockLocation bool   `json:"mock_location,omitempty"`
}

// Override records an authorized change of a log's status.
type Override struct {
	By             Actor     `json:"by"`
	Reason         string    `json:"reason"`
	OriginalStatus LogStatus `json:"original_status"`
	At             time.Time `json:"at"`
}

// AttendanceLog is one scan attempt by one student against one session.
type AttendanceLog struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	TokenID   string    `json:"token_id,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
	// ReceivedAt is the server receipt time.
	ReceivedAt time.Time  `json:"received_at"`
	Status     LogStatus  `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	DistanceM  *float64   `json:"distance_m,omitempty"`
	Lat        *float64   `json:"latitude,omitempty"`
	Lon        *float64   `json:"longitude,omitempty"`
	AccuracyM  *float64   `json:"accuracy_m,omitempty"`
	SelfiePath string     `json:"selfie_path,omitempty"`
	SelfieHash string     `json:"-"`
	Device     DeviceInfo `json:"device"`
	Note       string     `json:"note,omitempty"`
	Override   *Override  `json:"override,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	// SelfieStatus is filled on reads from the attached verification, if any.
	SelfieStatus SelfieStatus `json:"selfie_status,omitempty"`
}

// HasLocation reports whether coordinates were recorded.
func (l AttendanceLog) HasLocation() bool {
	return l.Lat != nil && l.Lon != nil
}

// Counts reports whether the log counts as attendance once selfie
// verification is taken into account.
func (l AttendanceLog) Counts() bool {
	return l.Status.Accepted() && l.SelfieStatus != SelfieRejected
}

// SelfieStatus is the state of a selfie verification.
type SelfieStatus string

const (
	SelfiePending  SelfieStatus = "pending"
	SelfieApproved SelfieStatus = "approved"
	SelfieRejected SelfieStatus = "rejected"
)

// SelfieVerification is the human review of a scan's selfie.
type SelfieVerification struct {
	ID              string       `json:"id"`
	LogID           string       `json:"attendance_log_id"`
	Status          SelfieStatus `json:"status"`
	Verifier        *Actor       `json:"verifier,omitempty"`
	VerifiedAt      *time.Time   `json:"verified_at,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// AlertType names a fraud rule.
type AlertType string

const (
	AlertGPSSpoofing         AlertType = "gps_spoofing"
	AlertDuplicateSelfie     AlertType = "duplicate_selfie"
	AlertRapidLocationChange AlertType = "rapid_location_change"
	AlertSuspiciousPattern   AlertType = "suspicious_pattern"
	AlertDeviceMismatch      AlertType = "device_mismatch"
	AlertTimeAnomaly         AlertType = "time_anomaly"
)

// Severity of a fraud alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertStatus is the review state of a fraud alert.
type AlertStatus string

const (
	AlertPending       AlertStatus = "pending"
	AlertInvestigating AlertStatus = "investigating"
	AlertConfirmed     AlertStatus = "confirmed"
	AlertDismissed     AlertStatus = "dismissed"
)

// Terminal reports whether no further review transition is allowed.
func (s AlertStatus) Terminal() bool {
	return s == AlertConfirmed || s == AlertDismissed
}

// ReviewNote is one note appended by a reviewer.
type ReviewNote struct {
	By   Actor       `json:"by"`
	From AlertStatus `json:"from"`
	To   AlertStatus `json:"to"`
	Note string      `json:"note,omitempty"`
	At   time.Time   `json:"at"`
}

// FraudAlert is an anomaly raised against a student.
type FraudAlert struct {
	ID          string          `json:"id"`
	StudentID   string          `json:"student_id"`
	LogID       string          `json:"attendance_log_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	Type        AlertType       `json:"alert_type"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	Status      AlertStatus     `json:"status"`
	Reviewer    *Actor          `json:"reviewer,omitempty"`
	ReviewNotes []ReviewNote    `json:"review_notes,omitempty"`
	ReviewedAt  *time.Time      `json:"reviewed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AlertFilter narrows alert listings. Zero fields match everything.
type AlertFilter struct {
	StudentID string
	SessionID string
	Type      AlertType
	Status    AlertStatus
	Limit     int
	Offset    int
}

// PermitStatus is the approval state of an absence permit.
type PermitStatus string

const (
	PermitPending  PermitStatus = "pending"
	PermitApproved PermitStatus = "approved"
	PermitRejected PermitStatus = "rejected"
)

// Permit excuses a student from one session.
type Permit struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	StudentID string       `json:"student_id"`
	Status    PermitStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// RiskStatus classifies a student's standing in a course.
type RiskStatus string

const (
	RiskSafe    RiskStatus = "safe"
	RiskWarning RiskStatus = "warning"
	RiskDanger  RiskStatus = "danger"
)

// StudentActivityScore is the derived attendance aggregate per student and course.
type StudentActivityScore struct {
	StudentID            string     `json:"student_id"`
	CourseID             string     `json:"course_id"`
	TotalSessions        int        `json:"total_sessions"`
	PresentCount         int        `json:"present_count"`
	LateCount            int        `json:"late_count"`
	PermitCount          int        `json:"permit_count"`
	AbsentCount          int        `json:"absent_count"`
	AttendancePercentage float64    `json:"attendance_percentage"`
	ActivityScore        float64    `json:"activity_score"`
	RiskStatus           RiskStatus `json:"risk_status"`
}

// ScoreInputs is a consistent read of everything a score is derived from.
type ScoreInputs struct {
	Sessions []Session
	// Logs are the student's logs for the course, with SelfieStatus filled.
	Logs            []AttendanceLog
	ApprovedPermits []Permit
}
