package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/config"
	"classattend/internal/geo"
	"classattend/internal/model"
	"classattend/internal/store/memory"
)

var (
	start  = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	campus = model.Point{Lat: -6.3461, Lon: 106.6915}
)

func ptr(f float64) *float64 { return &f }

type history struct {
	t        *testing.T
	store    *memory.Store
	n        int
	meetings int
}

func newHistory(t *testing.T) *history {
	t.Helper()
	return &history{t: t, store: memory.New()}
}

func (h *history) session(id, course string, at time.Time) model.Session {
	h.t.Helper()
	h.meetings++
	sess := model.Session{
		ID: id, CourseID: course, MeetingNumber: h.meetings,
		StartAt: at, EndAt: at.Add(100 * time.Minute), IsActive: true,
	}
	require.NoError(h.t, h.store.CreateSession(context.Background(), sess))
	return sess
}

// scan stores an accepted log of student in session at the given point and time.
func (h *history) scan(student, session string, at time.Time, p model.Point, fn ...func(*model.AttendanceLog)) model.AttendanceLog {
	h.t.Helper()
	h.n++
	l := model.AttendanceLog{
		ID:         fmt.Sprintf("log-%03d", h.n),
		SessionID:  session,
		StudentID:  student,
		ScannedAt:  at,
		ReceivedAt: at,
		Status:     model.StatusPresent,
		Lat:        ptr(p.Lat),
		Lon:        ptr(p.Lon),
		Device:     model.DeviceInfo{Fingerprint: "fp-" + student, OS: "Android", Model: "Pixel 8", Type: "mobile"},
	}
	for _, f := range fn {
		f(&l)
	}
	require.NoError(h.t, h.store.CreateLog(context.Background(), l, nil))
	return l
}

func (h *history) check(r Rule, l model.AttendanceLog, sess model.Session) []Finding {
	h.t.Helper()
	findings, err := r.Check(context.Background(), Event{Log: l, Session: sess}, h.store, config.Defaults().Fraud)
	require.NoError(h.t, err)
	return findings
}

func east(km float64) model.Point {
	lat, lon := geo.Destination(campus.Lat, campus.Lon, 90, km*1000)
	return model.Point{Lat: lat, Lon: lon}
}

func TestGPSSpoofingSpeed(t *testing.T) {
	cases := []struct {
		name     string
		km       float64
		want     model.Severity
		expected bool
	}{
		{name: "walkable", km: 10},
		{name: "too fast", km: 20, want: model.SeverityHigh, expected: true},
		{name: "twice the limit", km: 40, want: model.SeverityCritical, expected: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHistory(t)
			s1 := h.session("s1", "c1", start)
			s2 := h.session("s2", "c2", start)
			h.scan("alice", s1.ID, start, campus)
			cur := h.scan("alice", s2.ID, start.Add(5*time.Minute), east(tc.km))

			findings := h.check(GPSSpoofing{}, cur, s2)
			if !tc.expected {
				assert.Empty(t, findings)
				return
			}
			require.Len(t, findings, 1)
			assert.Equal(t, tc.want, findings[0].Severity)
			assert.Equal(t, "log-001", findings[0].Evidence["previous_log_id"])
		})
	}
}

func TestGPSSpoofingIgnoresPreviousOutsideLookback(t *testing.T) {
	h := newHistory(t)
	s1 := h.session("s1", "c1", start)
	s2 := h.session("s2", "c2", start.Add(48*time.Hour))
	h.scan("alice", s1.ID, start, campus)
	cur := h.scan("alice", s2.ID, start.Add(48*time.Hour), east(500))

	assert.Empty(t, h.check(GPSSpoofing{}, cur, s2))
}

func TestGPSSpoofingMockAndKnownCoordinates(t *testing.T) {
	h := newHistory(t)
	s1 := h.session("s1", "c1", start)

	mock := h.scan("alice", s1.ID, start, campus, func(l *model.AttendanceLog) {
		l.Device.MockLocation = true
	})
	findings := h.check(GPSSpoofing{}, mock, s1)
	require.Len(t, findings, 1)
	assert.Equal(t, model.SeverityCritical, findings[0].Severity)

	known := h.scan("bob", s1.ID, start, model.Point{Lat: -6.20881, Lon: 106.84559})
	findings = h.check(GPSSpoofing{}, known, s1)
	require.Len(t, findings, 1)
	assert.Equal(t, model.SeverityHigh, findings[0].Severity)
	assert.Equal(t, []string{"known_spoof_coordinate"}, findings[0].Evidence["signals"])

	missing := h.scan("carol", s1.ID, start, campus, func(l *model.AttendanceLog) {
		l.Lat, l.Lon = nil, nil
	})
	assert.Empty(t, h.check(GPSSpoofing{}, missing, s1))
}

func TestDuplicateSelfie(t *testing.T) {
	h := newHistory(t)
	s1 := h.session("s1", "c1", start)
	withHash := func(l *model.AttendanceLog) { l.SelfieHash = "abc123" }

	first := h.scan("alice", s1.ID, start, campus, withHash)
	assert.Empty(t, h.check(DuplicateSelfie{}, first, s1))

	second := h.scan("bob", s1.ID, start.Add(time.Minute), campus, withHash)
	findings := h.check(DuplicateSelfie{}, second, s1)
	require.Len(t, findings, 1)
	assert.Equal(t, model.SeverityCritical, findings[0].Severity)
	assert.Equal(t, []string{"alice"}, findings[0].Evidence["other_students"])
}

func TestRapidLocationChange(t *testing.T) {
	h := newHistory(t)
	s1 := h.session("s1", "c1", start)
	s2 := h.session("s2", "c2", start)
	s3 := h.session("s3", "c3", start)
	h.scan("alice", s1.ID, start, campus)

	near := h.scan("alice", s2.ID, start.Add(5*time.Minute), east(3))
	findings := h.check(RapidLocationChange{}, near, s2)
	require.Len(t, findings, 1)
	assert.Equal(t, model.SeverityMedium, findings[0].Severity)
	assert.Equal(t, "s1", findings[0].Evidence["other_session_id"])

	h.scan("bob", s1.ID, start, campus)
	apart := h.scan("bob", s3.ID, start.Add(10*time.Minute), campus)
	assert.Empty(t, h.check(RapidLocationChange{}, apart, s3))

	rejected := h.scan("alice", s3.ID, start.Add(6*time.Minute), campus, func(l *model.AttendanceLog) {
		l.Status = model.StatusRejected
	})
	assert.Empty(t, h.check(RapidLocationChange{}, rejected, s3))
}

func TestSuspiciousPattern(t *testing.T) {
	h := newHistory(t)
	s1 := h.session("s1", "c1", start)
	shared := func(l *model.AttendanceLog) { l.Device.Fingerprint = "shared" }

	first := h.scan("alice", s1.ID, start, campus, shared)
	assert.Empty(t, h.check(SuspiciousPattern{}, first, s1))

	second := h.scan("bob", s1.ID, start.Add(time.Minute), campus, shared)
	findings := h.check(SuspiciousPattern{}, second, s1)
	require.Len(t, findings, 1)
	assert.Equal(t, model.SeverityHigh, findings[0].Severity)
	assert.Equal(t, []string{"alice", "bob"}, findings[0].Evidence["students"])
}

func TestDeviceMismatch(t *testing.T) {
	setup := func(t *testing.T, prior int) *history {
		h := newHistory(t)
		for i := 0; i < prior; i++ {
			id := fmt.Sprintf("h%d", i)
			h.session(id, "c1", start.Add(time.Duration(i)*24*time.Hour))
			h.scan("alice", id, start.Add(time.Duration(i)*24*time.Hour), campus)
		}
		return h
	}
	day := start.Add(10 * 24 * time.Hour)

	t.Run("different device", func(t *testing.T) {
		h := setup(t, 5)
		sess := h.session("cur", "c1", day)
		cur := h.scan("alice", sess.ID, day, campus, func(l *model.AttendanceLog) {
			l.Device = model.DeviceInfo{Fingerprint: "fp-new", OS: "iOS", Model: "iPhone 15", Type: "mobile"}
		})
		findings := h.check(DeviceMismatch{}, cur, sess)
		require.Len(t, findings, 1)
		assert.Equal(t, model.SeverityLow, findings[0].Severity)
		assert.Equal(t, "fp-alice", findings[0].Evidence["dominant_fingerprint"])
		assert.InDelta(t, 0.2, findings[0].Evidence["similarity"], 1e-9)
	})

	t.Run("similar device", func(t *testing.T) {
		h := setup(t, 5)
		sess := h.session("cur", "c1", day)
		cur := h.scan("alice", sess.ID, day, campus, func(l *model.AttendanceLog) {
			l.Device.Fingerprint = "fp-reinstalled"
		})
		assert.Empty(t, h.check(DeviceMismatch{}, cur, sess))
	})

	t.Run("not enough history", func(t *testing.T) {
		h := setup(t, 4)
		sess := h.session("cur", "c1", day)
		cur := h.scan("alice", sess.ID, day, campus, func(l *model.AttendanceLog) {
			l.Device = model.DeviceInfo{Fingerprint: "fp-new", OS: "iOS"}
		})
		assert.Empty(t, h.check(DeviceMismatch{}, cur, sess))
	})
}

func TestDeviceSimilarity(t *testing.T) {
	a := model.DeviceInfo{OS: "Android", Model: "Pixel 8", Type: "mobile"}
	assert.InDelta(t, 1.0, DeviceSimilarity(a, a), 1e-9)
	assert.InDelta(t, 0.6, DeviceSimilarity(a, model.DeviceInfo{OS: "android", Model: "Galaxy", Type: "mobile"}), 1e-9)
	assert.InDelta(t, 0.0, DeviceSimilarity(model.DeviceInfo{}, model.DeviceInfo{}), 1e-9)
}

func TestDominantFingerprintTieBreak(t *testing.T) {
	assert.Equal(t, "a", dominantFingerprint(map[string]int{"b": 2, "a": 2, "c": 1}))
	assert.Equal(t, "", dominantFingerprint(nil))
}

func TestTimeAnomaly(t *testing.T) {
	h := newHistory(t)
	s1 := h.session("s1", "c1", start)

	ok := h.scan("alice", s1.ID, start.Add(time.Minute), campus, func(l *model.AttendanceLog) {
		l.ReceivedAt = l.ScannedAt.Add(2 * time.Minute)
	})
	assert.Empty(t, h.check(TimeAnomaly{}, ok, s1))

	skewed := h.scan("bob", s1.ID, start.Add(time.Minute), campus, func(l *model.AttendanceLog) {
		l.ReceivedAt = l.ScannedAt.Add(5 * time.Minute)
	})
	findings := h.check(TimeAnomaly{}, skewed, s1)
	require.Len(t, findings, 1)
	assert.Equal(t, model.SeverityMedium, findings[0].Severity)
	assert.Equal(t, []string{"clock_skew"}, findings[0].Evidence["signals"])

	early := h.scan("carol", s1.ID, start.Add(-31*time.Minute), campus)
	findings = h.check(TimeAnomaly{}, early, s1)
	require.Len(t, findings, 1)
	assert.Equal(t, []string{"scan_before_session"}, findings[0].Evidence["signals"])
}
