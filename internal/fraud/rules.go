package fraud

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"classattend/internal/config"
	"classattend/internal/geo"
	"classattend/internal/model"
)

const spoofToleranceDeg = 0.0001

// DefaultRules returns the full rule set.
func DefaultRules() []Rule {
	return []Rule{
		GPSSpoofing{},
		DuplicateSelfie{},
		RapidLocationChange{},
		SuspiciousPattern{},
		DeviceMismatch{},
		TimeAnomaly{},
	}
}

// others drops the log under analysis from a history slice.
func others(logs []model.AttendanceLog, self string) []model.AttendanceLog {
	out := logs[:0:0]
	for _, l := range logs {
		if l.ID != self {
			out = append(out, l)
		}
	}
	return out
}

func round2(f float64) float64 {
	if math.IsInf(f, 0) {
		return f
	}
	return math.Round(f*100) / 100
}

var severityRank = map[model.Severity]int{
	model.SeverityLow:      1,
	model.SeverityMedium:   2,
	model.SeverityHigh:     3,
	model.SeverityCritical: 4,
}

// GPSSpoofing flags mock location providers, known placeholder coordinates
// and travel speeds between consecutive scans above the configured maximum.
type GPSSpoofing struct{}

func (GPSSpoofing) Type() model.AlertType { return model.AlertGPSSpoofing }

func (GPSSpoofing) Check(ctx context.Context, ev Event, h History, cfg config.FraudSettings) ([]Finding, error) {
	cur := ev.Log
	var (
		severity model.Severity
		signals  []string
		evidence = map[string]any{}
	)
	raise := func(s model.Severity, signal string) {
		if severityRank[s] > severityRank[severity] {
			severity = s
		}
		signals = append(signals, signal)
	}

	if cur.Device.MockLocation {
		raise(model.SeverityCritical, "mock_location")
	}
	if !cur.HasLocation() {
		if severity == "" {
			return nil, nil
		}
		evidence["signals"] = signals
		return []Finding{{Severity: severity, Description: "Device reported a mock location provider", Evidence: evidence}}, nil
	}
	lat, lon := *cur.Lat, *cur.Lon
	evidence["latitude"], evidence["longitude"] = lat, lon

	for _, p := range cfg.SpoofCoordinates {
		if geo.Near(lat, lon, p.Lat, p.Lon, spoofToleranceDeg) {
			raise(model.SeverityHigh, "known_spoof_coordinate")
			evidence["matched_coordinate"] = p
			break
		}
	}

	if cfg.MaxSpeedKmH > 0 {
		history, err := h.LogsByStudent(ctx, cur.StudentID, cur.ScannedAt.Add(-cfg.SpeedLookback))
		if err != nil {
			return nil, err
		}
		if prev, ok := previousLocated(others(history, cur.ID), cur.ScannedAt); ok {
			distance := geo.DistanceMeters(*prev.Lat, *prev.Lon, lat, lon)
			elapsed := cur.ScannedAt.Sub(prev.ScannedAt)
			speed := geo.SpeedKmH(distance, elapsed)
			if speed > cfg.MaxSpeedKmH {
				s := model.SeverityHigh
				if speed > 2*cfg.MaxSpeedKmH {
					s = model.SeverityCritical
				}
				raise(s, "impossible_speed")
				evidence["previous_log_id"] = prev.ID
				evidence["distance_m"] = round2(distance)
				evidence["elapsed_seconds"] = elapsed.Seconds()
				if !math.IsInf(speed, 0) {
					evidence["speed_kmh"] = round2(speed)
				}
				evidence["max_speed_kmh"] = cfg.MaxSpeedKmH
			}
		}
	}

	if severity == "" {
		return nil, nil
	}
	evidence["signals"] = signals
	return []Finding{{
		Severity:    severity,
		Description: "Suspicious GPS location: " + strings.Join(signals, ", "),
		Evidence:    evidence,
	}}, nil
}

// previousLocated returns the latest located log scanned at or before t.
func previousLocated(logs []model.AttendanceLog, t time.Time) (model.AttendanceLog, bool) {
	var (
		best  model.AttendanceLog
		found bool
	)
	for _, l := range logs {
		if !l.HasLocation() || l.ScannedAt.After(t) {
			continue
		}
		if !found || l.ScannedAt.After(best.ScannedAt) {
			best, found = l, true
		}
	}
	return best, found
}

// DuplicateSelfie flags a selfie whose content hash was already submitted by
// another student within the lookback.
type DuplicateSelfie struct{}

func (DuplicateSelfie) Type() model.AlertType { return model.AlertDuplicateSelfie }

func (DuplicateSelfie) Check(ctx context.Context, ev Event, h History, cfg config.FraudSettings) ([]Finding, error) {
	cur := ev.Log
	if cur.SelfieHash == "" {
		return nil, nil
	}
	matches, err := h.LogsBySelfieHash(ctx, cur.SelfieHash, cur.ScannedAt.Add(-cfg.SelfieLookback))
	if err != nil {
		return nil, err
	}
	var students, logIDs []string
	seen := map[string]bool{}
	for _, l := range others(matches, cur.ID) {
		if l.StudentID == cur.StudentID {
			continue
		}
		logIDs = append(logIDs, l.ID)
		if !seen[l.StudentID] {
			seen[l.StudentID] = true
			students = append(students, l.StudentID)
		}
	}
	if len(students) == 0 {
		return nil, nil
	}
	sort.Strings(students)
	return []Finding{{
		Severity:    model.SeverityCritical,
		Description: fmt.Sprintf("Selfie identical to one submitted by %d other student(s)", len(students)),
		Evidence:    map[string]any{"other_students": students, "matching_log_ids": logIDs},
	}}, nil
}

// RapidLocationChange flags two accepted scans for different sessions closer
// together than the configured gap.
type RapidLocationChange struct{}

func (RapidLocationChange) Type() model.AlertType { return model.AlertRapidLocationChange }

func (RapidLocationChange) Check(ctx context.Context, ev Event, h History, cfg config.FraudSettings) ([]Finding, error) {
	cur := ev.Log
	if !cur.Status.Accepted() || cfg.RapidChangeGap <= 0 {
		return nil, nil
	}
	history, err := h.LogsByStudent(ctx, cur.StudentID, cur.ScannedAt.Add(-cfg.RapidChangeGap))
	if err != nil {
		return nil, err
	}
	for _, l := range others(history, cur.ID) {
		if !l.Status.Accepted() || l.SessionID == cur.SessionID {
			continue
		}
		gap := cur.ScannedAt.Sub(l.ScannedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap >= cfg.RapidChangeGap {
			continue
		}
		evidence := map[string]any{
			"other_log_id":     l.ID,
			"other_session_id": l.SessionID,
			"gap_seconds":      gap.Seconds(),
		}
		if cur.HasLocation() && l.HasLocation() {
			evidence["distance_m"] = round2(geo.DistanceMeters(*l.Lat, *l.Lon, *cur.Lat, *cur.Lon))
		}
		return []Finding{{
			Severity:    model.SeverityMedium,
			Description: fmt.Sprintf("Accepted scans for two sessions %s apart", gap.Round(time.Second)),
			Evidence:    evidence,
		}}, nil
	}
	return nil, nil
}

// SuspiciousPattern flags a device fingerprint used by more distinct students
// than allowed within the lookback.
type SuspiciousPattern struct{}

func (SuspiciousPattern) Type() model.AlertType { return model.AlertSuspiciousPattern }

func (SuspiciousPattern) Check(ctx context.Context, ev Event, h History, cfg config.FraudSettings) ([]Finding, error) {
	cur := ev.Log
	if cur.Device.Fingerprint == "" || cfg.DeviceMaxStudents <= 0 {
		return nil, nil
	}
	logs, err := h.LogsByDevice(ctx, cur.Device.Fingerprint, cur.ScannedAt.Add(-cfg.DeviceLookback))
	if err != nil {
		return nil, err
	}
	students := map[string]bool{cur.StudentID: true}
	for _, l := range logs {
		students[l.StudentID] = true
	}
	if len(students) <= cfg.DeviceMaxStudents {
		return nil, nil
	}
	ids := make([]string, 0, len(students))
	for id := range students {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return []Finding{{
		Severity:    model.SeverityHigh,
		Description: fmt.Sprintf("Device used by %d different students", len(ids)),
		Evidence: map[string]any{
			"fingerprint":  cur.Device.Fingerprint,
			"students":     ids,
			"max_students": cfg.DeviceMaxStudents,
		},
	}}, nil
}

// DeviceMismatch flags a scan from a device unlike the student's dominant one.
type DeviceMismatch struct{}

func (DeviceMismatch) Type() model.AlertType { return model.AlertDeviceMismatch }

func (DeviceMismatch) Check(ctx context.Context, ev Event, h History, cfg config.FraudSettings) ([]Finding, error) {
	cur := ev.Log
	if cur.Device.Fingerprint == "" {
		return nil, nil
	}
	history, err := h.LogsByStudent(ctx, cur.StudentID, cur.ScannedAt.Add(-cfg.DeviceLookback))
	if err != nil {
		return nil, err
	}
	var (
		counts = map[string]int{}
		latest = map[string]model.DeviceInfo{}
		total  int
	)
	// history is newest first, so the first device seen per fingerprint is the latest.
	for _, l := range others(history, cur.ID) {
		fp := l.Device.Fingerprint
		if fp == "" {
			continue
		}
		total++
		counts[fp]++
		if _, ok := latest[fp]; !ok {
			latest[fp] = l.Device
		}
	}
	if total < cfg.DeviceMinHistory {
		return nil, nil
	}
	dominant := dominantFingerprint(counts)
	if dominant == "" || dominant == cur.Device.Fingerprint {
		return nil, nil
	}
	similarity := DeviceSimilarity(latest[dominant], cur.Device)
	if similarity >= cfg.DeviceSimilarity {
		return nil, nil
	}
	return []Finding{{
		Severity:    model.SeverityLow,
		Description: "Scan from a device different from the student's usual one",
		Evidence: map[string]any{
			"fingerprint":          cur.Device.Fingerprint,
			"dominant_fingerprint": dominant,
			"dominant_share":       round2(float64(counts[dominant]) / float64(total)),
			"similarity":           round2(similarity),
			"device":               cur.Device,
			"usual_device":         latest[dominant],
		},
	}}, nil
}

// dominantFingerprint picks the most used fingerprint, ties broken by value.
func dominantFingerprint(counts map[string]int) string {
	best, bestN := "", 0
	for fp, n := range counts {
		if n > bestN || (n == bestN && fp < best) {
			best, bestN = fp, n
		}
	}
	return best
}

// DeviceSimilarity scores two devices by matching OS (0.4), model (0.4) and type (0.2).
func DeviceSimilarity(a, b model.DeviceInfo) float64 {
	score := 0.0
	if a.OS != "" && strings.EqualFold(a.OS, b.OS) {
		score += 0.4
	}
	if a.Model != "" && strings.EqualFold(a.Model, b.Model) {
		score += 0.4
	}
	if a.Type != "" && strings.EqualFold(a.Type, b.Type) {
		score += 0.2
	}
	return score
}

// TimeAnomaly flags client clocks far from server receipt and scans long
// before the session starts.
type TimeAnomaly struct{}

func (TimeAnomaly) Type() model.AlertType { return model.AlertTimeAnomaly }

func (TimeAnomaly) Check(_ context.Context, ev Event, _ History, cfg config.FraudSettings) ([]Finding, error) {
	cur := ev.Log
	var signals []string
	evidence := map[string]any{
		"scanned_at":  cur.ScannedAt,
		"received_at": cur.ReceivedAt,
	}
	if cfg.ClockSkew > 0 && !cur.ReceivedAt.IsZero() {
		skew := cur.ReceivedAt.Sub(cur.ScannedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > cfg.ClockSkew {
			signals = append(signals, "clock_skew")
			evidence["skew_seconds"] = skew.Seconds()
			evidence["max_skew_seconds"] = cfg.ClockSkew.Seconds()
		}
	}
	if cfg.EarlyScan > 0 && !ev.Session.StartAt.IsZero() && cur.ScannedAt.Before(ev.Session.StartAt.Add(-cfg.EarlyScan)) {
		signals = append(signals, "scan_before_session")
		evidence["session_start_at"] = ev.Session.StartAt
	}
	if len(signals) == 0 {
		return nil, nil
	}
	evidence["signals"] = signals
	return []Finding{{
		Severity:    model.SeverityMedium,
		Description: "Scan time anomaly: " + strings.Join(signals, ", "),
		Evidence:    evidence,
	}}, nil
}
