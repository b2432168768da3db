package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"classattend/internal/model"
)

// Setting keys as stored in the settings table.
const (
	KeyTokenTTLSeconds        = "token_ttl_seconds"
	KeyGeofenceLat            = "geofence_lat"
	KeyGeofenceLng            = "geofence_lng"
	KeyGeofenceRadiusM        = "geofence_radius_m"
	KeyLateMinutes            = "late_minutes"
	KeyLateGraceMinutes       = "late_grace_minutes"
	KeySelfieRequired         = "selfie_required"
	KeySelfieUploadTimeoutSec = "selfie_upload_timeout_seconds"
	KeyAccuracyLimitM         = "location_accuracy_limit_m"
	KeyScanClockSkewSeconds   = "scan_clock_skew_seconds"

	KeyFraudDisabledRules      = "fraud_disabled_rules"
	KeyFraudMaxSpeedKmH        = "fraud_max_speed_kmh"
	KeyFraudSpeedLookbackHours = "fraud_speed_lookback_hours"
	KeyFraudSelfieLookbackDays = "fraud_selfie_lookback_days"
	KeyFraudRapidGapMinutes    = "fraud_rapid_change_gap_minutes"
	KeyFraudDeviceLookbackDays = "fraud_device_lookback_days"
	KeyFraudDeviceMaxStudents  = "fraud_device_max_students"
	KeyFraudDeviceMinHistory   = "fraud_device_min_history"
	KeyFraudDeviceSimilarity   = "fraud_device_similarity"
	KeyFraudClockSkewSeconds   = "fraud_clock_skew_seconds"
	KeyFraudEarlyScanMinutes   = "fraud_early_scan_minutes"
	KeyFraudCooldownMinutes    = "fraud_cooldown_minutes"
	KeyFraudSpoofCoordinates   = "fraud_spoof_coordinates"

	KeyRiskPresentWeight   = "risk_present_weight"
	KeyRiskLateWeight      = "risk_late_weight"
	KeyRiskPermitWeight    = "risk_permit_weight"
	KeyRiskWarningAbsences = "risk_warning_absences"
	KeyRiskDangerAbsences  = "risk_danger_absences"
)

// Settings is an immutable snapshot of the domain settings. Validators and
// detectors receive one per call.
type Settings struct {
	TokenTTL            time.Duration
	Geofence            model.Geofence
	LateThreshold       time.Duration
	LateGrace           time.Duration
	SelfieRequired      bool
	SelfieUploadTimeout time.Duration
	AccuracyLimitM      float64
	// ScanClockSkew bounds how far a client timestamp may drift from server
	// receipt before the server clock is used for the decision.
	ScanClockSkew time.Duration
	Fraud         FraudSettings
	Risk          RiskSettings
}

// FraudSettings holds the detector thresholds.
type FraudSettings struct {
	DisabledRules     []model.AlertType
	MaxSpeedKmH       float64
	SpeedLookback     time.Duration
	SelfieLookback    time.Duration
	RapidChangeGap    time.Duration
	DeviceLookback    time.Duration
	DeviceMaxStudents int
	DeviceMinHistory  int
	DeviceSimilarity  float64
	ClockSkew         time.Duration
	EarlyScan         time.Duration
	CoolDown          time.Duration
	SpoofCoordinates  []model.Point
}

// RuleEnabled reports whether the rule for t is active.
func (f FraudSettings) RuleEnabled(t model.AlertType) bool {
	for _, d := range f.DisabledRules {
		if d == t {
			return false
		}
	}
	return true
}

// RiskSettings holds the scoring weights and absence thresholds.
type RiskSettings struct {
	PresentWeight   float64
	LateWeight      float64
	PermitWeight    float64
	WarningAbsences int
	DangerAbsences  int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyTokenTTLSeconds, 180)
	v.SetDefault(KeyGeofenceLat, -6.3460957)
	v.SetDefault(KeyGeofenceLng, 106.6915144)
	v.SetDefault(KeyGeofenceRadiusM, 100)
	v.SetDefault(KeyLateMinutes, 10)
	v.SetDefault(KeyLateGraceMinutes, 0)
	v.SetDefault(KeySelfieRequired, true)
	v.SetDefault(KeySelfieUploadTimeoutSec, 10)
	v.SetDefault(KeyAccuracyLimitM, 50)
	v.SetDefault(KeyScanClockSkewSeconds, 300)

	v.SetDefault(KeyFraudDisabledRules, "")
	v.SetDefault(KeyFraudMaxSpeedKmH, 180)
	v.SetDefault(KeyFraudSpeedLookbackHours, 24)
	v.SetDefault(KeyFraudSelfieLookbackDays, 30)
	v.SetDefault(KeyFraudRapidGapMinutes, 10)
	v.SetDefault(KeyFraudDeviceLookbackDays, 30)
	v.SetDefault(KeyFraudDeviceMaxStudents, 1)
	v.SetDefault(KeyFraudDeviceMinHistory, 5)
	v.SetDefault(KeyFraudDeviceSimilarity, 0.5)
	v.SetDefault(KeyFraudClockSkewSeconds, 120)
	v.SetDefault(KeyFraudEarlyScanMinutes, 30)
	v.SetDefault(KeyFraudCooldownMinutes, 60)
	v.SetDefault(KeyFraudSpoofCoordinates, "0,0;-6.2088,106.8456")

	v.SetDefault(KeyRiskPresentWeight, 100)
	v.SetDefault(KeyRiskLateWeight, 80)
	v.SetDefault(KeyRiskPermitWeight, 60)
	v.SetDefault(KeyRiskWarningAbsences, 2)
	v.SetDefault(KeyRiskDangerAbsences, 3)
}

// Defaults returns the reference configuration.
func Defaults() Settings {
	s, _ := FromValues(nil)
	return s
}

// FromValues builds a snapshot from raw key/value settings, falling back to
// defaults for missing keys. Malformed coordinate lists are reported.
func FromValues(values map[string]string) (Settings, error) {
	v := viper.New()
	setDefaults(v)
	for k, val := range values {
		v.Set(strings.ToLower(k), strings.TrimSpace(val))
	}

	spoof, err := parsePoints(v.GetString(KeyFraudSpoofCoordinates))
	if err != nil {
		return Settings{}, fmt.Errorf("%s: %w", KeyFraudSpoofCoordinates, err)
	}

	return Settings{
		TokenTTL: seconds(v.GetInt(KeyTokenTTLSeconds)),
		Geofence: model.Geofence{
			Lat:     v.GetFloat64(KeyGeofenceLat),
			Lon:     v.GetFloat64(KeyGeofenceLng),
			RadiusM: v.GetFloat64(KeyGeofenceRadiusM),
		},
		LateThreshold:       minutes(v.GetInt(KeyLateMinutes)),
		LateGrace:           minutes(v.GetInt(KeyLateGraceMinutes)),
		SelfieRequired:      v.GetBool(KeySelfieRequired),
		SelfieUploadTimeout: seconds(v.GetInt(KeySelfieUploadTimeoutSec)),
		AccuracyLimitM:      v.GetFloat64(KeyAccuracyLimitM),
		ScanClockSkew:       seconds(v.GetInt(KeyScanClockSkewSeconds)),
		Fraud: FraudSettings{
			DisabledRules:     parseRules(v.GetString(KeyFraudDisabledRules)),
			MaxSpeedKmH:       v.GetFloat64(KeyFraudMaxSpeedKmH),
			SpeedLookback:     time.Duration(v.GetInt(KeyFraudSpeedLookbackHours)) * time.Hour,
			SelfieLookback:    days(v.GetInt(KeyFraudSelfieLookbackDays)),
			RapidChangeGap:    minutes(v.GetInt(KeyFraudRapidGapMinutes)),
			DeviceLookback:    days(v.GetInt(KeyFraudDeviceLookbackDays)),
			DeviceMaxStudents: v.GetInt(KeyFraudDeviceMaxStudents),
			DeviceMinHistory:  v.GetInt(KeyFraudDeviceMinHistory),
			DeviceSimilarity:  v.GetFloat64(KeyFraudDeviceSimilarity),
			ClockSkew:         seconds(v.GetInt(KeyFraudClockSkewSeconds)),
			EarlyScan:         minutes(v.GetInt(KeyFraudEarlyScanMinutes)),
			CoolDown:          minutes(v.GetInt(KeyFraudCooldownMinutes)),
			SpoofCoordinates:  spoof,
		},
		Risk: RiskSettings{
			PresentWeight:   v.GetFloat64(KeyRiskPresentWeight),
			LateWeight:      v.GetFloat64(KeyRiskLateWeight),
			PermitWeight:    v.GetFloat64(KeyRiskPermitWeight),
			WarningAbsences: v.GetInt(KeyRiskWarningAbsences),
			DangerAbsences:  v.GetInt(KeyRiskDangerAbsences),
		},
	}, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func days(n int) time.Duration    { return time.Duration(n) * 24 * time.Hour }

func parseRules(raw string) []model.AlertType {
	var out []model.AlertType
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, model.AlertType(part))
		}
	}
	return out
}

// parsePoints reads "lat,lon;lat,lon".
func parsePoints(raw string) ([]model.Point, error) {
	var out []model.Point
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.Split(pair, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid coordinate %q", pair)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude %q: %w", parts[0], err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude %q: %w", parts[1], err)
		}
		out = append(out, model.Point{Lat: lat, Lon: lon})
	}
	return out, nil
}

// Source loads raw key/value settings.
type Source interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
}

// Watcher keeps the current Settings snapshot and refreshes it from a Source.
type Watcher struct {
	src     Source
	log     *zap.Logger
	current atomic.Pointer[Settings]
}

// NewWatcher starts from the defaults until the first successful refresh.
func NewWatcher(src Source, logger *zap.Logger) *Watcher {
	w := &Watcher{src: src, log: logger}
	d := Defaults()
	w.current.Store(&d)
	return w
}

// Current returns the latest snapshot.
func (w *Watcher) Current() Settings {
	return *w.current.Load()
}

// Refresh reloads the snapshot. On error the previous snapshot is kept.
func (w *Watcher) Refresh(ctx context.Context) error {
	values, err := w.src.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	s, err := FromValues(values)
	if err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	w.current.Store(&s)
	return nil
}

// Run refreshes every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Refresh(ctx); err != nil {
				w.log.Warn("settings refresh failed, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}
