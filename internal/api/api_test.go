package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/events"
	"classattend/internal/fraud"
	"classattend/internal/model"
	"classattend/internal/risk"
	"classattend/internal/selfie"
	"classattend/internal/session"
	"classattend/internal/store"
	"classattend/internal/store/memory"
	"classattend/internal/token"
)

type staticSettings struct{ s config.Settings }

func (s staticSettings) Current() config.Settings { return s.s }

var (
	lecturer = model.Actor{Kind: model.ActorInstructor, ID: "lecturer-1"}
	alice    = model.Actor{Kind: model.ActorStudent, ID: "alice"}
	bob      = model.Actor{Kind: model.ActorStudent, ID: "bob"}
	fence    = model.Geofence{Lat: -6.3461, Lon: 106.6915, RadiusM: 100}
)

type server struct {
	t       *testing.T
	router  *gin.Engine
	signer  *auth.Signer
	store   *memory.Store
	fraud   *fraud.Engine
	healthy bool
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memory.New()
	rec := &events.Recorder{}
	log := zap.NewNop()
	tokens := token.NewManager(st, log)
	s := &server{
		t:       t,
		signer:  auth.NewSigner("test-secret", "attendance-engine", time.Hour),
		store:   st,
		fraud:   fraud.NewEngine(st, rec, log),
		healthy: true,
	}
	s.router = NewRouter(Deps{
		Sessions: session.NewService(st, log),
		Tokens:   tokens,
		Scans:    attendance.NewService(st, tokens, memory.NewBlobs(), store.NewLocalLocker(), rec, log),
		Selfies:  selfie.NewWorkflow(st, rec, log),
		Fraud:    s.fraud,
		Risk:     risk.NewEngine(st, log),
		Permits:  st,
		Settings: staticSettings{config.Defaults()},
		Signer:   s.signer,
		Checks:   map[string]func(context.Context) bool{"db": func(context.Context) bool { return s.healthy }},
		Log:      log,
	})
	return s
}

func (s *server) do(as *model.Actor, method, path string, body any) (int, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile")
	if as != nil {
		tok, _, err := s.signer.Issue(*as)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func (s *server) openSession(meeting int) string {
	s.t.Helper()
	now := time.Now().UTC()
	code, body := s.do(&lecturer, http.MethodPost, "/v1/sessions", map[string]any{
		"course_id":      "c1",
		"meeting_number": meeting,
		"start_at":       now.Add(-time.Minute),
		"end_at":         now.Add(99 * time.Minute),
		"geofence":       fence,
	})
	require.Equal(s.t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func (s *server) issue(sessionID string) string {
	s.t.Helper()
	code, body := s.do(&lecturer, http.MethodPost, "/v1/sessions/"+sessionID+"/tokens", nil)
	require.Equal(s.t, http.StatusCreated, code, body)
	return body["token"].(string)
}

func scanBody(sessionID, tok string, extra map[string]any) map[string]any {
	body := map[string]any{
		"session_id": sessionID,
		"token":      tok,
		"latitude":   fence.Lat,
		"longitude":  fence.Lon,
		"selfie":     "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		"device":     map[string]any{"fingerprint": "fp-1", "model": "Pixel 8"},
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	code, body := s.do(nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["db"])

	s.healthy = false
	code, body = s.do(nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestRequiresAuthentication(t *testing.T) {
	s := newServer(t)
	code, _ := s.do(nil, http.MethodGet, "/v1/sessions/x", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(&alice, http.MethodPost, "/v1/sessions/x/tokens", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestScanAndSelfieFlow(t *testing.T) {
	s := newServer(t)
	sessionID := s.openSession(1)
	tok := s.issue(sessionID)

	code, body := s.do(&alice, http.MethodGet, "/v1/sessions/"+sessionID+"/token", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, tok, body["token"])

	code, body = s.do(&alice, http.MethodPost, "/v1/scans", scanBody(sessionID, tok, nil))
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "present", body["status"])
	assert.Equal(t, true, body["provisional"])
	logID := body["log"].(map[string]any)["id"].(string)
	assert.Equal(t, "Android", body["log"].(map[string]any)["device"].(map[string]any)["os"])
	svID := body["selfie_verification"].(map[string]any)["id"].(string)

	code, body = s.do(&alice, http.MethodPost, "/v1/scans", scanBody(sessionID, tok, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "duplicate_scan", body["reason"])

	code, body = s.do(&alice, http.MethodGet, "/v1/scans/"+logID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, logID, body["log"].(map[string]any)["id"])
	assert.Equal(t, svID, body["selfie_verification"].(map[string]any)["id"])
	code, _ = s.do(&bob, http.MethodGet, "/v1/scans/"+logID, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(&alice, http.MethodPost, "/v1/selfies/"+svID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(&lecturer, http.MethodPost, "/v1/selfies/"+svID+"/reject", map[string]any{"reason": " "})
	assert.Equal(t, http.StatusBadRequest, code)
	code, body = s.do(&lecturer, http.MethodPost, "/v1/selfies/"+svID+"/reject", map[string]any{"reason": "not the enrolled student"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "rejected", body["status"])
	code, _ = s.do(&lecturer, http.MethodPost, "/v1/selfies/"+svID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = s.do(&alice, http.MethodGet, "/v1/risk/alice/c1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["absent_count"])
	code, _ = s.do(&bob, http.MethodGet, "/v1/risk/alice/c1", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestScanRejections(t *testing.T) {
	s := newServer(t)
	sessionID := s.openSession(1)
	tok := s.issue(sessionID)

	code, body := s.do(&alice, http.MethodPost, "/v1/scans", scanBody(sessionID, tok, map[string]any{"latitude": fence.Lat + 0.01}))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "geofence_violation", body["reason"])

	code, body = s.do(&alice, http.MethodPost, "/v1/scans", scanBody(sessionID, tok, map[string]any{"selfie": ""}))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "selfie_required", body["reason"])

	code, _ = s.do(&alice, http.MethodPost, "/v1/scans", scanBody(sessionID, tok, map[string]any{"selfie": "%%%"}))
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(&alice, http.MethodPost, "/v1/scans", scanBody("missing", tok, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "session_closed", body["reason"])

	newer := s.issue(sessionID)
	require.NotEqual(t, tok, newer)
	code, body = s.do(&alice, http.MethodPost, "/v1/scans", scanBody(sessionID, tok, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "token_superseded", body["reason"])

	code, _ = s.do(&lecturer, http.MethodPost, "/v1/scans", scanBody(sessionID, newer, nil))
	assert.Equal(t, http.StatusForbidden, code)
}

func TestOverride(t *testing.T) {
	s := newServer(t)
	sessionID := s.openSession(1)
	tok := s.issue(sessionID)
	_, body := s.do(&alice, http.MethodPost, "/v1/scans", scanBody(sessionID, tok, nil))
	logID := body["log"].(map[string]any)["id"].(string)

	code, _ := s.do(&lecturer, http.MethodPost, "/v1/scans/"+logID+"/override", map[string]any{"status": "late"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(&lecturer, http.MethodPost, "/v1/scans/"+logID+"/override", map[string]any{"status": "late", "reason": "arrived after roll call"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "late", body["status"])
	assert.Equal(t, "present", body["override"].(map[string]any)["original_status"])

	code, _ = s.do(&lecturer, http.MethodPost, "/v1/scans/missing/override", map[string]any{"status": "late", "reason": "x"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestFraudAlertReview(t *testing.T) {
	s := newServer(t)
	sessionID := s.openSession(1)
	tok := s.issue(sessionID)
	_, body := s.do(&alice, http.MethodPost, "/v1/scans", scanBody(sessionID, tok, map[string]any{
		"device": map[string]any{"fingerprint": "fp-1", "mock_location": true},
	}))
	logID := body["log"].(map[string]any)["id"].(string)

	alerts, err := s.fraud.HandleLog(context.Background(), config.Defaults().Fraud, logID)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	alertID := alerts[0].ID

	code, body := s.do(&lecturer, http.MethodGet, "/v1/fraud/alerts?student_id=alice&status=pending", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["alerts"], 1)

	code, _ = s.do(&alice, http.MethodGet, "/v1/fraud/alerts", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(&lecturer, http.MethodPost, "/v1/fraud/alerts/"+alertID+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = s.do(&lecturer, http.MethodPost, "/v1/fraud/alerts/"+alertID+"/investigate", map[string]any{"note": "checking"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "investigating", body["status"])

	code, body = s.do(&lecturer, http.MethodPost, "/v1/fraud/alerts/"+alertID+"/dismiss", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "dismissed", body["status"])
	assert.Len(t, body["review_notes"], 2)
}

func TestCloseSessionAndRecompute(t *testing.T) {
	s := newServer(t)
	sessionID := s.openSession(1)

	code, body := s.do(&lecturer, http.MethodPost, "/v1/sessions/"+sessionID+"/close", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["is_active"])

	code, _ = s.do(&lecturer, http.MethodPost, "/v1/sessions/"+sessionID+"/tokens", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = s.do(&lecturer, http.MethodPost, "/v1/permits", map[string]any{"session_id": sessionID, "student_id": "bob"})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "approved", body["status"])
	code, _ = s.do(&lecturer, http.MethodPost, "/v1/permits", map[string]any{"session_id": sessionID, "student_id": "bob", "status": "maybe"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(&lecturer, http.MethodPost, "/v1/risk/courses/c1/recompute", nil)
	require.Equal(t, http.StatusOK, code)
	scores := body["scores"].([]any)
	require.Len(t, scores, 1)
	assert.EqualValues(t, 60, scores[0].(map[string]any)["activity_score"])
}
