package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/metrics"
	"classattend/internal/model"
	"classattend/internal/session"
)

// writeError maps domain errors to HTTP statuses.
func (h *handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrDuplicateScan),
		errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, model.ErrReasonRequired),
		errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, attendance.ErrRetryable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	body := gin.H{"error": err.Error()}
	if status == http.StatusInternalServerError {
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}

func (h *handler) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func actor(c *gin.Context) model.Actor {
	a, _ := auth.ActorFrom(c)
	return a
}

// Sessions

func (h *handler) createSession(c *gin.Context) {
	var in session.CreateInput
	if !h.bind(c, &in) {
		return
	}
	sess, err := h.Sessions.Create(c.Request.Context(), actor(c), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *handler) getSession(c *gin.Context) {
	sess, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *handler) closeSession(c *gin.Context) {
	sess, err := h.Sessions.Close(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Tokens

func (h *handler) issueToken(c *gin.Context) {
	tok, err := h.Tokens.Issue(c.Request.Context(), c.Param("id"), h.Settings.Current().TokenTTL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	metrics.TokensIssued.Inc()
	c.JSON(http.StatusCreated, tok)
}

func (h *handler) currentToken(c *gin.Context) {
	tok, err := h.Tokens.Current(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (h *handler) tokenHistory(c *gin.Context) {
	tokens, err := h.Tokens.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// Scans

type scanRequest struct {
	SessionID string           `json:"session_id" binding:"required"`
	Token     string           `json:"token"`
	Latitude  *float64         `json:"latitude"`
	Longitude *float64         `json:"longitude"`
	AccuracyM *float64         `json:"accuracy_m"`
	Device    model.DeviceInfo `json:"device"`
	Timestamp *time.Time       `json:"timestamp"`
	// Selfie is base64, optionally as a data URL.
	Selfie string `json:"selfie"`
	Note   string `json:"note"`
}

func decodeSelfie(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "data:") {
		i := strings.Index(raw, ",")
		if i < 0 {
			return nil, fmt.Errorf("malformed data URL: %w", model.ErrInvalidInput)
		}
		raw = raw[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("selfie is not valid base64: %w", model.ErrInvalidInput)
	}
	return data, nil
}

func (h *handler) submitScan(c *gin.Context) {
	var body scanRequest
	if !h.bind(c, &body) {
		return
	}
	img, err := decodeSelfie(body.Selfie)
	if err != nil {
		h.writeError(c, err)
		return
	}
	req := attendance.Request{
		StudentID: actor(c).ID,
		SessionID: body.SessionID,
		Token:     body.Token,
		Lat:       body.Latitude,
		Lon:       body.Longitude,
		AccuracyM: body.AccuracyM,
		Device:    body.Device,
		UserAgent: c.GetHeader("User-Agent"),
		Selfie:    img,
		Note:      body.Note,
	}
	if body.Timestamp != nil {
		req.Timestamp = *body.Timestamp
	}

	res, err := h.Scans.Submit(c.Request.Context(), h.Settings.Current(), req)
	switch {
	case err != nil && res.Status == "":
		h.writeError(c, err)
	case err != nil || res.Retryable:
		if err != nil {
			h.Log.Error("scan decision not persisted", zap.Error(err))
		}
		c.JSON(http.StatusServiceUnavailable, res)
	case !res.Accepted:
		c.JSON(http.StatusUnprocessableEntity, res)
	default:
		c.JSON(http.StatusCreated, res)
	}
}

func (h *handler) getScan(c *gin.Context) {
	entry, err := h.Scans.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if a := actor(c); a.Kind == model.ActorStudent && a.ID != entry.StudentID {
		h.writeError(c, model.ErrForbidden)
		return
	}
	body := gin.H{"log": entry}
	sv, err := h.Selfies.ForLog(c.Request.Context(), entry.ID)
	switch {
	case err == nil:
		body["selfie_verification"] = sv
	case !errors.Is(err, model.ErrNotFound):
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) overrideScan(c *gin.Context) {
	var body struct {
		Status model.LogStatus `json:"status" binding:"required"`
		Reason string          `json:"reason"`
	}
	if !h.bind(c, &body) {
		return
	}
	entry, err := h.Scans.Override(c.Request.Context(), actor(c), c.Param("id"), body.Status, body.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Selfies

func (h *handler) pendingSelfies(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := h.Selfies.Pending(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verifications": items})
}

func (h *handler) getSelfie(c *gin.Context) {
	sv, err := h.Selfies.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sv)
}

func (h *handler) approveSelfie(c *gin.Context) {
	sv, err := h.Selfies.Approve(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sv)
}

func (h *handler) rejectSelfie(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !h.bind(c, &body) {
		return
	}
	sv, err := h.Selfies.Reject(c.Request.Context(), actor(c), c.Param("id"), body.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sv)
}

// Fraud alerts

func (h *handler) listAlerts(c *gin.Context) {
	f := model.AlertFilter{
		StudentID: c.Query("student_id"),
		SessionID: c.Query("session_id"),
		Type:      model.AlertType(c.Query("type")),
		Status:    model.AlertStatus(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Offset = parsed
		}
	}
	alerts, err := h.Fraud.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *handler) getAlert(c *gin.Context) {
	alert, err := h.Fraud.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type reviewFunc func(ctx context.Context, actor model.Actor, alertID, note string) (model.FraudAlert, error)

func (h *handler) reviewAlert(review reviewFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Note string `json:"note"`
		}
		if c.Request.ContentLength != 0 && !h.bind(c, &body) {
			return
		}
		alert, err := review(c.Request.Context(), actor(c), c.Param("id"), body.Note)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, alert)
	}
}

// Risk

func (h *handler) addPermit(c *gin.Context) {
	var body struct {
		SessionID string             `json:"session_id" binding:"required"`
		StudentID string             `json:"student_id" binding:"required"`
		Status    model.PermitStatus `json:"status"`
	}
	if !h.bind(c, &body) {
		return
	}
	if body.Status == "" {
		body.Status = model.PermitApproved
	}
	switch body.Status {
	case model.PermitPending, model.PermitApproved, model.PermitRejected:
	default:
		h.writeError(c, fmt.Errorf("permit status %q: %w", body.Status, model.ErrInvalidInput))
		return
	}
	ctx := c.Request.Context()
	sess, err := h.Sessions.Get(ctx, body.SessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	permit := model.Permit{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StudentID: body.StudentID,
		Status:    body.Status,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Permits.AddPermit(ctx, permit); err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := h.Risk.Recompute(ctx, h.Settings.Current().Risk, permit.StudentID, sess.CourseID); err != nil {
		h.Log.Warn("risk recompute after permit failed", zap.String("student_id", permit.StudentID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, permit)
}

func (h *handler) riskStatus(c *gin.Context) {
	studentID := c.Param("student")
	if a := actor(c); a.Kind == model.ActorStudent && a.ID != studentID {
		h.writeError(c, model.ErrForbidden)
		return
	}
	score, err := h.Risk.Status(c.Request.Context(), h.Settings.Current().Risk, studentID, c.Param("course"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

func (h *handler) recomputeCourse(c *gin.Context) {
	scores, err := h.Risk.RecomputeCourse(c.Request.Context(), h.Settings.Current().Risk, c.Param("course"))
	if err != nil {
		h.Log.Error("course recompute incomplete", zap.String("course_id", c.Param("course")), zap.Error(err))
		c.JSON(http.StatusMultiStatus, gin.H{"scores": scores, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores})
}
