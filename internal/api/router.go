// Package api exposes the attendance engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/fraud"
	"classattend/internal/httpmiddleware"
	"classattend/internal/model"
	"classattend/internal/risk"
	"classattend/internal/selfie"
	"classattend/internal/session"
	"classattend/internal/token"
)

// maxBodyBytes bounds request bodies, selfies included.
const maxBodyBytes = 8 << 20

// Settings supplies the current settings snapshot.
type Settings interface {
	Current() config.Settings
}

// Permits records absence permits.
type Permits interface {
	AddPermit(ctx context.Context, p model.Permit) error
}

// Deps wires the handlers to the engine.
type Deps struct {
	Sessions *session.Service
	Tokens   *token.Manager
	Scans    *attendance.Service
	Selfies  *selfie.Workflow
	Fraud    *fraud.Engine
	Risk     *risk.Engine
	Permits  Permits
	Settings Settings
	Signer   *auth.Signer
	Limiter  httpmiddleware.Limiter
	// Checks are reported by /healthz; any false answer yields 503.
	Checks map[string]func(ctx context.Context) bool
	Log    *zap.Logger
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine with every route.
func NewRouter(d Deps) *gin.Engine {
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(bodyLimit(maxBodyBytes))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.health)

	v1 := r.Group("/v1", auth.Authenticate(d.Signer))
	if d.Limiter != nil {
		v1.Use(httpmiddleware.RateLimit(d.Limiter, d.Log))
	}
	staff := auth.RequireKinds(model.ActorInstructor, model.ActorAdmin)
	students := auth.RequireKinds(model.ActorStudent)

	v1.POST("/sessions", staff, h.createSession)
	v1.GET("/sessions/:id", h.getSession)
	v1.POST("/sessions/:id/close", staff, h.closeSession)
	v1.POST("/sessions/:id/tokens", staff, h.issueToken)
	v1.GET("/sessions/:id/tokens", staff, h.tokenHistory)
	v1.GET("/sessions/:id/token", h.currentToken)

	v1.POST("/scans", students, h.submitScan)
	v1.GET("/scans/:id", h.getScan)
	v1.POST("/scans/:id/override", staff, h.overrideScan)

	v1.GET("/selfies/pending", staff, h.pendingSelfies)
	v1.GET("/selfies/:id", staff, h.getSelfie)
	v1.POST("/selfies/:id/approve", staff, h.approveSelfie)
	v1.POST("/selfies/:id/reject", staff, h.rejectSelfie)

	v1.GET("/fraud/alerts", staff, h.listAlerts)
	v1.GET("/fraud/alerts/:id", staff, h.getAlert)
	v1.POST("/fraud/alerts/:id/investigate", staff, h.reviewAlert(d.Fraud.StartInvestigation))
	v1.POST("/fraud/alerts/:id/confirm", staff, h.reviewAlert(d.Fraud.Confirm))
	v1.POST("/fraud/alerts/:id/dismiss", staff, h.reviewAlert(d.Fraud.Dismiss))

	v1.POST("/permits", staff, h.addPermit)
	v1.GET("/risk/:student/:course", h.riskStatus)
	v1.POST("/risk/courses/:course/recompute", staff, h.recomputeCourse)

	return r
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.Checks {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

func bodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}
