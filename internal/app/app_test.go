package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classattend/internal/config"
)

func memoryConfig() config.App {
	return config.App{
		Env:               "test",
		StoreBackend:      "memory",
		QueueBackend:      "memory",
		JWTIssuer:         "attendance-engine",
		JWTSigningKey:     "test-secret",
		JWTAccessTTL:      time.Hour,
		RateLimitPerMin:   60,
		WorkerConcurrency: 1,
	}
}

func TestBuildInMemory(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, config.Defaults(), a.Settings.Current())
	assert.NotNil(t, a.Dispatcher())

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBuildRejectsUnknownStore(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreBackend = "sqlite"
	_, err := Build(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown store backend")
}
