package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/model"
)

var lecturer = model.Actor{Kind: model.ActorInstructor, ID: "lecturer-1"}

func TestIssueAndParse(t *testing.T) {
	s := NewSigner("secret", "attendance-engine", time.Hour)

	tok, exp, err := s.Issue(lecturer)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	actor, err := s.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, lecturer, actor)
}

func TestParseRejects(t *testing.T) {
	s := NewSigner("secret", "attendance-engine", time.Hour)
	tok, _, err := s.Issue(lecturer)
	require.NoError(t, err)

	_, err = NewSigner("other", "attendance-engine", time.Hour).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewSigner("secret", "someone-else", time.Hour).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewSigner("secret", "attendance-engine", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, err := expired.Issue(lecturer)
	require.NoError(t, err)
	_, err = s.Parse(old)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = s.Issue(model.Actor{Kind: "guest", ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidActor)
}

func router(s *Signer, kinds ...model.ActorKind) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", Authenticate(s), RequireKinds(kinds...), func(c *gin.Context) {
		actor, _ := ActorFrom(c)
		c.JSON(http.StatusOK, actor)
	})
	return r
}

func TestMiddleware(t *testing.T) {
	s := NewSigner("secret", "attendance-engine", time.Hour)
	r := router(s, model.ActorInstructor, model.ActorAdmin)

	lecturerTok, _, err := s.Issue(lecturer)
	require.NoError(t, err)
	studentTok, _, err := s.Issue(model.Actor{Kind: model.ActorStudent, ID: "alice"})
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong kind", header: "Bearer " + studentTok, want: http.StatusForbidden},
		{name: "allowed", header: "bearer " + lecturerTok, want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
