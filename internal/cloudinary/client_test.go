package cloudinary

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1_1/demo/image/upload", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "log-1", r.FormValue("public_id"))
		assert.NotEmpty(t, r.FormValue("signature"))
		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, "jpeg-bytes", string(data))
		_, _ = w.Write([]byte(`{"public_id":"selfies/log-1","secure_url":"https://res.example/selfies/log-1.jpg"}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "selfies")
	c.BaseURL = srv.URL

	url, err := c.Put(context.Background(), "log-1", []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://res.example/selfies/log-1.jpg", url)
}

func TestPutHonorsDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Put(ctx, "log-1", []byte("x"))
	assert.Error(t, err)
}

func TestPutUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	_, err := c.Put(context.Background(), "log-1", []byte("x"))
	assert.ErrorContains(t, err, "401")
}

func TestSignExcludesKeyAndSortsParams(t *testing.T) {
	c := New("demo", "key", "secret", "")
	a := c.sign(map[string]string{"timestamp": "1", "public_id": "p", "api_key": "k1"})
	b := c.sign(map[string]string{"public_id": "p", "timestamp": "1", "api_key": "k2"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 40)
}
