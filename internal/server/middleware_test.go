package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiddlewareRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(handlers...)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pong": true})
	})
	return router
}

func get(router *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	router := newMiddlewareRouter(RequestID())

	t.Run("generates when absent", func(t *testing.T) {
		w := get(router, "/ping", nil)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("keeps caller-provided id", func(t *testing.T) {
		w := get(router, "/ping", map[string]string{"X-Request-ID": "trace-42"})
		assert.Equal(t, "trace-42", w.Header().Get("X-Request-ID"))
	})
}

func TestCORSAllowlist(t *testing.T) {
	router := newMiddlewareRouter(CORS([]string{"http://localhost:3000"}))

	t.Run("allowed origin gets headers", func(t *testing.T) {
		w := get(router, "/ping", map[string]string{"Origin": "http://localhost:3000"})
		assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("disallowed origin gets no allow header", func(t *testing.T) {
		w := get(router, "/ping", map[string]string{"Origin": "http://evil.example"})
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short circuits", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

func TestCORSWildcard(t *testing.T) {
	router := newMiddlewareRouter(CORS([]string{"*"}))

	w := get(router, "/ping", map[string]string{"Origin": "http://anywhere.example"})
	assert.Equal(t, "http://anywhere.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	router := newMiddlewareRouter(Security())

	w := get(router, "/ping", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestRateLimitRejectsBursts(t *testing.T) {
	limiter := NewIPRateLimiter(60, 1)
	defer limiter.Stop()
	router := newMiddlewareRouter(limiter.Middleware())

	first := get(router, "/ping", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := get(router, "/ping", nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRateLimitTracksIPsSeparately(t *testing.T) {
	limiter := NewIPRateLimiter(60, 1)
	defer limiter.Stop()

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))
}

func TestRequireTokenPassthroughWhenDisabled(t *testing.T) {
	router := newMiddlewareRouter(RequireToken(nil))

	w := get(router, "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenServiceRoundTrip(t *testing.T) {
	ts := NewTokenService("0123456789abcdefghijklmnopqrstuvwxyzABCDEF")
	require.True(t, ts.Enabled())

	token, err := ts.Issue("ci", time.Hour)
	require.NoError(t, err)

	claims, err := ts.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Name)
}

func TestTokenServiceRejectsExpired(t *testing.T) {
	ts := NewTokenService("0123456789abcdefghijklmnopqrstuvwxyzABCDEF")

	token, err := ts.Issue("ci", -time.Minute)
	require.NoError(t, err)

	_, err = ts.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenServiceRejectsTampering(t *testing.T) {
	issuer := NewTokenService("0123456789abcdefghijklmnopqrstuvwxyzABCDEF")
	verifier := NewTokenService("another-signing-key-that-is-long-enough!!")

	token, err := issuer.Issue("ci", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "missing prefix", header: "abc123", wantErr: true},
		{name: "empty token", header: "Bearer ", wantErr: true},
		{name: "wrong scheme", header: "Basic abc123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractBearerToken(tt.header)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
