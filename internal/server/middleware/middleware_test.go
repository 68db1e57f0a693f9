package middleware_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/go-docsync/internal/server/middleware"
	"github.com/a-essam23/go-docsync/pkg/config"
)

const secret = "test-secret"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// echoMeta reports what the chain put into the request metadata.
func echoMeta(w http.ResponseWriter, r *http.Request) {
	meta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "no metadata", http.StatusInternalServerError)
		return
	}
	_, _ = io.WriteString(w, meta.ClientKey())
}

func upgradeRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "10.0.0.7:5555"
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	return req
}

func signed(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := middleware.AppClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMetadataRecordsRemoteIP(t *testing.T) {
	h := middleware.Chain(http.HandlerFunc(echoMeta), middleware.RequestMetadataMiddleware())
	rec := serve(h, upgradeRequest("/a.md"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ip:10.0.0.7", rec.Body.String())
}

func TestMetadataRecordsDocument(t *testing.T) {
	var docs []string
	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, _ := middleware.ReqMetadataFrom(r.Context())
		docs = append(docs, meta.Doc)
	}), middleware.RequestMetadataMiddleware(), middleware.NewRequestLogger(newTestLogger()))

	for _, target := range []string{"/notes/a.md", "/", "/ws"} {
		serve(h, upgradeRequest(target))
	}
	assert.Equal(t, []string{"notes/a.md", "", ""}, docs)
}

func TestChainSkipsDisabledMiddleware(t *testing.T) {
	h := middleware.Chain(http.HandlerFunc(echoMeta),
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(newTestLogger(), ""),
	)
	rec := serve(h, upgradeRequest("/a.md"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	h := middleware.Chain(http.HandlerFunc(echoMeta),
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(newTestLogger(), secret),
	)

	t.Run("missing token", func(t *testing.T) {
		rec := serve(h, upgradeRequest("/a.md"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("cookie", func(t *testing.T) {
		req := upgradeRequest("/a.md")
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: signed(t, "ada", time.Now().Add(time.Hour))})
		rec := serve(h, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user:ada", rec.Body.String())
	})

	t.Run("bearer", func(t *testing.T) {
		req := upgradeRequest("/a.md")
		req.Header.Set("Authorization", "Bearer "+signed(t, "grace", time.Now().Add(time.Hour)))
		rec := serve(h, req)
		assert.Equal(t, "user:grace", rec.Body.String())
	})

	t.Run("expired", func(t *testing.T) {
		req := upgradeRequest("/a.md")
		req.Header.Set("Authorization", "Bearer "+signed(t, "ada", time.Now().Add(-time.Hour)))
		assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ada"}).SignedString([]byte("other"))
		require.NoError(t, err)
		req := upgradeRequest("/a.md")
		req.Header.Set("Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
	})

	t.Run("missing subject", func(t *testing.T) {
		req := upgradeRequest("/a.md")
		req.Header.Set("Authorization", "Bearer "+signed(t, "", time.Now().Add(time.Hour)))
		assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
	})

	t.Run("plain http is not checked", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/a.md", nil)
		assert.Equal(t, http.StatusOK, serve(h, req).Code)
	})
}

func TestConnectionLimiter(t *testing.T) {
	open := map[string]int{"ip:10.0.0.7": 2}
	var cycled []string
	counter := func(key string) int { return open[key] }
	cycler := func(key string) { cycled = append(cycled, key) }

	build := func(cfg config.ConnectionLimitConfig) http.Handler {
		return middleware.Chain(http.HandlerFunc(echoMeta),
			middleware.RequestMetadataMiddleware(),
			middleware.NewConnectionLimiter(newTestLogger(), counter, cycler, cfg),
		)
	}

	rec := serve(build(config.ConnectionLimitConfig{MaxPerClient: 2, Mode: middleware.LimitModeReject}), upgradeRequest("/a.md"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = serve(build(config.ConnectionLimitConfig{MaxPerClient: 3, Mode: middleware.LimitModeReject}), upgradeRequest("/a.md"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(build(config.ConnectionLimitConfig{MaxPerClient: 2, Mode: middleware.LimitModeCycle}), upgradeRequest("/a.md"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ip:10.0.0.7"}, cycled)

	rec = serve(build(config.ConnectionLimitConfig{MaxPerClient: 2, Mode: "bogus"}), upgradeRequest("/a.md"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// limits apply to upgrades only
	rec = serve(build(config.ConnectionLimitConfig{MaxPerClient: 1}), httptest.NewRequest(http.MethodGet, "/a.md", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLimiterCountsAuthenticatedUsers(t *testing.T) {
	var asked string
	h := middleware.Chain(http.HandlerFunc(echoMeta),
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(newTestLogger(), secret),
		middleware.NewConnectionLimiter(newTestLogger(), func(key string) int { asked = key; return 0 }, nil,
			config.ConnectionLimitConfig{MaxPerClient: 1}),
	)
	req := upgradeRequest("/a.md")
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: signed(t, "ada", time.Now().Add(time.Hour))})
	assert.Equal(t, http.StatusOK, serve(h, req).Code)
	assert.Equal(t, "user:ada", asked)
}

func TestIsWebSocketUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, middleware.IsWebSocketUpgrade(req))
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "WebSocket")
	assert.True(t, middleware.IsWebSocketUpgrade(req))
}
