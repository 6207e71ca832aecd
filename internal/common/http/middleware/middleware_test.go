package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"labforge/internal/common/cache"
	"labforge/pkg/utils/contextkey"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const (
	testSecret = "test-secret"
	testIssuer = "labforge-identity"
)

func signToken(t *testing.T, subject, typ, issuer string, expiresIn time.Duration) string {
	t.Helper()
	claims := tokenClaims{
		Role:      "player",
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return token
}

func newAuthRouter(auth *Authenticator, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(auth)}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		ctxUser, _ := c.Request.Context().Value(contextkey.UserID).(string)
		c.String(http.StatusOK, UserID(c)+"|"+ctxUser)
	})
	r.GET("/me", handlers...)
	return r
}

func get(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddlewareAcceptsAccessToken(t *testing.T) {
	r := newAuthRouter(NewAuthenticator(testSecret, testIssuer, nil))
	w := get(r, signToken(t, "u1", "access", testIssuer, time.Hour))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "u1|u1" {
		t.Fatalf("expected identity in gin and request context, got %q", w.Body.String())
	}
}

func TestAuthMiddlewareRejectsBadTokens(t *testing.T) {
	r := newAuthRouter(NewAuthenticator(testSecret, testIssuer, nil))
	otherKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		TokenType:        "access",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: testIssuer},
	}).SignedString([]byte("wrong-secret"))

	cases := map[string]string{
		"missing":       "",
		"garbage":       "not-a-jwt",
		"expired":       signToken(t, "u1", "access", testIssuer, -time.Minute),
		"refresh token": signToken(t, "u1", "refresh", testIssuer, time.Hour),
		"wrong issuer":  signToken(t, "u1", "access", "someone-else", time.Hour),
		"no subject":    signToken(t, "", "access", testIssuer, time.Hour),
		"wrong secret":  otherKey,
	}
	for name, token := range cases {
		if w := get(r, token); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, w.Code)
		}
	}
}

func TestAuthMiddlewareRevocation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	revocations, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new redis cache failed: %v", err)
	}
	r := newAuthRouter(NewAuthenticator(testSecret, testIssuer, revocations))
	token := signToken(t, "u1", "access", testIssuer, time.Hour)

	if w := get(r, token); w.Code != http.StatusOK {
		t.Fatalf("expected 200 before revocation, got %d", w.Code)
	}
	if err := mr.Set(revokedTokenPrefix+hashToken(token), "1"); err != nil {
		t.Fatalf("seed revocation failed: %v", err)
	}
	if w := get(r, token); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revocation, got %d", w.Code)
	}

	mr.Close()
	if w := get(r, token); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the revocation store is down, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r := newAuthRouter(NewAuthenticator(testSecret, testIssuer, nil), RequireRole("admin"))
	if w := get(r, signToken(t, "u1", "access", testIssuer, time.Hour)); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for player role, got %d", w.Code)
	}
}

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceContextMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		traceID, _ := c.Request.Context().Value(contextkey.TraceID).(string)
		c.String(http.StatusOK, traceID+"|"+UserID(c))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(traceIDHeader, "trace-123")
	req.Header.Set("X-User-Id", "spoofed")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Header().Get(traceIDHeader) != "trace-123" {
		t.Fatalf("expected trace id to be echoed")
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
	if w.Body.String() != "trace-123|" {
		t.Fatalf("user id header must be ignored, got %q", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(traceIDHeader) == "" {
		t.Fatalf("expected generated trace id")
	}
}
