package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"labforge/internal/common/cache"
	pkgerrors "labforge/pkg/errors"
	"labforge/pkg/utils/contextkey"
	"labforge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const revokedTokenPrefix = "auth:revoked:"

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   string
}

// Authenticator validates HS256 access tokens issued by the platform's identity service.
type Authenticator struct {
	secret       []byte
	issuer       string
	revocations  cache.BasicOps
	cacheTimeout time.Duration
}

// NewAuthenticator creates an Authenticator. revocations may be nil.
func NewAuthenticator(secret, issuer string, revocations cache.BasicOps) *Authenticator {
	return &Authenticator{
		secret:       []byte(secret),
		issuer:       issuer,
		revocations:  revocations,
		cacheTimeout: 300 * time.Millisecond,
	}
}

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticate parses raw and checks it against the revocation list.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, err := a.parseToken(raw)
	if err != nil {
		return Identity{}, err
	}
	if a.revocations != nil {
		ctxCache, cancel := context.WithTimeout(ctx, a.cacheTimeout)
		defer cancel()
		value, err := a.revocations.Get(ctxCache, revokedTokenPrefix+hashToken(raw))
		if err != nil {
			return Identity{}, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable)
		}
		if value != "" {
			return Identity{}, pkgerrors.New(pkgerrors.TokenInvalid)
		}
	}
	return Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

func (a *Authenticator) parseToken(raw string) (*tokenClaims, error) {
	if len(a.secret) == 0 {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != "access" || strings.TrimSpace(claims.Subject) == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

// AuthMiddleware requires a valid bearer token and exposes the caller as "user_id".
func AuthMiddleware(auth *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}
		identity, err := auth.Authenticate(c.Request.Context(), extractBearerToken(c.GetHeader("Authorization")))
		if err != nil {
			response.AbortWithError(c, err)
			return
		}

		c.Set(userIDContextKey, identity.UserID)
		c.Set("user_role", identity.Role)
		ctx := context.WithValue(c.Request.Context(), contextkey.UserID, identity.UserID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles. Must run after AuthMiddleware.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("user_role")
		for _, allowed := range roles {
			if strings.EqualFold(role, allowed) {
				c.Next()
				return
			}
		}
		response.AbortWithErrorCode(c, pkgerrors.Forbidden, "insufficient role")
	}
}

// UserID returns the authenticated caller set by AuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
