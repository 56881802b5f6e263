// Package middleware provides HTTP middleware for the treasury layer.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	svcerrors "github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/httputil"
	"github.com/R3E-Network/treasury_layer/pkg/logger"
)

// RoleGuardian is the role required for privileged treasury operations.
const RoleGuardian = "guardian"

type contextKey string

const (
	subjectKey contextKey = "auth_subject"
	roleKey    contextKey = "auth_role"
)

// Claims are the bearer token claims the treasury layer understands.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates HS256 bearer tokens and places subject and role in the
// request context. Requests without an Authorization header pass through
// anonymously; role-gated routes reject them via RequireRole. A present but
// invalid token is always rejected.
type Auth struct {
	secret []byte
	log    *logger.Logger
}

// NewAuth creates the authentication middleware.
func NewAuth(secret []byte, log *logger.Logger) *Auth {
	return &Auth{secret: secret, log: log}
}

// Handler returns the middleware handler.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			a.respondError(w, r, svcerrors.Unauthorized("malformed Authorization header"))
			return
		}

		claims, err := a.validate(parts[1])
		if err != nil {
			a.log.WithError(err).WithField("path", r.URL.Path).Warn("token validation failed")
			a.respondError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		if claims.Role != "" {
			ctx = context.WithValue(ctx, roleKey, claims.Role)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, svcerrors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, svcerrors.TokenExpired()
		}
		return nil, svcerrors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, svcerrors.InvalidToken(nil)
	}
	return claims, nil
}

func (a *Auth) respondError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr := svcerrors.GetServiceError(err)
	if svcErr == nil {
		svcErr = svcerrors.Internal("authentication failed", err)
	}
	httputil.WriteError(w, svcErr)
}

// RequireRole gates a handler on a role claim. The auth middleware must run
// first so the role is present in the context.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Subject(r.Context()) == "" {
				httputil.WriteError(w, svcerrors.Unauthorized("authentication required"))
				return
			}
			if Role(r.Context()) != role {
				httputil.WriteError(w, svcerrors.InsufficientRole(role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Subject returns the authenticated subject, or "" when unauthenticated.
func Subject(ctx context.Context) string {
	v, _ := ctx.Value(subjectKey).(string)
	return v
}

// Role returns the authenticated role claim, or "".
func Role(ctx context.Context) string {
	v, _ := ctx.Value(roleKey).(string)
	return v
}

// IssueToken signs an HS256 token for subject with the given role. Used by
// operational tooling and tests.
func IssueToken(secret []byte, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
