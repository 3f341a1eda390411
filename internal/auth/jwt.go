// Package auth verifies bearer tokens and carries the caller identity in the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
)

const (
	tokenIssuer = "vod-pipeline"
	tokenTTL    = 24 * time.Hour
)

var (
	ErrMissingSecret     = errors.New("jwt secret is required")
	ErrEmptySubject      = errors.New("subject is required")
	ErrMissingAuthHeader = errors.New("authorization header missing")
	ErrInvalidAuthFormat = errors.New("invalid authorization format")
	ErrInvalidToken      = errors.New("invalid or expired token")
)

// Claims are the token claims. The subject is the user id that owns uploads
// and is attributed in view events.
type Claims struct {
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// JWTService issues and verifies HS256 tokens.
type JWTService struct {
	secret []byte
	now    func() time.Time
}

// NewJWTService creates a JWTService signing with secret.
func NewJWTService(secret []byte) (*JWTService, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &JWTService{secret: secret, now: time.Now}, nil
}

// GenerateToken creates a token for subject valid for 24 hours.
func (s *JWTService) GenerateToken(subject string) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}

	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses tokenString and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// ExtractTokenFromRequest reads the token from "Authorization: Bearer <token>".
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingAuthHeader
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrInvalidAuthFormat
	}
	return strings.TrimSpace(token), nil
}

// RequireIdentity rejects requests without a valid token. When limiter is
// non-nil, clients with too many recent failures are refused up front.
func (s *JWTService) RequireIdentity(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			if limiter != nil && limiter.IsLimited(ip) {
				metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
				writeError(w, http.StatusTooManyRequests, "too many failed authentication attempts")
				return
			}

			claims, reason, err := s.authenticate(r)
			if err != nil {
				metrics.AuthFailures.WithLabelValues(reason).Inc()
				if limiter != nil {
					limiter.RecordFailure(ip)
				}
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}

			if limiter != nil {
				limiter.Reset(ip)
			}
			next.ServeHTTP(w, r.WithContext(SetClaimsInContext(r.Context(), claims)))
		})
	}
}

// OptionalIdentity attaches claims when a valid token is present and
// otherwise lets the request through anonymously.
func (s *JWTService) OptionalIdentity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, _, err := s.authenticate(r); err == nil {
				r = r.WithContext(SetClaimsInContext(r.Context(), claims))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *JWTService) authenticate(r *http.Request) (*Claims, string, error) {
	tokenString, err := ExtractTokenFromRequest(r)
	if err != nil {
		if errors.Is(err, ErrMissingAuthHeader) {
			return nil, "missing_header", err
		}
		return nil, "invalid_format", err
	}

	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, "invalid_token", ErrInvalidToken
	}
	return claims, "", nil
}

type contextKey struct{}

// SetClaimsInContext returns a copy of ctx carrying claims.
func SetClaimsInContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// GetClaimsFromContext returns the claims attached by the middleware.
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// UserIDFromContext returns the caller's user id, or "" for anonymous requests.
func UserIDFromContext(ctx context.Context) string {
	if claims, ok := GetClaimsFromContext(ctx); ok {
		return claims.UserID()
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
