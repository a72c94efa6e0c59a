/**
 * @description
 * Middleware for the operator-facing payment endpoints. Callers authenticate
 * either with the shared internal API key used between services or with an
 * HS256 operator token, and are held to per-operator velocity limits.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: operator token validation.
 * - internal/app: the operator velocity limiter.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/visadirect-service/internal/app"
	"github.com/transfa/visadirect-service/internal/domain"
)

// OperatorContextKey is a custom type for the context key to avoid collisions.
type OperatorContextKey string

const operatorIDKey OperatorContextKey = "operatorID"

// InternalAPIKeyHeader carries the shared key used by other services.
const InternalAPIKeyHeader = "X-Internal-API-Key"

// AuthConfig holds what OperatorAuthMiddleware accepts.
type AuthConfig struct {
	InternalAPIKey string
	JWTSecret      string
	JWTIssuer      string
}

// OperatorAuthMiddleware accepts a matching X-Internal-API-Key header or a
// bearer token signed with the operator secret. An empty key or secret turns
// that method off.
func OperatorAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get(InternalAPIKeyHeader); key != "" {
				if cfg.InternalAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(cfg.InternalAPIKey)) != 1 {
					log.Printf("level=warn component=api msg=\"internal api key rejected\" remote=%s", r.RemoteAddr)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				ctx := context.WithValue(r.Context(), operatorIDKey, "internal")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}
			if cfg.JWTSecret == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			operatorID, err := parseOperatorToken(tokenString, cfg)
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseOperatorToken(tokenString string, cfg AuthConfig) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	if cfg.JWTIssuer != "" {
		if iss, ok := claims["iss"].(string); !ok || iss != cfg.JWTIssuer {
			return "", fmt.Errorf("invalid issuer")
		}
	}
	subject, ok := claims["sub"].(string)
	if !ok || strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("subject not found in token")
	}
	return subject, nil
}

// GetOperatorID retrieves the authenticated operator from the request context.
func GetOperatorID(ctx context.Context) (string, bool) {
	operatorID, ok := ctx.Value(operatorIDKey).(string)
	return operatorID, ok
}

// VelocityMiddleware charges each call against the caller's budget for class.
// Limiter errors let the request through.
func VelocityMiddleware(limiter app.VelocityLimiter, class app.OperationClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := GetOperatorID(r.Context())
			if !ok {
				subject = clientIP(r)
			}

			decision, err := limiter.Admit(r.Context(), subject, class)
			if err != nil {
				log.Printf("level=warn component=api msg=\"velocity limiter unavailable\" class=%s err=%v", class, err)
				next.ServeHTTP(w, r)
				return
			}
			if decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			}

			if !decision.Allowed {
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				log.Printf("level=warn component=api msg=\"operator velocity exceeded\" class=%s subject=%s limit=%d", class, subject, decision.Limit)
				writeError(w, http.StatusTooManyRequests, string(domain.KindRateLimited), "Too many "+string(class)+" requests. Please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
