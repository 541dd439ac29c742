package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	roleKey
)

const RoleAdmin = "admin"

// Claims are the token fields the service reads. Tokens are issued elsewhere.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the authenticated user of ctx.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func Role(ctx context.Context) string {
	role, _ := ctx.Value(roleKey).(string)
	return role
}

var errUnauthorized = errors.New("unauthorized")

// authenticate resolves the caller from a bearer token. EventSource cannot
// set headers, so stream endpoints also accept ?token=.
func (s *Server) authenticate(allowQueryToken bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, role, err := s.identify(r, allowQueryToken)
			if err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"path":   r.URL.Path,
					"method": r.Method,
				}).Warn("authentication failed")
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{
					Error:   "unauthorized",
					Message: err.Error(),
				})
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, roleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) identify(r *http.Request, allowQueryToken bool) (string, string, error) {
	if s.cfg.AuthDisabled {
		userID := r.Header.Get("X-User-ID")
		if userID == "" && allowQueryToken {
			userID = r.URL.Query().Get("user_id")
		}
		if userID == "" {
			return "", "", errors.New("missing X-User-ID header")
		}
		return userID, r.Header.Get("X-User-Role"), nil
	}

	token := ""
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", "", errors.New("invalid Authorization header format")
		}
		token = strings.TrimSpace(parts[1])
	} else if allowQueryToken {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", "", errors.New("missing bearer token")
	}

	claims, err := s.parseToken(token)
	if err != nil {
		return "", "", err
	}
	return claims.UserID, claims.Role, nil
}

func (s *Server) parseToken(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", errUnauthorized)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token carries no user id", errUnauthorized)
	}
	return claims, nil
}

func (s *Server) requireRole(role string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Role(r.Context()) != role {
				writeJSON(w, http.StatusForbidden, ErrorResponse{
					Error:   "forbidden",
					Message: role + " role required",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimiter keeps one token bucket per authenticated user. Buckets idle
// longer than the sweep window are dropped; a returning user starts full.
type rateLimiter struct {
	visitors *xsync.Map[string, *visitor]
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		visitors: xsync.NewMap[string, *visitor](),
		rate:     rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	v, _ := rl.visitors.Compute(key, func(old *visitor, loaded bool) (*visitor, xsync.ComputeOp) {
		if loaded {
			return old, xsync.UpdateOp
		}
		return &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}, xsync.UpdateOp
	})
	v.lastSeen.Store(rl.now().UnixNano())
	return v.limiter
}

// sweep drops buckets not used within idle and returns how many went.
func (rl *rateLimiter) sweep(idle time.Duration) int {
	cutoff := rl.now().Add(-idle).UnixNano()
	removed := 0

	rl.visitors.Range(func(key string, _ *visitor) bool {
		rl.visitors.Compute(key, func(old *visitor, loaded bool) (*visitor, xsync.ComputeOp) {
			if loaded && old.lastSeen.Load() < cutoff {
				removed++
				return old, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
		return true
	})
	return removed
}

func (rl *rateLimiter) size() int {
	return rl.visitors.Size()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := UserID(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}

		if !s.limiter.limiter(key).Allow() {
			s.log.WithFields(logrus.Fields{
				"key":  key,
				"path": r.URL.Path,
			}).Warn("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate_limited",
				Message: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the recorder usable for event streams.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// observe records metrics and an access log line per request, labelled by
// route template so job ids do not explode metric cardinality.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		s.metrics.IncrementInFlight()
		defer s.metrics.DecrementInFlight()

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		duration := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, path, rec.status, duration)

		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        path,
			"status":      rec.status,
			"duration_ms": duration.Milliseconds(),
		}).Debug("http request")
	})
}
