package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/hooplab/courtedge/pkg/admission"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity returns the authenticated identity stored by requireAuth.
func Identity(ctx context.Context) string {
	id, _ := ctx.Value(identityKey).(string)
	return id
}

// requireAuth validates the bearer token and stores the identity on the
// request context. Revoked tokens get a distinct message so clients know
// to re-login rather than refresh.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		identity, err := s.tokens.Authenticate(token)
		if err != nil {
			switch {
			case errors.Is(err, admission.ErrTokenRevoked):
				s.recordAuthError("revoked")
				writeError(w, http.StatusUnauthorized, "token revoked")
			default:
				s.recordAuthError("invalid")
				writeError(w, http.StatusUnauthorized, "invalid token")
			}
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// keyFunc derives the rate-limit key from a request.
type keyFunc func(r *http.Request) string

// clientIP keys unauthenticated routes by source address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIdentity keys authenticated routes by identity, falling back to IP.
func clientIdentity(r *http.Request) string {
	if id := Identity(r.Context()); id != "" {
		return id
	}
	return clientIP(r)
}

// rateLimit enforces the tier for one route class, answering 429 with a
// Retry-After header when the window is exhausted.
func (s *Server) rateLimit(class string, key keyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			retryAfter, err := s.limiter.Allow(key(r), class)
			if err != nil {
				if s.m != nil {
					s.m.RecordRateLimited(class)
				}
				secs := int(retryAfter.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) recordAuthError(kind string) {
	if s.m != nil {
		s.m.RecordAuthError(kind)
	}
}
