package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amityvox/amityvox/internal/auth"
	"github.com/amityvox/amityvox/internal/presence"
)

// Rate limit tiers, per the Rate Limiter component's tier table. Limit
// already includes the tier's burst allowance, since presence.Store's
// sliding window has no separate burst bucket — a window this is a window.
const (
	authRateLimit  = 5 + 2
	authRateWindow = 60 * time.Second

	standardRateLimit  = 60 + 20
	standardRateWindow = 60 * time.Second

	gatewayOpenRateLimit  = 10 + 5
	gatewayOpenRateWindow = 60 * time.Second

	highFrequencyRateLimit  = 120 + 30
	highFrequencyRateWindow = 60 * time.Second
)

// RateLimitStandard applies the Standard API tier to every route it wraps.
// Keyed per authenticated user, or per IP when unauthenticated.
func (s *Server) RateLimitStandard(next http.Handler) http.Handler {
	return s.rateLimit("std", standardRateLimit, standardRateWindow, next)
}

// RateLimitAuth applies the Auth tier (login/register/refresh): 5 requests
// per 60s plus a burst of 2, keyed per client IP since there is no
// authenticated principal yet.
func (s *Server) RateLimitAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cache == nil {
			next.ServeHTTP(w, r)
			return
		}
		s.checkAndServe(w, r, "auth:"+clientIP(r), authRateLimit, authRateWindow, next)
	})
}

// RateLimitGatewayOpen applies the Gateway-connection-open tier, keyed per
// client IP since the WebSocket upgrade happens before IDENTIFY.
func (s *Server) RateLimitGatewayOpen(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cache == nil {
			next.ServeHTTP(w, r)
			return
		}
		s.checkAndServe(w, r, "gwopen:"+clientIP(r), gatewayOpenRateLimit, gatewayOpenRateWindow, next)
	})
}

// RateLimitHighFrequency applies the high-frequency tier (reactions,
// typing indicators): 120 per 60s plus a burst of 30, per user.
func (s *Server) RateLimitHighFrequency(next http.Handler) http.Handler {
	return s.rateLimit("hf", highFrequencyRateLimit, highFrequencyRateWindow, next)
}

// RateLimitMessagePost applies the per-channel message-post tier: one
// message per the channel's configured rate_limit_per_user seconds. When
// windowSeconds is zero or negative, next is returned unwrapped and this
// tier applies no limit. windowSeconds is resolved per-request by the caller (the
// channel's rate_limit_per_user), since it varies by channel.
func (s *Server) RateLimitMessagePost(windowSeconds int, next http.Handler) http.Handler {
	if windowSeconds <= 0 {
		return next
	}
	window := time.Duration(windowSeconds) * time.Second
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cache == nil {
			next.ServeHTTP(w, r)
			return
		}
		userID := auth.UserIDFromContext(r.Context())
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		channelID := chi.URLParam(r, "channelID")
		s.checkAndServe(w, r, "msgpost:"+userID+":"+channelID, 1, window, next)
	})
}

// rateLimit builds middleware for a tier keyed per authenticated user,
// falling back to per-IP when the request carries no principal.
func (s *Server) rateLimit(tier string, limit int, window time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cache == nil {
			next.ServeHTTP(w, r)
			return
		}
		userID := auth.UserIDFromContext(r.Context())
		principal := userID
		if principal == "" {
			principal = clientIP(r)
		}
		s.checkAndServe(w, r, tier+":"+principal, limit, window, next)
	})
}

// checkAndServe enforces one tier's sliding window, failing open on a
// counter-store error (availability beats strict enforcement).
func (s *Server) checkAndServe(w http.ResponseWriter, r *http.Request, key string, limit int, window time.Duration, next http.Handler) {
	result, err := s.Cache.CheckRateLimit(r.Context(), key, limit, window)
	if err != nil {
		s.Logger.Debug("rate limit check failed, failing open", slog.String("error", err.Error()), slog.String("key", key))
		next.ServeHTTP(w, r)
		return
	}
	setRateLimitHeaders(w, result, window)
	if !result.Allowed {
		writeRateLimitResponse(w, window)
		return
	}
	next.ServeHTTP(w, r)
}

// setRateLimitHeaders sets X-RateLimit-* headers on every response so
// clients can track their remaining quota proactively.
func setRateLimitHeaders(w http.ResponseWriter, result presence.RateLimitResult, window time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(window).Unix()))
}

// writeRateLimitResponse sends a 429 Too Many Requests response carrying
// Retry-After, per RateLimited's required retry-after-seconds payload.
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	WriteError(w, http.StatusTooManyRequests, "rate_limited", "You are being rate limited. Please try again later.")
}

// clientIP extracts the client IP from the request. Chi's RealIP middleware
// already sets r.RemoteAddr from trusted proxy headers, so this just strips
// the port from RemoteAddr; it does not re-parse X-Forwarded-For itself.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
