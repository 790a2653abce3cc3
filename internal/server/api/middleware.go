package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"imghost/internal/server/database"
	"imghost/internal/server/service"
)

const (
	userKey          = "user"
	visitorTTL       = 10 * time.Minute
	visitorSweepTick = 5 * time.Minute
)

// visitor tracks the rate limit state for a single IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-IP token-bucket rate limiter.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rate      rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter creates a rate limiter with the given rate (requests/sec) and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		visitors:  make(map[string]*visitor),
		rate:      rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Middleware returns an echo middleware function that enforces rate limits.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if !rl.allow(ip) {
				slog.Warn("rate limit exceeded", "ip", ip, "path", c.Path())
				return c.JSON(http.StatusTooManyRequests, echo.Map{
					"error": "rate limit exceeded, try again later",
				})
			}
			return next(c)
		}
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > visitorSweepTick {
		rl.sweep(now)
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// sweep drops visitors idle for longer than visitorTTL.
func (rl *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-visitorTTL)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
	rl.lastSweep = now
}

// RequestLogger returns an echo middleware that logs requests using slog.
// Server errors log at error level and client errors at warn.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			switch {
			case res.Status >= 500:
				level = slog.LevelError
			case res.Status >= 400:
				level = slog.LevelWarn
			}

			slog.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
			)
			return nil
		}
	}
}

// Authenticator checks HTTP Basic credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*database.User, error)
}

// RequireUser authenticates the request with HTTP Basic auth and stores the
// user in the echo context.
func RequireUser(auth Authenticator) echo.MiddlewareFunc {
	return middleware.BasicAuth(func(username, password string, c echo.Context) (bool, error) {
		user, err := auth.Authenticate(c.Request().Context(), username, password)
		switch {
		case err == nil:
			c.Set(userKey, user)
			return true, nil
		case errors.Is(err, service.ErrInvalidCredentials):
			return false, nil
		case errors.Is(err, service.ErrAccountDisabled):
			return false, echo.NewHTTPError(http.StatusForbidden, "account disabled")
		default:
			slog.Error("authentication failed", "error", err)
			return false, echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}
	})
}

// RequireAdmin rejects callers without the admin role. It must run after
// RequireUser.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if u := currentUser(c); u == nil || !u.IsAdmin() {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "admin only"})
			}
			return next(c)
		}
	}
}

func currentUser(c echo.Context) *database.User {
	u, _ := c.Get(userKey).(*database.User)
	return u
}
