package http

import (
	"strconv"
	"time"

	"main/internal/config"
	"main/internal/ratelimit"
	"main/pkg/customerrors"

	"github.com/labstack/echo/v4"
)

// RateLimitMiddleware bounds requests per client IP for one tier. With
// record set, every request is appended to the attempt log so tiers that
// count all traffic (api, health) have data to count; the login tier records
// through the auth usecase instead, where the outcome is known.
func RateLimitMiddleware(limiter *ratelimit.Limiter, tier config.TierConfig, record bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ip := c.RealIP()

			opts := ratelimit.CheckOptions{}
			if user := CurrentUser(c); user != nil {
				opts.Role = user.Role
				opts.Authenticated = true
			}

			result := limiter.Check(ctx, ip, ip, tier, opts)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(result.TotalHits+result.Remaining))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

			if !result.Allowed {
				h.Set("Retry-After", strconv.FormatInt(int64(time.Until(result.ResetTime).Seconds())+1, 10))
				if result.Blocked {
					return customerrors.New(customerrors.KindRateLimitExceeded, "temporarily blocked, retry later")
				}
				return customerrors.New(customerrors.KindRateLimitExceeded, "too many requests")
			}

			err := next(c)

			if record {
				limiter.RecordAttempt(ctx, ip, err == nil, ratelimit.AttemptMeta{
					IPAddress: ip,
					UserAgent: c.Request().UserAgent(),
				})
			}
			return err
		}
	}
}
