package http

import (
	"net"
	"net/http"

	"main/internal/ratelimit"
	"main/pkg/customerrors"

	"github.com/labstack/echo/v4"
)

type ipRequest struct {
	IP string `json:"ip"`
}

func (r ipRequest) validate() error {
	if net.ParseIP(r.IP) == nil {
		return customerrors.New(customerrors.KindValidation, "ip: must be a valid address")
	}
	return nil
}

// WhitelistIPHandler exempts an address from rate limiting and reputation
// scoring.
func WhitelistIPHandler(limiter *ratelimit.Limiter) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ipRequest
		if err := c.Bind(&req); err != nil {
			return customerrors.New(customerrors.KindValidation, "invalid request body")
		}
		if err := req.validate(); err != nil {
			return err
		}
		limiter.Reputation().WhitelistIP(c.Request().Context(), req.IP)
		return c.JSON(http.StatusOK, map[string]any{"success": true})
	}
}

// BlacklistIPHandler puts an address on a standing deny.
func BlacklistIPHandler(limiter *ratelimit.Limiter) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ipRequest
		if err := c.Bind(&req); err != nil {
			return customerrors.New(customerrors.KindValidation, "invalid request body")
		}
		if err := req.validate(); err != nil {
			return err
		}
		limiter.Reputation().BlacklistIP(c.Request().Context(), req.IP)
		return c.JSON(http.StatusOK, map[string]any{"success": true})
	}
}
