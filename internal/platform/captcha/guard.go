package captcha

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	HeaderToken = "X-Recaptcha-Token"
	QueryToken  = "g-recaptcha-response"
)

// Guard returns middleware that verifies the request token through gate.
// Rejections answer 403 and verification outages 503.
func Guard(gate Gate) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.Request().Header.Get(HeaderToken)
			if token == "" {
				token = c.QueryParam(QueryToken)
			}
			if err := gate.Verify(c.Request().Context(), token, c.RealIP()); err != nil {
				if errors.Is(err, ErrUnavailable) {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "security verification unavailable, try again later")
				}
				return echo.NewHTTPError(http.StatusForbidden, "security verification failed: the request looked automated")
			}
			return next(c)
		}
	}
}
