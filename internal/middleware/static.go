package middleware

import (
	"github.com/labstack/echo/v4"
)

// StaticHeaders returns an Echo middleware for static file routes. It adds
// nosniff and, when origin is non-empty, an Access-Control-Allow-Origin
// header.
func StaticHeaders(origin string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			if origin != "" {
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
			}
			return next(c)
		}
	}
}
