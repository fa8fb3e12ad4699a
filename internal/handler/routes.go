package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RegisterAuthRoutes mounts the auth endpoints under g.
func RegisterAuthRoutes(g *echo.Group, h *AuthHandler, sessions SessionAuthenticator) {
	auth := g.Group("/auth")
	auth.POST("/google", h.Login)
	auth.GET("/google/redirect", h.GoogleRedirect)
	auth.GET("/google/callback", h.GoogleCallback)
	auth.GET("/me", h.Me, JWTAuth(sessions))
}

// Health reports service liveness and database reachability.
func Health(db Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, Envelope{Error: &APIError{
				Code:    "unavailable",
				Message: "database unreachable",
			}})
		}
		return JSON(c, http.StatusOK, map[string]string{"status": "ok"})
	}
}
