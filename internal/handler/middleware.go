package handler

import (
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sumire/signin/internal/domain"
	"github.com/sumire/signin/internal/logging"
)

const (
	contextKeyUserID = "user_id"
)

// SessionAuthenticator resolves a session token to a local user ID.
type SessionAuthenticator interface {
	Authenticate(sessionToken string) (string, error)
}

// RequestContext copies the request ID assigned by echo's RequestID
// middleware into the request context so every log record carries it.
func RequestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			if id == "" {
				id = c.Request().Header.Get(echo.HeaderXRequestID)
			}
			if id != "" {
				req := c.Request()
				c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
			}
			return next(c)
		}
	}
}

// RequestLogger logs each HTTP request with structured fields.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				// Resolve the status before logging; echo writes the response
				// after the middleware chain returns.
				c.Error(err)
			}

			slog.InfoContext(c.Request().Context(), "http request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)

			return nil
		}
	}
}

// JWTAuth validates the Bearer session token and injects the user ID into
// the echo and request contexts.
func JWTAuth(auth SessionAuthenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return domain.ErrUnauthorized
			}

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				return domain.ErrUnauthorized
			}

			userID, err := auth.Authenticate(strings.TrimSpace(token))
			if err != nil {
				return err
			}

			c.Set(contextKeyUserID, userID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithUserID(req.Context(), userID)))
			return next(c)
		}
	}
}

// GetUserID extracts the authenticated user ID from echo context.
func GetUserID(c echo.Context) (string, bool) {
	id, ok := c.Get(contextKeyUserID).(string)
	return id, ok && id != ""
}
