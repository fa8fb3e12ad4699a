package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/signin/internal/domain"
	"github.com/sumire/signin/internal/service"
)

const stateCookie = "oauth_state"

// LoginService is the sign-in flow used by AuthHandler.
type LoginService interface {
	SessionAuthenticator
	Login(ctx context.Context, rawIDToken string) (*service.LoginResult, error)
	CurrentUser(ctx context.Context, userID string) (*domain.User, error)
}

// CodeExchanger runs the web authorization-code leg.
type CodeExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

// LoginRequest is the body of POST /auth/google.
type LoginRequest struct {
	IDToken string `json:"id_token" validate:"required"`
}

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	auth     LoginService
	exchange CodeExchanger
}

// NewAuthHandler creates a new AuthHandler. exchange may be nil when the web
// code flow is not configured.
func NewAuthHandler(auth LoginService, exchange CodeExchanger) *AuthHandler {
	return &AuthHandler{auth: auth, exchange: exchange}
}

// Login exchanges a provider ID token for a session.
func (h *AuthHandler) Login(c echo.Context) error {
	var req LoginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	result, err := h.auth.Login(c.Request().Context(), req.IDToken)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, result)
}

// GoogleRedirect redirects the user to Google's OAuth consent page.
func (h *AuthHandler) GoogleRedirect(c echo.Context) error {
	if h.exchange == nil {
		return echo.ErrNotFound
	}

	state, err := generateState()
	if err != nil {
		return fmt.Errorf("generate oauth state: %w", err)
	}
	c.SetCookie(&http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Scheme() == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
	return c.Redirect(http.StatusTemporaryRedirect, h.exchange.AuthCodeURL(state))
}

// GoogleCallback handles the OAuth callback from Google and signs the user in
// with the ID token it yields.
func (h *AuthHandler) GoogleCallback(c echo.Context) error {
	if h.exchange == nil {
		return echo.ErrNotFound
	}
	if err := validateOAuthState(c); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	clearState(c)

	code := c.QueryParam("code")
	if code == "" {
		return fmt.Errorf("%w: missing code parameter", domain.ErrInvalidInput)
	}

	ctx := c.Request().Context()
	rawIDToken, err := h.exchange.Exchange(ctx, code)
	if err != nil {
		return err
	}

	result, err := h.auth.Login(ctx, rawIDToken)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, result)
}

// Me returns the currently authenticated user.
func (h *AuthHandler) Me(c echo.Context) error {
	userID, ok := GetUserID(c)
	if !ok {
		return domain.ErrUnauthorized
	}

	user, err := h.auth.CurrentUser(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, service.NewUserView(user))
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validateOAuthState(c echo.Context) error {
	cookie, err := c.Cookie(stateCookie)
	if err != nil {
		return fmt.Errorf("missing %s cookie", stateCookie)
	}

	queryState := c.QueryParam("state")
	if queryState == "" || subtle.ConstantTimeCompare([]byte(queryState), []byte(cookie.Value)) != 1 {
		return fmt.Errorf("state mismatch")
	}
	return nil
}

func clearState(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     stateCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}
