package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sumire/signin/internal/domain"
)

// AuthConfig holds session policy for AuthService.
type AuthConfig struct {
	SessionTTL time.Duration
	Clock      func() time.Time
	Logger     *slog.Logger
}

// AuthService composes verification, reconciliation and session issuance into
// the login flow.
type AuthService struct {
	verifier   *IdentityVerifier
	reconciler *IdentityReconciler
	issuer     *SessionIssuer
	sessions   *SessionVerifier
	users      UserStore
	ttl        time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// NewAuthService creates a new AuthService.
func NewAuthService(
	verifier *IdentityVerifier,
	reconciler *IdentityReconciler,
	issuer *SessionIssuer,
	sessions *SessionVerifier,
	users UserStore,
	cfg AuthConfig,
) (*AuthService, error) {
	if cfg.SessionTTL < time.Second {
		return nil, fmt.Errorf("%w: session ttl must be at least 1s", domain.ErrConfiguration)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &AuthService{
		verifier:   verifier,
		reconciler: reconciler,
		issuer:     issuer,
		sessions:   sessions,
		users:      users,
		ttl:        cfg.SessionTTL,
		clock:      clock,
		logger:     logger,
	}, nil
}

// UserView is the user representation returned to clients.
type UserView struct {
	ID          string  `json:"id"`
	ProviderID  string  `json:"provider_id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// NewUserView converts a domain user to its client representation.
func NewUserView(u *domain.User) UserView {
	return UserView{
		ID:          u.ID,
		ProviderID:  u.ProviderID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         UserView  `json:"user"`
}

// Login verifies a provider ID token, reconciles the local user and issues a
// session token.
func (s *AuthService) Login(ctx context.Context, rawIDToken string) (*LoginResult, error) {
	start := time.Now()
	defer func() { loginDuration.Observe(time.Since(start).Seconds()) }()

	claims, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		loginsTotal.WithLabelValues("unauthorized").Inc()
		return nil, err
	}

	user, err := s.reconciler.Reconcile(ctx, claims)
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	session, err := s.issuer.Issue(user, s.clock(), s.ttl)
	if err != nil {
		loginsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("issue session for %s: %w", user.ID, err)
	}

	loginsTotal.WithLabelValues("ok").Inc()
	s.logger.InfoContext(ctx, "login succeeded", "user_id", user.ID, "audience", claims.Audience)

	return &LoginResult{
		SessionToken: session.Token,
		ExpiresAt:    session.ExpiresAt,
		User:         NewUserView(user),
	}, nil
}

// Authenticate validates a session token and returns the local user ID.
func (s *AuthService) Authenticate(sessionToken string) (string, error) {
	claims, err := s.sessions.Verify(sessionToken, s.clock())
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// CurrentUser retrieves a user by local ID.
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, &domain.StorageError{Op: "find user", Err: err}
	}
	return user, nil
}
