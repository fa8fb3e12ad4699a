package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sumire/signin/internal/domain"
)

// UserStore defines the user data access interface consumed by the reconciler
// and AuthService. Insert reports a duplicate provider ID as domain.ErrConflict.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByProviderID(ctx context.Context, providerID string) (*domain.User, error)
	Insert(ctx context.Context, user domain.User) (*domain.User, error)
	Update(ctx context.Context, user domain.User) (*domain.User, error)
}

const (
	outcomeCreated   = "created"
	outcomeUpdated   = "updated"
	outcomeUnchanged = "unchanged"
)

// ReconcilerConfig configures an IdentityReconciler.
type ReconcilerConfig struct {
	StoreTimeout time.Duration
	Clock        func() time.Time
	NewID        func() string
	Logger       *slog.Logger
}

// IdentityReconciler maps verified identities to local users, creating the
// user on first login and refreshing its profile afterwards.
type IdentityReconciler struct {
	users   UserStore
	timeout time.Duration
	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// NewIdentityReconciler creates a new IdentityReconciler.
func NewIdentityReconciler(users UserStore, cfg ReconcilerConfig) *IdentityReconciler {
	r := &IdentityReconciler{
		users:   users,
		timeout: cfg.StoreTimeout,
		clock:   cfg.Clock,
		newID:   cfg.NewID,
		logger:  cfg.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Reconcile finds or creates the user for claims.Subject and brings its
// profile up to date. The store work is detached from ctx cancellation so an
// aborted request never leaves a half-applied write; it is still bounded by
// the store timeout. One failed attempt is retried.
func (r *IdentityReconciler) Reconcile(ctx context.Context, claims *domain.IdentityClaims) (*domain.User, error) {
	if claims == nil || claims.Subject == "" {
		return nil, fmt.Errorf("%w: identity claims without subject", domain.ErrInvalidInput)
	}

	// Each attempt gets its own deadline.
	base := context.WithoutCancel(ctx)

	user, outcome, err := r.attempt(base, claims)
	if err != nil {
		r.logger.WarnContext(ctx, "reconcile attempt failed, retrying",
			"provider_id", claims.Subject, "error", err)
		user, outcome, err = r.attempt(base, claims)
	}
	if err != nil {
		userReconciliations.WithLabelValues("error").Inc()
		r.logger.ErrorContext(ctx, "reconcile user failed", "provider_id", claims.Subject, "error", err)
		return nil, &domain.StorageError{Op: "reconcile user", Err: err}
	}

	userReconciliations.WithLabelValues(outcome).Inc()
	r.logger.InfoContext(ctx, "user reconciled", "user_id", user.ID, "outcome", outcome)
	return user, nil
}

func (r *IdentityReconciler) attempt(base context.Context, claims *domain.IdentityClaims) (*domain.User, string, error) {
	ctx, cancel := context.WithTimeout(base, r.timeout)
	defer cancel()
	return r.reconcile(ctx, claims)
}

func (r *IdentityReconciler) reconcile(ctx context.Context, claims *domain.IdentityClaims) (*domain.User, string, error) {
	existing, err := r.users.FindByProviderID(ctx, claims.Subject)
	if errors.Is(err, domain.ErrNotFound) {
		return r.create(ctx, claims)
	}
	if err != nil {
		return nil, "", fmt.Errorf("find user: %w", err)
	}
	return r.refresh(ctx, existing, claims)
}

func (r *IdentityReconciler) create(ctx context.Context, claims *domain.IdentityClaims) (*domain.User, string, error) {
	now := r.clock().UTC()
	user, err := r.users.Insert(ctx, domain.User{
		ID:          r.newID(),
		ProviderID:  claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		AvatarURL:   strPtr(claims.AvatarURL),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err == nil {
		return user, outcomeCreated, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return nil, "", fmt.Errorf("insert user: %w", err)
	}

	// A concurrent login inserted the same subject first; continue as an update.
	existing, err := r.users.FindByProviderID(ctx, claims.Subject)
	if err != nil {
		return nil, "", fmt.Errorf("find user after conflict: %w", err)
	}
	return r.refresh(ctx, existing, claims)
}

func (r *IdentityReconciler) refresh(ctx context.Context, existing *domain.User, claims *domain.IdentityClaims) (*domain.User, string, error) {
	if existing.Email == claims.Email &&
		existing.DisplayName == claims.DisplayName &&
		existing.AvatarURLValue() == claims.AvatarURL {
		return existing, outcomeUnchanged, nil
	}

	updated := *existing
	updated.Email = claims.Email
	updated.DisplayName = claims.DisplayName
	updated.AvatarURL = strPtr(claims.AvatarURL)
	updated.UpdatedAt = r.clock().UTC()

	user, err := r.users.Update(ctx, updated)
	if err != nil {
		return nil, "", fmt.Errorf("update user %s: %w", existing.ID, err)
	}
	return user, outcomeUpdated, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
