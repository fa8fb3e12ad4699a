package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/sumire/signin/internal/domain"
)

// VerifierConfig configures an IdentityVerifier.
type VerifierConfig struct {
	// Audiences is the allow-list of client IDs the ID token may be issued for.
	// Native and web clients of the same backend each have their own ID.
	Audiences []string
	Issuers   []string
	ClockSkew time.Duration
	Clock     func() time.Time
	Logger    *slog.Logger
}

// IdentityVerifier validates provider ID tokens and normalizes their claims.
type IdentityVerifier struct {
	keys      KeySource
	audiences map[string]struct{}
	issuers   map[string]struct{}
	skew      time.Duration
	clock     func() time.Time
	logger    *slog.Logger
}

// NewIdentityVerifier creates a verifier. Empty allow-lists are a configuration error.
func NewIdentityVerifier(keys KeySource, cfg VerifierConfig) (*IdentityVerifier, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: identity verifier needs a key source", domain.ErrConfiguration)
	}
	audiences := toSet(cfg.Audiences)
	if len(audiences) == 0 {
		return nil, fmt.Errorf("%w: audience allow-list is empty", domain.ErrConfiguration)
	}
	issuers := toSet(cfg.Issuers)
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: issuer list is empty", domain.ErrConfiguration)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &IdentityVerifier{
		keys:      keys,
		audiences: audiences,
		issuers:   issuers,
		skew:      cfg.ClockSkew,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Verify checks signature, issuer, expiry and audience of rawToken.
// Every failure is a *domain.VerificationError matching domain.ErrUnauthorized;
// the reason is only logged.
func (v *IdentityVerifier) Verify(ctx context.Context, rawToken string) (*domain.IdentityClaims, error) {
	start := time.Now()

	claims, err := v.verify(ctx, rawToken)
	if err != nil {
		reason := domain.ReasonMalformed
		var verr *domain.VerificationError
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		identityVerifications.WithLabelValues(string(reason)).Inc()
		v.logger.WarnContext(ctx, "identity token rejected", "auth_event", verificationEvent{
			Result:  string(reason),
			Token:   rawToken,
			Detail:  err.Error(),
			Latency: time.Since(start),
		})
		return nil, err
	}

	identityVerifications.WithLabelValues("ok").Inc()
	v.logger.DebugContext(ctx, "identity token verified", "auth_event", verificationEvent{
		Result:   "ok",
		Subject:  claims.Subject,
		Audience: claims.Audience,
		Token:    rawToken,
		Latency:  time.Since(start),
	})
	return claims, nil
}

func (v *IdentityVerifier) verify(ctx context.Context, rawToken string) (*domain.IdentityClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, reject(domain.ReasonMalformed, errors.New("empty token"))
	}

	token, err := v.parse(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	if _, ok := token.Expiration(); !ok {
		return nil, reject(domain.ReasonExpired, errors.New("token has no exp claim"))
	}
	err = jwt.Validate(token,
		jwt.WithClock(jwt.ClockFunc(v.clock)),
		jwt.WithAcceptableSkew(v.skew),
	)
	if err != nil {
		return nil, reject(domain.ReasonExpired, err)
	}

	issuer, _ := token.Issuer()
	if _, ok := v.issuers[issuer]; !ok {
		return nil, reject(domain.ReasonIssuer, fmt.Errorf("issuer %q not accepted", issuer))
	}

	audiences, _ := token.Audience()
	audience, ok := v.allowedAudience(audiences)
	if !ok {
		return nil, reject(domain.ReasonAudience, fmt.Errorf("audience %v not in allow-list", audiences))
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, reject(domain.ReasonMissingSubject, errors.New("token has no sub claim"))
	}

	claims := &domain.IdentityClaims{
		Subject:  subject,
		Audience: audience,
		Issuer:   issuer,
	}
	claims.Email = stringClaim(token, "email")
	claims.DisplayName = stringClaim(token, "name")
	claims.AvatarURL = stringClaim(token, "picture")
	claims.EmailVerified = boolClaim(token, "email_verified")

	return claims, nil
}

// parse verifies the signature against the cached keys. A structurally valid
// token that fails verification gets one retry after a forced key refresh.
func (v *IdentityVerifier) parse(ctx context.Context, rawToken string) (jwt.Token, error) {
	if _, err := jws.Parse([]byte(rawToken)); err != nil {
		return nil, reject(domain.ReasonMalformed, err)
	}

	set, err := v.keys.KeySet(ctx)
	if err != nil {
		return nil, reject(domain.ReasonKeyFetch, err)
	}

	token, err := jwt.Parse([]byte(rawToken), jwt.WithKeySet(set), jwt.WithValidate(false))
	if err == nil {
		return token, nil
	}

	if ierr := v.keys.Invalidate(ctx); ierr != nil {
		if errors.Is(ierr, errRefreshThrottled) {
			v.logger.DebugContext(ctx, "provider key refresh skipped", "error", ierr)
			return nil, reject(domain.ReasonSignature, err)
		}
		return nil, reject(domain.ReasonKeyFetch, fmt.Errorf("refresh after %v: %w", err, ierr))
	}

	set, ferr := v.keys.KeySet(ctx)
	if ferr != nil {
		return nil, reject(domain.ReasonKeyFetch, ferr)
	}
	token, err = jwt.Parse([]byte(rawToken), jwt.WithKeySet(set), jwt.WithValidate(false))
	if err != nil {
		return nil, reject(domain.ReasonSignature, err)
	}
	return token, nil
}

func (v *IdentityVerifier) allowedAudience(audiences []string) (string, bool) {
	for _, aud := range audiences {
		if _, ok := v.audiences[aud]; ok {
			return aud, true
		}
	}
	return "", false
}

func reject(reason domain.VerificationReason, err error) *domain.VerificationError {
	return &domain.VerificationError{Reason: reason, Err: err}
}

func stringClaim(token jwt.Token, name string) string {
	var s string
	if err := token.Get(name, &s); err != nil {
		return ""
	}
	return s
}

// boolClaim accepts both JSON booleans and the "true"/"false" strings some
// providers emit for email_verified.
func boolClaim(token jwt.Token, name string) bool {
	var raw any
	if err := token.Get(name, &raw); err != nil {
		return false
	}
	switch b := raw.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err == nil && parsed
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// verificationEvent is a structured log entry for identity token checks.
type verificationEvent struct {
	Result   string
	Subject  string
	Audience string
	Token    string
	Detail   string
	Latency  time.Duration
}

// LogValue implements slog.LogValuer and redacts the token.
func (e verificationEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("result", e.Result),
		slog.String("token", redactToken(e.Token)),
		slog.Duration("latency", e.Latency),
	}
	if e.Subject != "" {
		attrs = append(attrs, slog.String("subject", e.Subject))
	}
	if e.Audience != "" {
		attrs = append(attrs, slog.String("audience", e.Audience))
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}
	return slog.GroupValue(attrs...)
}

func redactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
