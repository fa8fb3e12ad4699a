package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/httprc/v3/tracesink"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/sumire/signin/internal/domain"
)

// KeySource supplies the provider's current signature verification keys.
type KeySource interface {
	KeySet(ctx context.Context) (jwk.Set, error)
	// Invalidate forces a refetch, typically after a signature failure that
	// may be caused by rotated keys.
	Invalidate(ctx context.Context) error
}

var (
	errKeysNotStarted   = errors.New("provider key service not started")
	errRefreshThrottled = errors.New("provider key refresh throttled")
)

// KeyServiceConfig configures a ProviderKeyService.
type KeyServiceConfig struct {
	// Issuer is used for OIDC discovery when JWKSURL is empty.
	Issuer  string
	JWKSURL string

	FetchTimeout    time.Duration
	RefreshInterval time.Duration
	// MinForcedRefresh bounds how often Invalidate may hit the provider.
	MinForcedRefresh time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ProviderKeyService owns the cached JWKS of the identity provider.
// The cache refreshes itself in the background until the context given to
// Start is cancelled.
type ProviderKeyService struct {
	cfg     KeyServiceConfig
	client  *http.Client
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[jwk.Set]
	limiter *rate.Limiter

	jwksURL string
	cache   *jwk.Cache
}

// NewProviderKeyService creates a key service. Call Start before use.
func NewProviderKeyService(cfg KeyServiceConfig) (*ProviderKeyService, error) {
	if cfg.Issuer == "" && cfg.JWKSURL == "" {
		return nil, fmt.Errorf("%w: provider issuer or JWKS URL is required", domain.ErrConfiguration)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.MinForcedRefresh <= 0 {
		cfg.MinForcedRefresh = 30 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker[jwk.Set](gobreaker.Settings{
		Name:    "provider-jwks",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &ProviderKeyService{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Every(cfg.MinForcedRefresh), 1),
	}, nil
}

// Start resolves the JWKS location, registers it with the cache and performs
// the initial fetch. ctx bounds the lifetime of the background refresh.
func (s *ProviderKeyService) Start(ctx context.Context) error {
	jwksURL := s.cfg.JWKSURL
	if jwksURL == "" {
		discovered, err := s.discover(ctx)
		if err != nil {
			return err
		}
		jwksURL = discovered
	}

	cache, err := jwk.NewCache(
		ctx,
		httprc.NewClient(
			httprc.WithTraceSink(tracesink.NewSlog(s.logger)),
		),
	)
	if err != nil {
		return fmt.Errorf("create JWKS cache: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	err = cache.Register(
		fetchCtx,
		jwksURL,
		jwk.WithHTTPClient(s.client),
		jwk.WithMinInterval(s.cfg.RefreshInterval),
		jwk.WithMaxInterval(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("register JWKS URL: %w", err)
	}

	set, err := cache.Refresh(fetchCtx, jwksURL)
	if err != nil {
		return fmt.Errorf("initial JWKS fetch: %w", err)
	}

	s.jwksURL = jwksURL
	s.cache = cache
	s.logger.Info("provider keys loaded", "jwks_url", jwksURL, "keys_count", set.Len())
	return nil
}

// KeySet returns the cached key set.
func (s *ProviderKeyService) KeySet(ctx context.Context) (jwk.Set, error) {
	if s.cache == nil {
		return nil, errKeysNotStarted
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	set, err := s.cache.Lookup(ctx, s.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("lookup JWKS: %w", err)
	}
	return set, nil
}

// Invalidate refetches the key set from the provider. Calls are rate limited
// and guarded by a circuit breaker so a flood of bad tokens cannot hammer the
// provider's key endpoint.
func (s *ProviderKeyService) Invalidate(ctx context.Context) error {
	if s.cache == nil {
		return errKeysNotStarted
	}
	if !s.limiter.Allow() {
		providerKeyRefreshes.WithLabelValues("throttled").Inc()
		return errRefreshThrottled
	}

	set, err := s.breaker.Execute(func() (jwk.Set, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
		return s.cache.Refresh(ctx, s.jwksURL)
	})
	if err != nil {
		providerKeyRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("refresh JWKS: %w", err)
	}

	providerKeyRefreshes.WithLabelValues("ok").Inc()
	s.logger.InfoContext(ctx, "provider keys refreshed", "keys_count", set.Len())
	return nil
}

// JWKSURL returns the resolved key set location, empty before Start.
func (s *ProviderKeyService) JWKSURL() string {
	return s.jwksURL
}

func (s *ProviderKeyService) discover(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, s.client), s.cfg.FetchTimeout)
	defer cancel()

	provider, err := oidc.NewProvider(ctx, s.cfg.Issuer)
	if err != nil {
		return "", fmt.Errorf("discover provider %s: %w", s.cfg.Issuer, err)
	}

	var meta struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("decode discovery document: %w", err)
	}
	if meta.JWKSURL == "" {
		return "", fmt.Errorf("discovery document for %s has no jwks_uri", s.cfg.Issuer)
	}
	return meta.JWKSURL, nil
}
