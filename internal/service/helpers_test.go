package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/require"

	"github.com/sumire/signin/internal/domain"
)

const (
	testIssuer    = "https://accounts.google.com"
	testIOSClient = "ios-client.apps.googleusercontent.com"
	testWebClient = "web-client.apps.googleusercontent.com"
	testSecret    = "0123456789abcdef0123456789abcdef"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

// signingKey is an RSA key pair in JWK form standing in for the provider.
type signingKey struct {
	private jwk.Key
	public  jwk.Key
}

func newSigningKey(t *testing.T, kid string) *signingKey {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	private, err := jwk.Import(raw)
	require.NoError(t, err)
	require.NoError(t, private.Set(jwk.KeyIDKey, kid))
	require.NoError(t, private.Set(jwk.AlgorithmKey, jwa.RS256()))

	public, err := jwk.Import(&raw.PublicKey)
	require.NoError(t, err)
	require.NoError(t, public.Set(jwk.KeyIDKey, kid))
	require.NoError(t, public.Set(jwk.AlgorithmKey, jwa.RS256()))

	return &signingKey{private: private, public: public}
}

func (k *signingKey) set(t *testing.T) jwk.Set {
	t.Helper()
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(k.public))
	return set
}

// idToken describes a provider ID token to mint in tests.
type idToken struct {
	Issuer   string
	Audience string
	Subject  string
	Email    string
	Name     string
	Picture  string
	Verified any
	Expiry   time.Time
	NoExpiry bool
}

func defaultIDToken() idToken {
	return idToken{
		Issuer:   testIssuer,
		Audience: testIOSClient,
		Subject:  "g-123",
		Email:    "a@x.com",
		Name:     "A",
		Verified: true,
		Expiry:   testNow.Add(time.Hour),
	}
}

func (k *signingKey) mint(t *testing.T, tok idToken) string {
	t.Helper()
	b := jwt.NewBuilder().
		Issuer(tok.Issuer).
		IssuedAt(testNow.Add(-time.Minute))
	if tok.Audience != "" {
		b = b.Audience([]string{tok.Audience})
	}
	if tok.Subject != "" {
		b = b.Subject(tok.Subject)
	}
	if !tok.NoExpiry {
		b = b.Expiration(tok.Expiry)
	}
	if tok.Email != "" {
		b = b.Claim("email", tok.Email)
	}
	if tok.Name != "" {
		b = b.Claim("name", tok.Name)
	}
	if tok.Picture != "" {
		b = b.Claim("picture", tok.Picture)
	}
	if tok.Verified != nil {
		b = b.Claim("email_verified", tok.Verified)
	}

	built, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(built, jwt.WithKey(jwa.RS256(), k.private))
	require.NoError(t, err)
	return string(signed)
}

// staticKeys is a KeySource whose key sets advance on each Invalidate.
type staticKeys struct {
	mu            sync.Mutex
	sets          []jwk.Set
	current       int
	invalidations int
	fetchErr      error
	invalidateErr error
}

func newStaticKeys(sets ...jwk.Set) *staticKeys {
	return &staticKeys{sets: sets}
}

func (s *staticKeys) KeySet(_ context.Context) (jwk.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.sets[s.current], nil
}

func (s *staticKeys) Invalidate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidations++
	if s.invalidateErr != nil {
		return s.invalidateErr
	}
	if s.current+1 < len(s.sets) {
		s.current++
	}
	return nil
}

func (s *staticKeys) Invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidations
}

func newTestVerifier(t *testing.T, keys KeySource) *IdentityVerifier {
	t.Helper()
	v, err := NewIdentityVerifier(keys, VerifierConfig{
		Audiences: []string{testIOSClient, testWebClient},
		Issuers:   []string{testIssuer, "accounts.google.com"},
		ClockSkew: 30 * time.Second,
		Clock:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return v
}

// memStore is an in-memory UserStore with a unique provider_id index.
type memStore struct {
	mu    sync.Mutex
	users map[string]domain.User

	findCalls   int
	inserts     int
	updates     int
	afterFind   func(call int)
	failFinds   int
	failInserts int
	// stallFinds lookups block until their context is done.
	stallFinds int
}

var errStoreDown = errors.New("store unavailable")

func newMemStore() *memStore {
	return &memStore{users: make(map[string]domain.User)}
}

func (m *memStore) FindByID(ctx context.Context, id string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &u, nil
}

func (m *memStore) FindByProviderID(ctx context.Context, providerID string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.findCalls++
	call := m.findCalls
	if m.stallFinds > 0 {
		m.stallFinds--
		m.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.failFinds > 0 {
		m.failFinds--
		m.mu.Unlock()
		return nil, errStoreDown
	}
	var found *domain.User
	for _, u := range m.users {
		if u.ProviderID == providerID {
			u := u
			found = &u
			break
		}
	}
	hook := m.afterFind
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return found, nil
}

func (m *memStore) Insert(ctx context.Context, user domain.User) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts > 0 {
		m.failInserts--
		return nil, errStoreDown
	}
	for _, u := range m.users {
		if u.ProviderID == user.ProviderID {
			return nil, domain.ErrConflict
		}
	}
	m.inserts++
	m.users[user.ID] = user
	return &user, nil
}

func (m *memStore) Update(ctx context.Context, user domain.User) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[user.ID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	user.ProviderID = existing.ProviderID
	user.CreatedAt = existing.CreatedAt
	m.updates++
	m.users[user.ID] = user
	return &user, nil
}

func (m *memStore) count(providerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		if u.ProviderID == providerID {
			n++
		}
	}
	return n
}
