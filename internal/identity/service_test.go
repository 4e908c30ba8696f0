package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/provider"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/pubsub"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/token"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	tokensOnce sync.Once
	tokens     *token.Service
)

func sharedTokens(t *testing.T) *token.Service {
	t.Helper()
	tokensOnce.Do(func() {
		var err error
		tokens, err = token.NewService(token.Config{Issuer: "https://harvesta.test", Audience: "web", TTL: time.Minute})
		if err != nil {
			panic(err)
		}
	})
	return tokens
}

// fakeProvider returns a fixed identity for every code.
type fakeProvider struct {
	identity entity.FederatedIdentity
}

func (f *fakeProvider) Name() string { return f.identity.Provider }
func (f *fakeProvider) AuthCodeURL(state, challenge string) string {
	return "https://idp.test/auth?state=" + state + "&code_challenge=" + challenge
}
func (f *fakeProvider) ExchangeCode(ctx context.Context, code, verifier string) (*entity.FederatedIdentity, error) {
	id := f.identity
	return &id, nil
}

type fixture struct {
	svc       *Service
	accounts  *repo.MemoryAccountRepo
	redirects *repo.MemoryRedirectRepo
	bus       *pubsub.MemoryBus
	google    *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		accounts:  repo.NewMemoryAccountRepo(),
		redirects: repo.NewMemoryRedirectRepo(),
		bus:       pubsub.NewMemoryBus(),
		google: &fakeProvider{identity: entity.FederatedIdentity{
			Provider: "google", Subject: "g-123", Email: "ravi@example.com", EmailVerified: true, Name: "Ravi", Picture: "https://img.test/ravi.png",
		}},
	}
	f.svc = NewService(Deps{
		Accounts:  f.accounts,
		Redirects: f.redirects,
		Providers: provider.NewRegistry(f.google),
		Tokens:    sharedTokens(t),
		Bus:       f.bus,
		Hasher:    BcryptHasher{Cost: bcrypt.MinCost},
	})
	return f
}

func TestSignUpAndSignIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.SignUp(ctx, " Asha@Example.com ", "correct-horse", "Asha")
	require.NoError(t, err)
	assert.Equal(t, "asha@example.com", p.Email)
	assert.Equal(t, ProviderPassword, p.Provider)

	_, err = f.svc.SignUp(ctx, "asha@example.com", "another-pass", "Asha 2")
	assert.ErrorIs(t, err, ErrEmailInUse)
	_, err = f.svc.SignUp(ctx, "short@example.com", "123", "")
	assert.ErrorIs(t, err, ErrWeakPassword)
	_, err = f.svc.SignUp(ctx, "not-an-email", "long-enough", "")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	got, err := f.svc.SignInWithPassword(ctx, "ASHA@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = f.svc.SignInWithPassword(ctx, "asha@example.com", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = f.svc.SignInWithPassword(ctx, "nobody@example.com", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestSignInLocksAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.MaxFailed = 3

	_, err := f.svc.SignUp(ctx, "lock@example.com", "correct-horse", "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.svc.SignInWithPassword(ctx, "lock@example.com", "nope")
		require.ErrorIs(t, err, ErrBadCredentials)
	}
	_, err = f.svc.SignInWithPassword(ctx, "lock@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrLocked)

	// an expired lock is lifted on the next attempt
	f.svc.LockFor = -time.Second
	_, err = f.svc.SignUp(ctx, "expired@example.com", "correct-horse", "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.svc.SignInWithPassword(ctx, "expired@example.com", "nope")
		require.ErrorIs(t, err, ErrBadCredentials)
	}
	a, err := f.accounts.GetByEmail(ctx, "expired@example.com")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusLocked, a.Status)
	_, err = f.svc.SignInWithPassword(ctx, "expired@example.com", "correct-horse")
	assert.NoError(t, err)
}

func TestFederatedSignInAndRedirectConsumption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	url, err := f.svc.BeginFederated("google", "st", "ch")
	require.NoError(t, err)
	assert.Contains(t, url, "state=st")
	_, err = f.svc.BeginFederated("facebook", "st", "ch")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	res, p, err := f.svc.CompleteFederated(ctx, "google", "code", "verifier")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, "Ravi", p.DisplayName)
	assert.Equal(t, "https://img.test/ravi.png", p.PhotoURL)

	consumed, err := f.svc.ConsumeRedirectResult(ctx, res.ID)
	require.NoError(t, err)
	require.NotNil(t, consumed)
	assert.True(t, consumed.IsNew)
	assert.Equal(t, p.ID, consumed.Principal.ID)

	again, err := f.svc.ConsumeRedirectResult(ctx, res.ID)
	require.NoError(t, err)
	assert.Nil(t, again, "a redirect result is consumed at most once")

	none, err := f.svc.ConsumeRedirectResult(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, none)

	res2, p2, err := f.svc.CompleteFederated(ctx, "google", "code", "verifier")
	require.NoError(t, err)
	assert.False(t, res2.IsNew)
	assert.Equal(t, p.ID, p2.ID)
}

func TestFederatedSignInLinksExistingEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing, err := f.svc.SignUp(ctx, "ravi@example.com", "correct-horse", "Ravi K")
	require.NoError(t, err)

	res, p, err := f.svc.CompleteFederated(ctx, "google", "code", "verifier")
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.Equal(t, existing.ID, p.ID)
}

func TestFederatedSignInRefusesUnverifiedEmailMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existing, err := f.svc.SignUp(ctx, "ravi@example.com", "correct-horse", "Ravi K")
	require.NoError(t, err)
	f.google.identity.Subject = "g-999"
	f.google.identity.EmailVerified = false

	res, p, err := f.svc.CompleteFederated(ctx, "google", "code", "verifier")
	assert.ErrorIs(t, err, ErrEmailInUse)
	assert.Nil(t, res)
	assert.NotEqual(t, existing.ID, p.ID)

	_, err = f.accounts.GetByFederated(ctx, "google", "g-999")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// the password account is untouched
	got, err := f.svc.SignInWithPassword(ctx, "ravi@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
}

func TestSignOutRevokesTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.SignUp(ctx, "out@example.com", "correct-horse", "")
	require.NoError(t, err)
	raw, _, err := f.svc.Token(p)
	require.NoError(t, err)

	got, err := f.svc.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	require.NoError(t, f.svc.SignOut(ctx, p.ID))
	_, err = f.svc.Authenticate(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWatchEmitsPrincipalThenSignOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.SignUp(ctx, "watch@example.com", "correct-horse", "")
	require.NoError(t, err)
	raw, _, err := f.svc.Token(p)
	require.NoError(t, err)

	events := make(chan *entity.Principal, 4)
	stop := f.svc.Watch(ctx, raw, func(p *entity.Principal, err error) {
		assert.NoError(t, err)
		events <- p
	})
	defer stop()

	select {
	case got := <-events:
		require.NotNil(t, got)
		assert.Equal(t, p.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no initial identity")
	}

	require.NoError(t, f.svc.SignOut(ctx, p.ID))
	select {
	case got := <-events:
		assert.Nil(t, got)
	case <-time.After(time.Second):
		t.Fatal("no sign-out event")
	}
}

func TestWatchWithoutTokenResolvesSignedOut(t *testing.T) {
	f := newFixture(t)
	done := make(chan *entity.Principal, 1)
	stop := f.svc.Watch(context.Background(), "", func(p *entity.Principal, err error) {
		done <- p
	})
	defer stop()
	select {
	case got := <-done:
		assert.Nil(t, got)
	case <-time.After(time.Second):
		t.Fatal("identity never resolved")
	}
}

func TestBcryptNeedsRehash(t *testing.T) {
	low := BcryptHasher{Cost: bcrypt.MinCost}
	hash, algo, err := low.Hash("correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "bcrypt:4", algo)
	assert.True(t, low.Verify(hash, "correct-horse"))
	assert.False(t, low.NeedsRehash(hash))
	assert.True(t, BcryptHasher{Cost: 5}.NeedsRehash(hash))
}

func TestSignInRehashesWeakPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.SignUp(ctx, "weak@example.com", "correct-horse", "")
	require.NoError(t, err)
	f.svc.hasher = BcryptHasher{Cost: bcrypt.MinCost + 1}

	_, err = f.svc.SignInWithPassword(ctx, "weak@example.com", "correct-horse")
	require.NoError(t, err)

	a, err := f.accounts.GetByID(ctx, p.ID)
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(*a.PasswordHash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, cost)
	assert.Equal(t, "bcrypt:5", *a.PasswordAlgo)
	assert.Equal(t, int64(1), a.Version)

	// the upgraded hash still verifies
	_, err = f.svc.SignInWithPassword(ctx, "weak@example.com", "correct-horse")
	assert.NoError(t, err)
}

type countingRedirects struct {
	*repo.MemoryRedirectRepo
	purged atomic.Int64
}

func (c *countingRedirects) Purge(ctx context.Context) (int64, error) {
	n, err := c.MemoryRedirectRepo.Purge(ctx)
	c.purged.Add(n)
	return n, err
}

func TestPurgeRedirectsRemovesExpiredUntilCancelled(t *testing.T) {
	f := newFixture(t)
	redirects := &countingRedirects{MemoryRedirectRepo: f.redirects}
	f.svc.redirects = redirects
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, f.redirects.Save(ctx, entity.RedirectResult{ID: "old", AccountID: "a", ExpiresAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, f.redirects.Save(ctx, entity.RedirectResult{ID: "fresh", AccountID: "a", ExpiresAt: time.Now().Add(time.Hour)}))

	done := make(chan error, 1)
	go func() { done <- f.svc.PurgeRedirects(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return redirects.purged.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("purge loop did not stop")
	}

	res, err := f.redirects.Consume(context.Background(), "fresh")
	require.NoError(t, err)
	assert.NotNil(t, res)
}
