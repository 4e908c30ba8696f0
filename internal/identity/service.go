package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/provider"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/pubsub"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/token"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

// ProviderPassword is the provider name recorded for email/password sign-ins.
const ProviderPassword = "password"

// SignedOutMessage is published on the principal topic when a principal signs out.
const SignedOutMessage = "signed_out"

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrEmailInUse      = errors.New("email already in use")
	ErrInvalidEmail    = errors.New("invalid email")
	ErrWeakPassword    = errors.New("password must be at least 8 characters")
	ErrLocked          = errors.New("account locked")
	ErrDisabled        = errors.New("account disabled")
	ErrUnknownProvider = provider.ErrUnknownProvider
	ErrInvalidToken    = token.ErrInvalidToken
)

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (hash string, algo string, err error)
	Verify(hash, pw string) bool
	NeedsRehash(hash string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) cost() int {
	if b.Cost == 0 {
		return bcrypt.DefaultCost
	}
	return b.Cost
}

func (b BcryptHasher) Hash(pw string) (string, string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pw), b.cost())
	if err != nil {
		return "", "", err
	}
	return string(h), fmt.Sprintf("bcrypt:%d", b.cost()), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (b BcryptHasher) NeedsRehash(hash string) bool {
	c, err := bcrypt.Cost([]byte(hash))
	return err == nil && c < b.cost()
}

// AccountRepository is the account persistence the service needs.
type AccountRepository interface {
	Create(ctx context.Context, a *entity.Account) error
	GetByID(ctx context.Context, id string) (*entity.Account, error)
	GetByEmail(ctx context.Context, email string) (*entity.Account, error)
	GetByFederated(ctx context.Context, provider, subject string) (*entity.Account, error)
	LinkFederated(ctx context.Context, accountID, provider, subject string) error
	IncrementFailedLogin(ctx context.Context, id string) (int, error)
	LockIfThreshold(ctx context.Context, id string, threshold int, lockFor time.Duration) (bool, error)
	ResetLoginSuccess(ctx context.Context, id string) error
	UnlockIfExpired(ctx context.Context, id string) (bool, error)
	BumpVersion(ctx context.Context, id string) (int64, error)
	UpdatePassword(ctx context.Context, id, hash, algo string) error
}

// RedirectRepository stores pending federated sign-in results.
type RedirectRepository interface {
	Save(ctx context.Context, res entity.RedirectResult) error
	Consume(ctx context.Context, id string) (*entity.RedirectResult, error)
	Purge(ctx context.Context) (int64, error)
}

// TokenService issues and verifies short-lived session tokens.
type TokenService interface {
	Issue(p entity.Principal) (string, time.Time, error)
	Parse(raw string) (*token.Claims, error)
}

// SignInResult is a consumed federated sign-in.
type SignInResult struct {
	Principal entity.Principal `json:"principal"`
	IsNew     bool             `json:"is_new"`
}

// Service is the identity provider: credential and federated sign-in,
// sign-out, session tokens and the pending redirect results.
type Service struct {
	accounts  AccountRepository
	redirects RedirectRepository
	providers *provider.Registry
	tokens    TokenService
	bus       pubsub.Bus
	hasher    PasswordHasher
	logger    *zap.SugaredLogger
	// configuration knobs
	MaxFailed   int
	LockFor     time.Duration
	RedirectTTL time.Duration
}

type Deps struct {
	Accounts  AccountRepository
	Redirects RedirectRepository
	Providers *provider.Registry
	Tokens    TokenService
	Bus       pubsub.Bus
	Hasher    PasswordHasher
	Logger    *zap.SugaredLogger
}

func NewService(d Deps) *Service {
	if d.Hasher == nil {
		d.Hasher = BcryptHasher{Cost: 12}
	}
	if d.Providers == nil {
		d.Providers = provider.NewRegistry()
	}
	if d.Logger == nil {
		d.Logger = utilities.Nop()
	}
	return &Service{
		accounts:    d.Accounts,
		redirects:   d.Redirects,
		providers:   d.Providers,
		tokens:      d.Tokens,
		bus:         d.Bus,
		hasher:      d.Hasher,
		logger:      d.Logger,
		MaxFailed:   6,
		LockFor:     15 * time.Minute,
		RedirectTTL: 10 * time.Minute,
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// SignUp creates an email/password account and returns its principal.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (entity.Principal, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return entity.Principal{}, err
	}
	if len(password) < 8 {
		return entity.Principal{}, ErrWeakPassword
	}
	hash, algo, err := s.hasher.Hash(password)
	if err != nil {
		return entity.Principal{}, err
	}
	now := time.Now().UTC()
	a := &entity.Account{
		ID:                utilities.NewKSUID(),
		Email:             email,
		DisplayName:       strings.TrimSpace(displayName),
		PasswordHash:      &hash,
		PasswordAlgo:      &algo,
		PasswordUpdatedAt: &now,
		Status:            entity.StatusActive,
		Version:           1,
	}
	if err := s.accounts.Create(ctx, a); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return entity.Principal{}, ErrEmailInUse
		}
		return entity.Principal{}, err
	}
	s.logger.Infow("account created", "account_id", a.ID, "provider", ProviderPassword)
	return entity.PrincipalOf(a, ProviderPassword), nil
}

// SignInWithPassword performs password authentication by email.
// On success resets counters and returns the principal.
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (entity.Principal, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return entity.Principal{}, ErrBadCredentials
	}
	a, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return entity.Principal{}, ErrBadCredentials // avoid account enumeration
		}
		return entity.Principal{}, err
	}

	// Expired lock auto-unlock attempt
	if a.Status == entity.StatusLocked && a.LockedUntil != nil && a.LockedUntil.Before(time.Now()) {
		if unlocked, _ := s.accounts.UnlockIfExpired(ctx, a.ID); unlocked {
			a.Status = entity.StatusActive
			a.LockedUntil = nil
		}
	}
	switch a.Status {
	case entity.StatusLocked:
		return entity.Principal{}, ErrLocked
	case entity.StatusDisabled:
		return entity.Principal{}, ErrDisabled
	}
	if a.PasswordHash == nil || *a.PasswordHash == "" {
		// federated-only account
		return entity.Principal{}, ErrBadCredentials
	}

	if !s.hasher.Verify(*a.PasswordHash, password) {
		if _, incErr := s.accounts.IncrementFailedLogin(ctx, a.ID); incErr == nil {
			if locked, _ := s.accounts.LockIfThreshold(ctx, a.ID, s.MaxFailed, s.LockFor); locked {
				s.logger.Warnw("account locked after failed sign-ins", "account_id", a.ID)
			}
		}
		return entity.Principal{}, ErrBadCredentials
	}

	if err := s.accounts.ResetLoginSuccess(ctx, a.ID); err != nil {
		return entity.Principal{}, err
	}
	// upgrade hashes made with a weaker cost while the plaintext is at hand
	if s.hasher.NeedsRehash(*a.PasswordHash) {
		if hash, algo, err := s.hasher.Hash(password); err == nil {
			if err := s.accounts.UpdatePassword(ctx, a.ID, hash, algo); err != nil {
				s.logger.Warnw("password rehash failed", "account_id", a.ID, "err", err)
			}
		}
	}
	return entity.PrincipalOf(a, ProviderPassword), nil
}

// BeginFederated returns the provider authorization URL for the given state
// and PKCE challenge.
func (s *Service) BeginFederated(providerName, state, codeChallenge string) (string, error) {
	p, err := s.providers.Get(providerName)
	if err != nil {
		return "", err
	}
	return p.AuthCodeURL(state, codeChallenge), nil
}

// CompleteFederated exchanges the authorization code, resolves the account
// and records a pending redirect result for the client's next session load.
func (s *Service) CompleteFederated(ctx context.Context, providerName, code, codeVerifier string) (*entity.RedirectResult, entity.Principal, error) {
	p, err := s.providers.Get(providerName)
	if err != nil {
		return nil, entity.Principal{}, err
	}
	fid, err := p.ExchangeCode(ctx, code, codeVerifier)
	if err != nil {
		return nil, entity.Principal{}, err
	}
	a, isNew, err := s.resolve(ctx, fid)
	if err != nil {
		return nil, entity.Principal{}, err
	}
	if a.Status == entity.StatusDisabled {
		return nil, entity.Principal{}, ErrDisabled
	}
	if err := s.accounts.ResetLoginSuccess(ctx, a.ID); err != nil {
		return nil, entity.Principal{}, err
	}

	res := entity.RedirectResult{
		ID:        utilities.NewKSUID(),
		AccountID: a.ID,
		Provider:  fid.Provider,
		IsNew:     isNew,
		ExpiresAt: time.Now().Add(s.RedirectTTL),
	}
	if err := s.redirects.Save(ctx, res); err != nil {
		return nil, entity.Principal{}, err
	}
	s.logger.Infow("federated sign-in completed", "account_id", a.ID, "provider", fid.Provider, "new", isNew)
	return &res, entity.PrincipalOf(a, fid.Provider), nil
}

// resolve maps a federated identity to an account: provider-subject lookup,
// then email linking (verified addresses only), then creation.
func (s *Service) resolve(ctx context.Context, fid *entity.FederatedIdentity) (*entity.Account, bool, error) {
	a, err := s.accounts.GetByFederated(ctx, fid.Provider, fid.Subject)
	if err == nil {
		return a, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	email, err := normalizeEmail(fid.Email)
	if err != nil {
		return nil, false, err
	}
	a, err = s.accounts.GetByEmail(ctx, email)
	switch {
	case err == nil:
		// an unverified address proves nothing about who owns the account
		if !fid.EmailVerified {
			return nil, false, ErrEmailInUse
		}
		if err := s.accounts.LinkFederated(ctx, a.ID, fid.Provider, fid.Subject); err != nil {
			return nil, false, err
		}
		return a, false, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, false, err
	}

	a = &entity.Account{
		ID:            utilities.NewKSUID(),
		Email:         email,
		DisplayName:   fid.Name,
		EmailVerified: fid.EmailVerified,
		Status:        entity.StatusActive,
		Version:       1,
	}
	if fid.Picture != "" {
		pic := fid.Picture
		a.PhotoURL = &pic
	}
	if err := s.accounts.Create(ctx, a); err != nil {
		return nil, false, err
	}
	if err := s.accounts.LinkFederated(ctx, a.ID, fid.Provider, fid.Subject); err != nil {
		return nil, false, err
	}
	return a, true, nil
}

// ConsumeRedirectResult consumes a pending federated sign-in exactly once.
// An unknown, expired or already consumed id yields nil, nil.
func (s *Service) ConsumeRedirectResult(ctx context.Context, id string) (*SignInResult, error) {
	if id == "" {
		return nil, nil
	}
	res, err := s.redirects.Consume(ctx, id)
	if err != nil || res == nil {
		return nil, err
	}
	a, err := s.accounts.GetByID(ctx, res.AccountID)
	if err != nil {
		return nil, err
	}
	return &SignInResult{Principal: entity.PrincipalOf(a, res.Provider), IsNew: res.IsNew}, nil
}

// PurgeRedirects deletes expired, never consumed redirect results every
// interval until ctx is done.
func (s *Service) PurgeRedirects(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = s.RedirectTTL
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.redirects.Purge(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warnw("purge pending redirects failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Debugw("purged expired redirects", "count", n)
			}
		}
	}
}

// SignOut revokes every token issued to the principal and tells live
// watchers the principal is gone.
func (s *Service) SignOut(ctx context.Context, principalID string) error {
	if _, err := s.accounts.BumpVersion(ctx, principalID); err != nil {
		return err
	}
	if s.bus != nil {
		if err := s.bus.Publish(ctx, pubsub.PrincipalTopic(principalID), []byte(SignedOutMessage)); err != nil {
			s.logger.Warnw("sign-out notification failed", "account_id", principalID, "err", err)
		}
	}
	return nil
}

// Token issues a short-lived session token for the principal.
func (s *Service) Token(p entity.Principal) (string, time.Time, error) {
	return s.tokens.Issue(p)
}

// Authenticate verifies a session token and returns the current principal.
// Tokens from before the last sign-out are rejected.
func (s *Service) Authenticate(ctx context.Context, raw string) (entity.Principal, error) {
	if raw == "" {
		return entity.Principal{}, ErrInvalidToken
	}
	claims, err := s.tokens.Parse(raw)
	if err != nil {
		return entity.Principal{}, ErrInvalidToken
	}
	a, err := s.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return entity.Principal{}, ErrInvalidToken
		}
		return entity.Principal{}, err
	}
	if a.Version != claims.Version || a.Status == entity.StatusDisabled {
		return entity.Principal{}, ErrInvalidToken
	}
	return entity.PrincipalOf(a, claims.Provider), nil
}
