package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"

	"github.com/sakif/farmsync/internal/apperror"
	"github.com/sakif/farmsync/internal/device"
	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/repository"
)

// TokenStore keeps the session token between restarts. *device.Storage
// satisfies it.
type TokenStore interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
	Remove(ctx context.Context, key string)
}

// errBadCredentials is deliberately vague: it never says whether the email
// or the password was wrong.
var errBadCredentials = apperror.Unauthorized("invalid email or password")

// Provider holds the device's signed-in identity and reports every change
// to its subscribers.
//
// ORDERING:
// emitMu serialises state changes together with their fan-out, so every
// subscriber sees transitions in the order they happened, and a subscriber
// added mid-stream gets the current status before any later change.
type Provider struct {
	accounts  repository.AccountRepository
	passwords *PasswordService
	tokens    *TokenService
	store     TokenStore
	logger    *slog.Logger

	emitMu sync.Mutex

	mu       sync.Mutex
	resolved bool
	current  *model.Identity
	subs     map[uint64]func(*model.Identity)
	nextSub  uint64
}

// NewProvider creates a Provider. It reports nothing until Resume is called.
func NewProvider(accounts repository.AccountRepository, passwords *PasswordService, tokens *TokenService, store TokenStore, logger *slog.Logger) *Provider {
	return &Provider{
		accounts:  accounts,
		passwords: passwords,
		tokens:    tokens,
		store:     store,
		logger:    logger,
		subs:      make(map[uint64]func(*model.Identity)),
	}
}

// Subscribe registers fn for identity transitions. If the first status is
// already known, fn is called with it before Subscribe returns. The returned
// func unregisters fn.
func (p *Provider) Subscribe(fn func(*model.Identity)) func() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = fn
	resolved, current := p.resolved, cloneIdentity(p.current)
	p.mu.Unlock()

	if resolved {
		fn(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Current returns the signed-in identity. resolved is false until the first
// status is known.
func (p *Provider) Current() (identity *model.Identity, resolved bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneIdentity(p.current), p.resolved
}

// Resume restores the sign-in recorded on this device, if any, and reports
// the provider's first status. A missing, expired or orphaned token resolves
// to signed out.
func (p *Provider) Resume(ctx context.Context) {
	identity, err := p.resumeIdentity(ctx)
	if err != nil {
		p.logger.Warn("discarding stored session",
			slog.String("error", err.Error()),
		)
		p.store.Remove(ctx, device.SessionTokenKey)
		identity = nil
	}
	if identity != nil {
		p.logger.Info("session resumed", slog.String("uid", identity.UID))
	}
	p.emit(identity)
}

func (p *Provider) resumeIdentity(ctx context.Context) (*model.Identity, error) {
	token, ok := p.store.Get(ctx, device.SessionTokenKey)
	if !ok || token == "" {
		return nil, nil
	}
	uid, err := p.tokens.Validate(token)
	if err != nil {
		return nil, err
	}
	account, err := p.accounts.GetAccountByID(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("auth: loading account for stored session: %w", err)
	}
	return account.Identity(), nil
}

// SignUp creates an email/password account. It does not sign in.
func (p *Provider) SignUp(ctx context.Context, email, password string) (*model.Account, error) {
	email = strings.TrimSpace(email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, apperror.ValidationFailed("email", "invalid email format")
	}
	if err := p.passwords.Check(password); err != nil {
		return nil, apperror.ValidationFailed("password", strings.TrimPrefix(err.Error(), "auth: "))
	}

	hash, err := p.passwords.Hash(password)
	if err != nil {
		return nil, err
	}
	account := &model.Account{Email: email, PasswordHash: hash}
	if err := p.accounts.Create(ctx, account); err != nil {
		return nil, err
	}
	p.logger.Info("account created", slog.String("uid", account.UID))
	return account, nil
}

// SignIn checks an email/password pair and makes that account the device's
// identity.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, errBadCredentials
	}
	account, err := p.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, errBadCredentials
		}
		return nil, err
	}
	if err := p.passwords.Verify(account.PasswordHash, password); err != nil {
		if errors.Is(err, ErrPasswordMismatch) {
			return nil, errBadCredentials
		}
		return nil, err
	}
	return p.signIn(ctx, account)
}

// SignInGitHub makes the account linked to gh the device's identity,
// creating it on first use.
func (p *Provider) SignInGitHub(ctx context.Context, gh *GitHubUser) (*model.Identity, error) {
	id := gh.ID
	account := &model.Account{Email: gh.Email, GitHubID: &id}
	if err := p.accounts.UpsertGitHub(ctx, account); err != nil {
		return nil, err
	}
	return p.signIn(ctx, account)
}

func (p *Provider) signIn(ctx context.Context, account *model.Account) (*model.Identity, error) {
	token, err := p.tokens.Generate(account.UID)
	if err != nil {
		return nil, err
	}
	p.store.Set(ctx, device.SessionTokenKey, token)

	identity := account.Identity()
	p.logger.Info("signed in", slog.String("uid", identity.UID))
	p.emit(identity)
	return cloneIdentity(identity), nil
}

// SignOut forgets the device's identity. Signing out while signed out still
// reports the (unchanged) status.
func (p *Provider) SignOut(ctx context.Context) {
	p.store.Remove(ctx, device.SessionTokenKey)
	p.logger.Info("signed out")
	p.emit(nil)
}

func (p *Provider) emit(identity *model.Identity) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	p.resolved = true
	p.current = cloneIdentity(identity)
	fns := make([]func(*model.Identity), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(cloneIdentity(identity))
	}
}

func cloneIdentity(id *model.Identity) *model.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
