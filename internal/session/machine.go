package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	ident "github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

// IdentitySource delivers the current principal, or nil, on every change.
// A non-nil error is fatal to the session.
type IdentitySource interface {
	Watch(ctx context.Context, fn func(*ident.Principal, error)) (stop func())
}

// RedirectConsumer consumes the pending federated sign-in result at most
// once. It returns nil, nil when none is pending.
type RedirectConsumer interface {
	ConsumeRedirectResult(ctx context.Context) (*identity.SignInResult, error)
}

// ProfileSource is the profile store as seen by the machine.
type ProfileSource interface {
	CreateMinimal(ctx context.Context, actor ident.Principal, p ident.Principal) (bool, error)
	Subscribe(ctx context.Context, id string, fn func(profile.Snapshot)) (cancel func(), err error)
}

// TokenSink maintains the short-lived session cookie the edge gate reads.
type TokenSink interface {
	Refresh(ctx context.Context, p ident.Principal) error
	Clear(ctx context.Context)
}

// SignOuter signs a principal out after a session-fatal error.
type SignOuter interface {
	SignOut(ctx context.Context, p ident.Principal) error
}

type Options struct {
	Identity  IdentitySource
	Redirects RedirectConsumer
	Profiles  ProfileSource
	Tokens    TokenSink
	SignOut   SignOuter
	Routes    Routes
	// Path is the page the client is on when the machine starts.
	Path string
	// OnUpdate receives every transition, in order, from the machine's
	// goroutine. It is never called after Close returns.
	OnUpdate func(Update)
	Logger   *zap.SugaredLogger
}

type identityEvent struct {
	principal *ident.Principal
	err       error
}

type profileEvent struct {
	gen  uint64
	snap profile.Snapshot
}

type navigateEvent struct {
	path string
}

// Machine is one client's session. All state is owned by the run goroutine;
// inputs reach it through events.
type Machine struct {
	opts   Options
	logger *zap.SugaredLogger
	events chan any

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	mu   sync.RWMutex
	last Snapshot

	// loop-owned
	path             string
	identityResolved bool
	principal        *ident.Principal
	profileResolved  bool
	profile          *entity.Profile
	gen              uint64
	subCancel        context.CancelFunc
	unsubscribe      func()
	discarded        int
}

func NewMachine(opts Options) *Machine {
	if opts.Routes.SignIn == "" {
		opts.Routes = DefaultRoutes()
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.Logger == nil {
		opts.Logger = utilities.Nop()
	}
	m := &Machine{
		opts:   opts,
		logger: opts.Logger,
		events: make(chan any),
		done:   make(chan struct{}),
		path:   opts.Path,
	}
	m.last = Snapshot{State: StateInitializing, Loading: true, Path: opts.Path}
	return m
}

// Start launches the event loop. Calling it more than once has no effect.
func (m *Machine) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(ctx)
		go m.run()
	})
}

// Navigate reports the page the client is now on.
func (m *Machine) Navigate(path string) {
	m.send(m.ctx, navigateEvent{path: path})
}

// Snapshot returns the latest emitted state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Close tears the session down and waits for the loop to exit. It is safe
// to call more than once, and before Start.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.startOnce.Do(func() { close(m.done) })
		if m.cancel != nil {
			m.cancel()
		}
		<-m.done
	})
}

// send hands an event to the loop unless ctx ends first.
func (m *Machine) send(ctx context.Context, ev any) {
	if ctx == nil {
		return
	}
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *Machine) run() {
	defer close(m.done)
	defer m.closeSubscription()

	m.emit()
	m.consumeRedirect()
	if m.ctx.Err() != nil {
		return
	}

	stop := m.opts.Identity.Watch(m.ctx, func(p *ident.Principal, err error) {
		m.send(m.ctx, identityEvent{principal: p, err: err})
	})
	defer stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			switch ev := ev.(type) {
			case identityEvent:
				m.handleIdentity(ev)
			case profileEvent:
				m.handleProfile(ev)
			case navigateEvent:
				m.path = ev.path
				m.emit()
			}
		}
	}
}

// consumeRedirect finishes a federated sign-in that landed on this page
// load. A brand-new principal gets a minimal profile; failures only log, the
// store has already reported denied writes.
func (m *Machine) consumeRedirect() {
	if m.opts.Redirects == nil {
		return
	}
	res, err := m.opts.Redirects.ConsumeRedirectResult(m.ctx)
	if err != nil {
		m.logger.Warnw("consume redirect result failed", "err", err)
		return
	}
	if res == nil || !res.IsNew {
		return
	}
	created, err := m.opts.Profiles.CreateMinimal(m.ctx, res.Principal, res.Principal)
	if err != nil {
		m.logger.Warnw("initial profile write failed", "principal_id", res.Principal.ID, "err", err)
		return
	}
	m.logger.Debugw("federated sign-in consumed", "principal_id", res.Principal.ID, "profile_created", created)
}

func (m *Machine) handleIdentity(ev identityEvent) {
	if ev.err != nil {
		m.fatal(ev.err)
		return
	}
	m.identityResolved = true
	switch {
	case ev.principal == nil && m.principal == nil:
		if m.opts.Tokens != nil {
			m.opts.Tokens.Clear(m.ctx)
		}
		m.emit()
		return
	case ev.principal != nil && m.principal != nil && ev.principal.ID == m.principal.ID:
		p := *ev.principal
		m.principal = &p
		m.emit()
		return
	}

	m.closeSubscription()
	m.gen++
	m.profile, m.profileResolved = nil, false

	if ev.principal == nil {
		m.principal = nil
		if m.opts.Tokens != nil {
			m.opts.Tokens.Clear(m.ctx)
		}
		m.emit()
		return
	}

	p := *ev.principal
	m.principal = &p
	if m.opts.Tokens != nil {
		if err := m.opts.Tokens.Refresh(m.ctx, p); err != nil {
			m.logger.Warnw("session cookie refresh failed", "principal_id", p.ID, "err", err)
		}
	}

	gen := m.gen
	subCtx, subCancel := context.WithCancel(m.ctx)
	unsubscribe, err := m.opts.Profiles.Subscribe(subCtx, p.ID, func(s profile.Snapshot) {
		m.send(subCtx, profileEvent{gen: gen, snap: s})
	})
	if err != nil {
		subCancel()
		m.fatal(err)
		return
	}
	m.subCancel, m.unsubscribe = subCancel, unsubscribe
	m.emit()
}

func (m *Machine) handleProfile(ev profileEvent) {
	if ev.gen != m.gen || m.principal == nil {
		m.discarded++
		m.logger.Debugw("stale profile snapshot discarded", "gen", ev.gen, "current", m.gen)
		return
	}
	if ev.snap.Err != nil {
		m.fatal(ev.snap.Err)
		return
	}
	m.profileResolved = true
	if ev.snap.Exists {
		m.profile = ev.snap.Profile
	} else {
		m.profile = nil
	}
	m.emit()
}

// fatal signs the current principal out and falls back to the signed-out
// state. Later identity events may sign a principal in again.
func (m *Machine) fatal(err error) {
	if errors.Is(err, context.Canceled) && m.ctx.Err() != nil {
		return
	}
	m.logger.Errorw("session-fatal error", "err", err)
	if m.principal != nil && m.opts.SignOut != nil {
		if serr := m.opts.SignOut.SignOut(m.ctx, *m.principal); serr != nil {
			m.logger.Warnw("forced sign-out failed", "principal_id", m.principal.ID, "err", serr)
		}
	}
	m.handleIdentity(identityEvent{})
}

func (m *Machine) closeSubscription() {
	if m.subCancel != nil {
		m.subCancel()
		m.subCancel = nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// emit publishes the current state. A redirect moves the machine's notion
// of the current page to the target, so the same redirect is not issued
// again while the client follows it.
func (m *Machine) emit() {
	state, loading := derive(m.identityResolved, m.principal, m.profileResolved, m.profile)
	snap := Snapshot{
		State:     state,
		Principal: m.principal,
		Profile:   m.profile,
		Loading:   loading,
		Path:      m.path,
	}
	redirect := Decide(state, m.path, m.opts.Routes)
	if redirect != "" {
		m.path = redirect
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	if m.opts.OnUpdate != nil && m.ctx.Err() == nil {
		m.opts.OnUpdate(Update{Snapshot: snap, Redirect: redirect})
	}
}
