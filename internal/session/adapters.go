package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	ident "github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
)

// tokenIdentity binds the identity watcher to the token a request carried.
type tokenIdentity struct {
	svc   *identity.Service
	token string
}

func (t tokenIdentity) Watch(ctx context.Context, fn func(*ident.Principal, error)) func() {
	return t.svc.Watch(ctx, t.token, fn)
}

// pendingRedirect binds redirect consumption to the request's redirect cookie.
type pendingRedirect struct {
	svc *identity.Service
	id  string
}

func (p pendingRedirect) ConsumeRedirectResult(ctx context.Context) (*identity.SignInResult, error) {
	return p.svc.ConsumeRedirectResult(ctx, p.id)
}

type signOuter struct {
	svc *identity.Service
}

func (s signOuter) SignOut(ctx context.Context, p ident.Principal) error {
	return s.svc.SignOut(ctx, p.ID)
}

// cookieJar records the session cookie changes a machine asks for until the
// handler is in a position to write response headers.
type cookieJar struct {
	svc *identity.Service

	mu      sync.Mutex
	token   string
	expires time.Time
	set     bool
	clear   bool
	applied bool
}

func newCookieJar(svc *identity.Service) *cookieJar {
	return &cookieJar{svc: svc}
}

func (j *cookieJar) Refresh(ctx context.Context, p ident.Principal) error {
	tok, exp, err := j.svc.Token(p)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.token, j.expires = tok, exp
	j.set, j.clear = true, false
	return nil
}

func (j *cookieJar) Clear(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.token = ""
	j.set, j.clear = false, true
}

// apply writes the recorded change once. Later changes cannot reach a
// client whose headers are already sent.
func (j *cookieJar) apply(w http.ResponseWriter, opts identity.CookieOptions) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.applied {
		return
	}
	j.applied = true
	switch {
	case j.set:
		opts.SetSessionCookie(w, j.token, j.expires)
	case j.clear:
		opts.ClearSessionCookie(w)
	}
}
