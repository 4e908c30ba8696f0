package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"
)

const (
	// SessionCookieName holds the short-lived session token. The edge gate
	// only checks for its presence.
	SessionCookieName = "harvesta_session"
	// RedirectCookieName holds the id of a pending federated sign-in result.
	RedirectCookieName = "harvesta_redirect"

	stateCookieName = "__oauth_state"
	pkceCookieName  = "__oauth_pkce"
	flowTTL         = 5 * time.Minute
)

// CookieOptions defines how cookies are issued.
type CookieOptions struct {
	Path     string
	Secure   bool
	SameSite http.SameSite
	Domain   string
}

// normalize applies safe defaults without breaking callers
func (o CookieOptions) normalize() CookieOptions {
	if o.Path == "" {
		o.Path = "/"
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteLaxMode
	}
	return o
}

func (o CookieOptions) set(w http.ResponseWriter, name, value string, expires time.Time, maxAge int) {
	o = o.normalize()
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     o.Path,
		Domain:   o.Domain,
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   o.Secure,
		SameSite: o.SameSite,
	})
}

// SetSessionCookie issues the session token cookie.
func (o CookieOptions) SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	o.set(w, SessionCookieName, token, expiresAt, 0)
}

// ClearSessionCookie removes the session token cookie.
func (o CookieOptions) ClearSessionCookie(w http.ResponseWriter) {
	o.set(w, SessionCookieName, "", time.Time{}, -1)
}

// SetRedirectCookie remembers a pending federated sign-in result.
func (o CookieOptions) SetRedirectCookie(w http.ResponseWriter, id string, expiresAt time.Time) {
	o.set(w, RedirectCookieName, id, expiresAt, 0)
}

// ClearRedirectCookie forgets the pending result once it has been consumed.
func (o CookieOptions) ClearRedirectCookie(w http.ResponseWriter) {
	o.set(w, RedirectCookieName, "", time.Time{}, -1)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// SessionToken returns the session cookie value or "".
func SessionToken(r *http.Request) string { return cookieValue(r, SessionCookieName) }

// RedirectID returns the pending redirect cookie value or "".
func RedirectID(r *http.Request) string { return cookieValue(r, RedirectCookieName) }

func randomToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// generateState issues the anti-CSRF state cookie and returns its value.
func (o CookieOptions) generateState(w http.ResponseWriter) string {
	state := randomToken()
	o.set(w, stateCookieName, state, time.Time{}, int(flowTTL.Seconds()))
	return state
}

func validateState(r *http.Request) bool {
	q := r.URL.Query().Get("state")
	return q != "" && cookieValue(r, stateCookieName) == q
}

// generatePKCE issues the verifier cookie and returns the S256 challenge.
func (o CookieOptions) generatePKCE(w http.ResponseWriter) (verifier string, challenge string) {
	verifier = randomToken()
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	o.set(w, pkceCookieName, verifier, time.Time{}, int(flowTTL.Seconds()))
	return verifier, challenge
}

func (o CookieOptions) clearFlowCookies(w http.ResponseWriter) {
	o.set(w, stateCookieName, "", time.Time{}, -1)
	o.set(w, pkceCookieName, "", time.Time{}, -1)
}
