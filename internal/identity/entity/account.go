package entity

import "time"

// Account is a sign-in principal's credential row in the `accounts` table.
// Profile data (role, registration ids) lives in the profile store, not here.
type Account struct {
	ID                  string     `db:"id"`
	Email               string     `db:"email"`
	DisplayName         string     `db:"display_name"`
	PhotoURL            *string    `db:"photo_url"`
	EmailVerified       bool       `db:"email_verified"`
	PasswordHash        *string    `db:"password_hash"`
	PasswordAlgo        *string    `db:"password_algo"`
	PasswordUpdatedAt   *time.Time `db:"password_updated_at"`
	Status              string     `db:"status"` // active / locked / disabled
	LoginFailedAttempts int        `db:"login_failed_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
	LastLoginAt         *time.Time `db:"last_login_at"`
	Version             int64      `db:"version"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

const (
	StatusActive   = "active"
	StatusLocked   = "locked"
	StatusDisabled = "disabled"
)

// Principal is the read-only identity view handed to the rest of the app.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photo_url,omitempty"`
	Provider    string `json:"provider"`
	// Version is the account's token version at the time the principal was
	// resolved. Tokens carrying an older version are rejected.
	Version int64 `json:"-"`
}

// FederatedIdentity is the normalized result of a provider code exchange.
// It contains facts only, no decisions.
type FederatedIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// RedirectResult is a completed federated sign-in waiting to be consumed by
// the client's session on its next load. It is consumed at most once.
type RedirectResult struct {
	ID        string    `db:"id"`
	AccountID string    `db:"account_id"`
	Provider  string    `db:"provider"`
	IsNew     bool      `db:"is_new"`
	ExpiresAt time.Time `db:"expires_at"`
}

// PrincipalOf projects an account onto the principal view.
func PrincipalOf(a *Account, provider string) Principal {
	p := Principal{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Email:       a.Email,
		Provider:    provider,
		Version:     a.Version,
	}
	if a.PhotoURL != nil {
		p.PhotoURL = *a.PhotoURL
	}
	return p
}
