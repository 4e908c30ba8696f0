// Package session reconciles the identity signal, the pending federated
// sign-in result and the live profile subscription into one client-visible
// state and a navigation decision.
package session

import (
	ident "github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/entity"
)

type State string

const (
	StateInitializing       State = "INITIALIZING"
	StateSignedOut          State = "SIGNED_OUT"
	StateSignedInIncomplete State = "SIGNED_IN_INCOMPLETE"
	StateSignedInComplete   State = "SIGNED_IN_COMPLETE"
)

// Snapshot is the {identity, profile, loading} triple plus the derived state.
type Snapshot struct {
	State     State            `json:"state"`
	Principal *ident.Principal `json:"principal"`
	Profile   *entity.Profile  `json:"profile"`
	Loading   bool             `json:"loading"`
	Path      string           `json:"path"`
}

// Update is one transition of the machine. Redirect is empty when the
// current page may be shown.
type Update struct {
	Snapshot Snapshot `json:"snapshot"`
	Redirect string   `json:"redirect,omitempty"`
}

// derive maps the resolved inputs to a state. loading stays true until the
// identity has resolved and, for a present identity, the first profile
// snapshot has arrived.
func derive(identityResolved bool, p *ident.Principal, profileResolved bool, prof *entity.Profile) (State, bool) {
	switch {
	case !identityResolved:
		return StateInitializing, true
	case p == nil:
		return StateSignedOut, false
	case !profileResolved:
		return StateInitializing, true
	case prof.Complete():
		return StateSignedInComplete, false
	default:
		return StateSignedInIncomplete, false
	}
}
