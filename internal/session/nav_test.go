package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	routes := DefaultRoutes()
	tests := []struct {
		name  string
		state State
		path  string
		want  string
	}{
		{"initializing never redirects", StateInitializing, "/dashboard", ""},
		{"signed out on protected page", StateSignedOut, "/dashboard", "/login"},
		{"signed out on nested protected page", StateSignedOut, "/dashboard/listings/42", "/login"},
		{"signed out on completion page", StateSignedOut, "/complete-profile", "/login"},
		{"signed out on public page", StateSignedOut, "/", ""},
		{"signed out on sign-in", StateSignedOut, "/login", ""},
		{"signed out on sign-up", StateSignedOut, "/signup", ""},
		{"incomplete on dashboard", StateSignedInIncomplete, "/dashboard", "/complete-profile"},
		{"incomplete on public page", StateSignedInIncomplete, "/", "/complete-profile"},
		{"incomplete on sign-in", StateSignedInIncomplete, "/login", "/complete-profile"},
		{"incomplete on completion page", StateSignedInIncomplete, "/complete-profile", ""},
		{"complete on sign-in", StateSignedInComplete, "/login", "/dashboard"},
		{"complete on sign-up", StateSignedInComplete, "/signup", "/dashboard"},
		{"complete on dashboard", StateSignedInComplete, "/dashboard", ""},
		{"complete on public page", StateSignedInComplete, "/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.state, tt.path, routes))
		})
	}
}

func TestDecideNeverTargetsCurrentPage(t *testing.T) {
	routes := Routes{SignIn: "/", SignUp: "/signup", Completion: "/complete-profile", Dashboard: "/"}
	assert.Empty(t, Decide(StateSignedInComplete, "/", routes))
	assert.Empty(t, Decide(StateSignedOut, "/", routes))
}

func TestRoutesMatching(t *testing.T) {
	r := DefaultRoutes()
	assert.True(t, r.IsAuth("/login/reset"))
	assert.False(t, r.IsAuth("/loginx"))
	assert.True(t, r.IsPublic("/"))
	assert.False(t, r.IsPublic("/about"))
}
