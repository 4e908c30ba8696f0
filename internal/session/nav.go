package session

import "strings"

// Routes names the pages the navigation rules refer to.
type Routes struct {
	SignIn     string
	SignUp     string
	Completion string
	Dashboard  string
	// Public pages are reachable while signed out. Matching is exact.
	Public []string
}

func DefaultRoutes() Routes {
	return Routes{
		SignIn:     "/login",
		SignUp:     "/signup",
		Completion: "/complete-profile",
		Dashboard:  "/dashboard",
		Public:     []string{"/"},
	}
}

// under reports whether path is page or below it.
func under(path, page string) bool {
	if page == "" {
		return false
	}
	if path == page {
		return true
	}
	return page != "/" && strings.HasPrefix(path, strings.TrimSuffix(page, "/")+"/")
}

func (r Routes) IsAuth(path string) bool {
	return under(path, r.SignIn) || under(path, r.SignUp)
}

func (r Routes) IsPublic(path string) bool {
	for _, p := range r.Public {
		if path == p {
			return true
		}
	}
	return false
}

// Decide returns the page the client should be sent to, or "" when the
// current page may be shown. It never returns path itself.
func Decide(state State, path string, routes Routes) string {
	var target string
	switch state {
	case StateSignedOut:
		if !routes.IsPublic(path) && !routes.IsAuth(path) {
			target = routes.SignIn
		}
	case StateSignedInIncomplete:
		if !under(path, routes.Completion) {
			target = routes.Completion
		}
	case StateSignedInComplete:
		if routes.IsAuth(path) {
			target = routes.Dashboard
		}
	}
	if target == path {
		return ""
	}
	return target
}
