package httpapi

import "net/http"

// Authenticator gates access to the search surface. It is deliberately
// small: a handler only needs a yes/no answer plus whatever it wants to
// stash on the request context before delegating to the real check.
type Authenticator interface {
	Authenticate(r *http.Request) bool
}

// NoAuth admits every request. It backs auth.enabled=false and any
// deployment that fronts HermesIndex with its own gateway.
type NoAuth struct{}

func (NoAuth) Authenticate(*http.Request) bool { return true }
