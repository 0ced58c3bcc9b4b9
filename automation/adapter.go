// Package automation abstracts the browser-automation engine that performs
// real logins and class searches against the portal. Each authenticated
// session exclusively owns one Adapter instance; every call drives a live
// browser and may take seconds.
package automation

import "context"

type Credentials struct {
	Username   string
	Password   string
	RememberMe bool
}

// Query identifies one class search. Term is the portal's 4-digit term code.
type Query struct {
	Term        string
	Subject     string
	ClassNumber string
}

// SearchResult maps a section-type label (e.g. "LEC 001") to the pair
// [location, professor]. Keys are unique, one entry per offered section.
type SearchResult map[string][2]string

// Adapter is the narrow capability surface the auth state machine and the
// command dispatcher depend on. Calls block until the underlying browser
// interaction completes; callers offload them so other connections keep
// dispatching.
type Adapter interface {
	// Login signs in with the given credentials. A non-empty challenge
	// means the portal requires an interactive second factor and the
	// returned prompt must be relayed to the client before
	// SubmitSecondFactor completes the flow.
	Login(ctx context.Context, creds Credentials) (challenge string, err error)

	// SubmitSecondFactor completes a login that returned a challenge.
	SubmitSecondFactor(ctx context.Context, code string) error

	// Search runs a class search. The adapter must already be signed in.
	Search(ctx context.Context, q Query) (SearchResult, error)

	// IsAlive reports whether the underlying portal session is still
	// signed on.
	IsAlive(ctx context.Context) bool

	// Close tears down the browser instance. Safe to call more than once.
	Close(ctx context.Context) error
}

// Factory creates adapter instances. id is stable for the adapter's
// lifetime and is used for profile storage and logging.
type Factory interface {
	New(ctx context.Context, id string) (Adapter, error)
}
