package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
)

// Decision is an authenticator's vote on a request.
type Decision int

const (
	// Abstain passes the request to the next authenticator. It is the zero
	// value, so an empty Result never admits anyone.
	Abstain Decision = iota

	// Allow accepts the credentials and ends the chain.
	Allow

	// Deny rejects credentials that were presented but are invalid.
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "abstain"
	}
}

// Result is the outcome of one authentication attempt. Identity is set
// on Allow, Err on Deny.
type Result struct {
	Decision Decision
	Identity *Identity
	Err      error
}

// Lab roles known to the service. Deployments may define others; they
// only matter to rate limits and route restrictions.
const (
	RoleTechnician = "technician"
	RoleSupervisor = "supervisor"

	// DefaultRole is assigned to identities that carry no role.
	DefaultRole = RoleTechnician
)

// Identity is the operator behind a request.
type Identity struct {
	// Subject names the operator. It becomes the session owner and the
	// actor on audit entries.
	Subject string

	Role string

	// Site is the lab the operator works at, when the credential says.
	Site string

	Scopes []string
}

// HasScope reports whether the identity was granted scope.
func (id *Identity) HasScope(scope string) bool {
	return id != nil && slices.Contains(id.Scopes, scope)
}

// Authenticator votes on the credentials of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Anonymous is the identity admitted when every authenticator abstains
// and the chain falls back to Allow.
var Anonymous = Identity{Subject: "anonymous", Role: DefaultRole}

// Chain asks authenticators in order until one of them allows or denies.
type Chain struct {
	authenticators []Authenticator
	fallback       Decision
}

// NewChain builds a chain. fallback decides when every authenticator
// abstains: Allow admits Anonymous, anything else rejects.
func NewChain(fallback Decision, authenticators ...Authenticator) *Chain {
	return &Chain{authenticators: authenticators, fallback: fallback}
}

// Authenticate runs the chain.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, a := range c.authenticators {
		if res := a.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.fallback == Allow {
		id := Anonymous
		return Result{Decision: Allow, Identity: &id}
	}
	return Result{Decision: Deny, Err: ErrUnauthenticated}
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity, or nil.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
