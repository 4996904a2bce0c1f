// Package apikey authenticates bench devices and service accounts by
// static bearer keys. Only SHA-256 digests of the keys are held, and a
// presented key is compared against every digest in constant time.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/rhuss/labflow/pkg/auth"
)

// Key is one configured credential.
type Key struct {
	Secret   string
	Identity auth.Identity
}

type entry struct {
	digest   [sha256.Size]byte
	identity auth.Identity
}

// Authenticator checks bearer keys against its configured set.
type Authenticator struct {
	entries []entry
}

// New hashes keys into an authenticator. Every key needs a secret and a
// subject, and no secret may repeat. Identities without a role get
// auth.DefaultRole.
func New(keys []Key) (*Authenticator, error) {
	a := &Authenticator{entries: make([]entry, 0, len(keys))}
	seen := make(map[[sha256.Size]byte]string, len(keys))
	var errs []error
	for i, k := range keys {
		if k.Secret == "" {
			errs = append(errs, fmt.Errorf("key %d: empty secret", i))
			continue
		}
		if k.Identity.Subject == "" {
			errs = append(errs, fmt.Errorf("key %d: empty subject", i))
			continue
		}
		d := sha256.Sum256([]byte(k.Secret))
		if other, dup := seen[d]; dup {
			errs = append(errs, fmt.Errorf("key %d: secret already assigned to %q", i, other))
			continue
		}
		seen[d] = k.Identity.Subject

		id := k.Identity
		if id.Role == "" {
			id.Role = auth.DefaultRole
		}
		a.entries = append(a.entries, entry{digest: d, identity: id})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return a, nil
}

// Authenticate abstains unless the request carries a bearer credential.
// An unknown key is denied.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if secret == "" {
		return auth.Result{Decision: auth.Deny, Err: auth.ErrUnauthenticated}
	}

	d := sha256.Sum256([]byte(secret))
	match := -1
	for i := range a.entries {
		if subtle.ConstantTimeCompare(d[:], a.entries[i].digest[:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return auth.Result{Decision: auth.Deny, Err: auth.ErrUnauthenticated}
	}

	id := a.entries[match].identity
	id.Scopes = slices.Clone(id.Scopes)
	return auth.Result{Decision: auth.Allow, Identity: &id}
}
