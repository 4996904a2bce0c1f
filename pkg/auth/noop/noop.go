// Package noop admits every request. It backs auth.type "none", where
// benches run without credentials and every action is attributed to a
// single configured operator.
package noop

import (
	"context"
	"net/http"

	"github.com/rhuss/labflow/pkg/auth"
)

// Authenticator allows every request as Operator, or as auth.Anonymous
// when Operator has no subject.
type Authenticator struct {
	Operator auth.Identity
}

func (a *Authenticator) Authenticate(context.Context, *http.Request) auth.Result {
	id := a.Operator
	if id.Subject == "" {
		id = auth.Anonymous
	}
	if id.Role == "" {
		id.Role = auth.DefaultRole
	}
	return auth.Result{Decision: auth.Allow, Identity: &id}
}
