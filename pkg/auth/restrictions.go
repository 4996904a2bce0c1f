package auth

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Restrictions reserves routes for some operators. Each rule is keyed by
// a ServeMux pattern such as "DELETE /v1/sessions/{id}" and lists the
// grants that may use it: a role name, or "scope:<name>" for an
// identity granted that scope. Routes without a rule are open to every
// authenticated operator.
type Restrictions struct {
	mux    *http.ServeMux
	grants map[string][]string
}

// NewRestrictions compiles rules. A malformed or conflicting pattern is
// an error.
func NewRestrictions(rules map[string][]string) (r *Restrictions, err error) {
	r = &Restrictions{mux: http.NewServeMux(), grants: make(map[string][]string, len(rules))}
	for pattern, grants := range rules {
		if len(grants) == 0 {
			return nil, fmt.Errorf("restriction %q grants nobody", pattern)
		}
		if err := r.register(pattern); err != nil {
			return nil, err
		}
		r.grants[pattern] = grants
	}
	return r, nil
}

// register adds pattern to the matcher. ServeMux panics on bad patterns.
func (r *Restrictions) register(pattern string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("restriction %q: %v", pattern, p)
		}
	}()
	r.mux.Handle(pattern, http.NotFoundHandler())
	return nil
}

// Permit returns nil when id may call the route req resolves to, and an
// error wrapping ErrForbidden otherwise. A nil receiver permits all.
func (r *Restrictions) Permit(req *http.Request, id *Identity) error {
	if r == nil || len(r.grants) == 0 {
		return nil
	}
	_, pattern := r.mux.Handler(req)
	grants, ok := r.grants[pattern]
	if !ok {
		return nil
	}
	if slices.ContainsFunc(grants, func(g string) bool { return granted(g, id) }) {
		return nil
	}
	return fmt.Errorf("%w: %s is reserved for %s", ErrForbidden, pattern, strings.Join(grants, ", "))
}

func granted(grant string, id *Identity) bool {
	if scope, ok := strings.CutPrefix(grant, "scope:"); ok {
		return id.HasScope(scope)
	}
	return id != nil && id.Role == grant
}
