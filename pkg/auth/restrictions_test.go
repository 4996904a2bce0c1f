package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestRestrictionsPermit(t *testing.T) {
	r, err := NewRestrictions(map[string][]string{
		"DELETE /v1/sessions/{id}":    {RoleSupervisor},
		"GET /v1/sessions/{id}/audit": {RoleSupervisor, "scope:audit:read"},
	})
	if err != nil {
		t.Fatalf("NewRestrictions: %v", err)
	}

	tech := &Identity{Subject: "t", Role: RoleTechnician}
	auditor := &Identity{Subject: "a", Role: RoleTechnician, Scopes: []string{"audit:read"}}
	super := &Identity{Subject: "s", Role: RoleSupervisor}

	tests := []struct {
		name   string
		method string
		path   string
		id     *Identity
		want   bool
	}{
		{"technician reads session", "GET", "/v1/sessions/sess_1", tech, true},
		{"technician deletes session", "DELETE", "/v1/sessions/sess_1", tech, false},
		{"supervisor deletes session", "DELETE", "/v1/sessions/sess_1", super, true},
		{"technician reads audit", "GET", "/v1/sessions/sess_1/audit", tech, false},
		{"scope grants audit", "GET", "/v1/sessions/sess_1/audit", auditor, true},
		{"unmatched route", "POST", "/v1/sessions", tech, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Permit(httptest.NewRequest(tt.method, tt.path, nil), tt.id)
			if (err == nil) != tt.want {
				t.Fatalf("Permit() = %v, want permitted=%v", err, tt.want)
			}
			if err != nil && !errors.Is(err, ErrForbidden) {
				t.Errorf("error %v does not wrap ErrForbidden", err)
			}
		})
	}
}

func TestNilRestrictionsPermitAll(t *testing.T) {
	var r *Restrictions
	if err := r.Permit(httptest.NewRequest("DELETE", "/v1/sessions/x", nil), &Identity{Subject: "t"}); err != nil {
		t.Errorf("Permit on nil restrictions = %v", err)
	}
}

func TestNewRestrictionsRejectsBadRules(t *testing.T) {
	tests := []struct {
		name  string
		rules map[string][]string
	}{
		{"malformed pattern", map[string][]string{"DELETE /v1/{": {RoleSupervisor}}},
		{"no grants", map[string][]string{"DELETE /v1/sessions/{id}": nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRestrictions(tt.rules); err == nil {
				t.Error("NewRestrictions succeeded, want error")
			}
		})
	}
}
