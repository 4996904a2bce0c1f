package apikey

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/labflow/pkg/auth"
)

func benchKeys(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New([]Key{
		{
			Secret: "lf-bench-1",
			Identity: auth.Identity{
				Subject: "bench-analyzer-1",
				Role:    "instrument",
				Site:    "main-lab",
				Scopes:  []string{"sessions:write"},
			},
		},
		{Secret: "lf-kiosk", Identity: auth.Identity{Subject: "kiosk"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func request(header string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	return r
}

func TestAuthenticate(t *testing.T) {
	a := benchKeys(t)

	tests := []struct {
		header      string
		want        auth.Decision
		wantSubject string
		wantRole    string
	}{
		{"Bearer lf-bench-1", auth.Allow, "bench-analyzer-1", "instrument"},
		{"Bearer lf-kiosk", auth.Allow, "kiosk", auth.DefaultRole},
		{"Bearer lf-unknown", auth.Deny, "", ""},
		{"Bearer ", auth.Deny, "", ""},
		{"", auth.Abstain, "", ""},
		{"Basic bGY6a2V5", auth.Abstain, "", ""},
		{"bearer lf-kiosk", auth.Abstain, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			res := a.Authenticate(context.Background(), request(tt.header))
			if res.Decision != tt.want {
				t.Fatalf("Decision = %v, want %v", res.Decision, tt.want)
			}
			switch tt.want {
			case auth.Allow:
				if res.Identity.Subject != tt.wantSubject || res.Identity.Role != tt.wantRole {
					t.Errorf("identity = %s/%s, want %s/%s", res.Identity.Subject, res.Identity.Role, tt.wantSubject, tt.wantRole)
				}
			case auth.Deny:
				if res.Err == nil {
					t.Error("denied without error")
				}
			}
		})
	}
}

func TestIdentityIsCopied(t *testing.T) {
	a := benchKeys(t)

	first := a.Authenticate(context.Background(), request("Bearer lf-bench-1"))
	first.Identity.Scopes[0] = "tampered"
	first.Identity.Site = "elsewhere"

	second := a.Authenticate(context.Background(), request("Bearer lf-bench-1"))
	if second.Identity.Scopes[0] != "sessions:write" || second.Identity.Site != "main-lab" {
		t.Errorf("stored identity was mutated: %+v", second.Identity)
	}
}

func TestNewRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		keys []Key
	}{
		{"empty secret", []Key{{Identity: auth.Identity{Subject: "a"}}}},
		{"empty subject", []Key{{Secret: "k"}}},
		{"duplicate secret", []Key{
			{Secret: "k", Identity: auth.Identity{Subject: "a"}},
			{Secret: "k", Identity: auth.Identity{Subject: "b"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.keys); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}
}
