// Package jwt authenticates operators with bearer tokens issued by the
// lab's identity provider. Tokens are RSA-signed JWTs verified against
// the provider's JWKS endpoint; the subject, lab role, site, and scopes
// are read from configurable claims.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/labflow/pkg/auth"
	"github.com/rhuss/labflow/pkg/debug"
)

// Config holds the JWT authenticator configuration.
type Config struct {
	// Issuer is the expected iss claim. Empty skips the check.
	Issuer string

	// Audience is the expected aud claim. Empty skips the check.
	Audience string

	// JWKSURL serves the signing keys.
	JWKSURL string

	// Claim names. Defaults: "sub", "role", "site", "scope".
	SubjectClaim string
	RoleClaim    string
	SiteClaim    string
	ScopeClaim   string

	// Roles, when set, lists the roles a token may carry. A token with
	// any other role is rejected rather than downgraded.
	Roles []string

	// Leeway tolerates clock skew between the bench devices and the
	// identity provider when checking exp, nbf, and iat.
	Leeway time.Duration

	// CacheTTL is how long fetched keys are trusted. Default: 1 hour.
	CacheTTL time.Duration

	// MinRefreshInterval bounds how often an unknown kid may trigger a
	// key fetch. Default: 30 seconds.
	MinRefreshInterval time.Duration

	// HTTPClient fetches the key set. Default: http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.SubjectClaim == "" {
		c.SubjectClaim = "sub"
	}
	if c.RoleClaim == "" {
		c.RoleClaim = "role"
	}
	if c.SiteClaim == "" {
		c.SiteClaim = "site"
	}
	if c.ScopeClaim == "" {
		c.ScopeClaim = "scope"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MinRefreshInterval == 0 {
		c.MinRefreshInterval = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Authenticator validates JWT bearer tokens.
type Authenticator struct {
	config  Config
	keys    *keySet
	parsing []jwtlib.ParserOption
}

// New creates a JWT authenticator.
func New(cfg Config) *Authenticator {
	cfg.applyDefaults()

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwtlib.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwtlib.WithLeeway(cfg.Leeway))
	}

	return &Authenticator{
		config:  cfg,
		keys:    newKeySet(cfg.JWKSURL, cfg.HTTPClient, cfg.CacheTTL, cfg.MinRefreshInterval),
		parsing: opts,
	}
}

// Authenticate abstains without a bearer credential, rejects a token
// that fails verification or carries a disallowed role, and otherwise
// returns the operator identity.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.Result {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if raw == "" {
		return reject(errors.New("empty bearer token"))
	}

	claims := jwtlib.MapClaims{}
	if _, err := jwtlib.ParseWithClaims(raw, claims, a.keyFunc(ctx), a.parsing...); err != nil {
		debug.Log(debug.Auth, "token rejected", "error", err)
		return reject(fmt.Errorf("invalid token: %w", err))
	}

	id, err := a.identity(claims)
	if err != nil {
		debug.Log(debug.Auth, "token rejected", "error", err)
		return reject(err)
	}
	return auth.Result{Decision: auth.Allow, Identity: id}
}

func (a *Authenticator) keyFunc(ctx context.Context) jwtlib.Keyfunc {
	return func(t *jwtlib.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return a.keys.key(ctx, kid)
	}
}

func (a *Authenticator) identity(claims jwtlib.MapClaims) (*auth.Identity, error) {
	subject, _ := claims[a.config.SubjectClaim].(string)
	if subject == "" {
		return nil, fmt.Errorf("token has no %q claim", a.config.SubjectClaim)
	}

	role, _ := claims[a.config.RoleClaim].(string)
	if role == "" {
		role = auth.DefaultRole
	}
	if len(a.config.Roles) > 0 && !slices.Contains(a.config.Roles, role) {
		return nil, fmt.Errorf("role %q is not permitted", role)
	}

	site, _ := claims[a.config.SiteClaim].(string)
	return &auth.Identity{
		Subject: subject,
		Role:    role,
		Site:    site,
		Scopes:  scopes(claims[a.config.ScopeClaim]),
	}, nil
}

// scopes accepts the space-separated OAuth form as well as a JSON array.
func scopes(v any) []string {
	var out []string
	switch v := v.(type) {
	case string:
		out = strings.Fields(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func reject(err error) auth.Result {
	return auth.Result{Decision: auth.Deny, Err: err}
}
