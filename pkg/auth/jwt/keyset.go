package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rhuss/labflow/pkg/debug"
)

// minKeyBits rejects toy keys published by a misconfigured provider.
const minKeyBits = 2048

// keySet caches the RSA signing keys of a JWKS endpoint. Concurrent
// refreshes collapse into one fetch, and a key that was once valid keeps
// verifying tokens while the endpoint is unreachable.
type keySet struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newKeySet(url string, client *http.Client, ttl, minRefresh time.Duration) *keySet {
	return &keySet{
		url:        url,
		client:     client,
		ttl:        ttl,
		minRefresh: minRefresh,
		now:        time.Now,
		keys:       map[string]*rsa.PublicKey{},
	}
}

func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	k, known := s.keys[kid]
	age := s.now().Sub(s.fetchedAt)
	fetched := !s.fetchedAt.IsZero()
	s.mu.RUnlock()

	if known && age < s.ttl {
		return k, nil
	}
	if !known && fetched && age < s.minRefresh {
		return nil, fmt.Errorf("key %q not in key set", kid)
	}

	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	if err != nil {
		if known {
			slog.Warn("key set refresh failed, using cached key", "kid", kid, "error", err)
			return k, nil
		}
		return nil, err
	}

	s.mu.RLock()
	k, known = s.keys[kid]
	s.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("key %q not in key set", kid)
	}
	return k, nil
}

func (s *keySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("creating key set request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key set endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return fmt.Errorf("decoding key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		pub, err := jwk.publicKey()
		if err != nil {
			slog.Warn("skipping signing key", "kid", jwk.Kid, "error", err)
			continue
		}
		keys[jwk.Kid] = pub
	}

	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = s.now()
	s.mu.Unlock()

	debug.Log(debug.Auth, "key set refreshed", "keys", len(keys), "url", s.url)
	return nil
}

// jsonWebKey is the subset of RFC 7517 fields needed for RSA keys.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	modulus := new(big.Int).SetBytes(n)
	if modulus.BitLen() < minKeyBits {
		return nil, fmt.Errorf("modulus has %d bits, want at least %d", modulus.BitLen(), minKeyBits)
	}
	exponent := new(big.Int).SetBytes(e)
	if !exponent.IsInt64() || exponent.Int64() < 3 || exponent.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("unsupported exponent")
	}
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}
