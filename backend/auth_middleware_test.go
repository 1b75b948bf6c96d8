// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// jwksFixture serves a one-key JWKS over httptest and signs tokens with the
// matching private key.
type jwksFixture struct {
	srv  *httptest.Server
	priv ed25519.PrivateKey
	kid  string
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := jwk.Import(pub)
	if err != nil {
		t.Fatalf("import key: %v", err)
	}
	const kid = "fixture-key-1"
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatal(err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return &jwksFixture{srv: srv, priv: priv, kid: kid}
}

func (f *jwksFixture) signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = f.kid
	signed, err := token.SignedString(f.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// seenUser wraps the middleware around a capture handler and reports the
// user ID the handler observed.
func seenUser(t *testing.T, opts Options, cookie string) string {
	t.Helper()
	var got string
	handler := jwtAuthMiddleware(opts, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = getUserID(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "statkeeper_auth", Value: cookie})
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	f := newJWKSFixture(t)
	opts := Options{AuthJWKSURL: f.srv.URL}

	token := f.signToken(t, jwt.MapClaims{
		"email": "Scorer@Example.COM",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	if got := seenUser(t, opts, token); got != "scorer@example.com" {
		t.Errorf("user = %q, want scorer@example.com", got)
	}
}

func TestAuthMiddlewareSubjectFallback(t *testing.T) {
	f := newJWKSFixture(t)
	opts := Options{AuthJWKSURL: f.srv.URL}

	token := f.signToken(t, jwt.MapClaims{
		"sub": "scorer@example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if got := seenUser(t, opts, token); got != "scorer@example.com" {
		t.Errorf("user = %q, want subject claim", got)
	}
}

func TestAuthMiddlewareAnonymousFallthrough(t *testing.T) {
	f := newJWKSFixture(t)
	opts := Options{AuthJWKSURL: f.srv.URL}

	expired := f.signToken(t, jwt.MapClaims{
		"email": "scorer@example.com",
		"exp":   time.Now().Add(-time.Hour).Unix(),
	})

	cases := []struct {
		name   string
		cookie string
	}{
		{name: "no cookie", cookie: ""},
		{name: "garbage token", cookie: "not-a-jwt"},
		{name: "expired token", cookie: expired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := seenUser(t, opts, tc.cookie); got != "" {
				t.Errorf("user = %q, want anonymous", got)
			}
		})
	}
}

func TestAuthMiddlewareNoJWKSURL(t *testing.T) {
	// Without a key source the middleware must still serve requests.
	if got := seenUser(t, Options{}, "whatever"); got != "" {
		t.Errorf("user = %q, want anonymous", got)
	}
}

func TestAuthMiddlewareUnknownKeyID(t *testing.T) {
	f := newJWKSFixture(t)
	opts := Options{AuthJWKSURL: f.srv.URL}

	// Sign with a key the JWKS endpoint never published.
	_, stray, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"email": "scorer@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "stray-key"
	signed, err := token.SignedString(stray)
	if err != nil {
		t.Fatal(err)
	}
	if got := seenUser(t, opts, signed); got != "" {
		t.Errorf("user = %q, want anonymous for unknown key", got)
	}
}
