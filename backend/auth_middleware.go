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
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	defaultAuthCookie = "statkeeper_auth"
	jwksFetchTimeout  = 10 * time.Second
	// Minimum delay between JWKS refetches. A burst of tokens signed with
	// an unknown kid must not hammer the identity provider.
	jwksRefreshFloor = time.Minute
)

var errUnknownKeyID = errors.New("signing key not in cached set")

// jwksKeychain caches the provider's signing keys and refetches them when a
// token arrives with a key ID the cache has never seen.
type jwksKeychain struct {
	url string

	mu      sync.Mutex
	set     jwk.Set
	fetched time.Time
}

func newJWKSKeychain(url string) *jwksKeychain {
	return &jwksKeychain{url: url}
}

// refresh fetches the key set, rate-limited by jwksRefreshFloor unless force
// is set (startup).
func (kc *jwksKeychain) refresh(force bool) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if !force && time.Since(kc.fetched) < jwksRefreshFloor {
		return errUnknownKeyID
	}
	ctx, cancel := context.WithTimeout(context.Background(), jwksFetchTimeout)
	defer cancel()
	set, err := jwk.Fetch(ctx, kc.url)
	if err != nil {
		return fmt.Errorf("jwks fetch from %s: %w", kc.url, err)
	}
	kc.set = set
	kc.fetched = time.Now()
	return nil
}

// signingKey resolves a key ID to its raw public key, refetching the set at
// most once if the ID is unknown.
func (kc *jwksKeychain) signingKey(kid string) (any, error) {
	if raw, err := kc.lookup(kid); err == nil {
		return raw, nil
	}
	if err := kc.refresh(false); err != nil {
		return nil, err
	}
	return kc.lookup(kid)
}

func (kc *jwksKeychain) lookup(kid string) (any, error) {
	kc.mu.Lock()
	set := kc.set
	kc.mu.Unlock()
	if set == nil {
		return nil, errUnknownKeyID
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, errUnknownKeyID
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export key %s: %w", kid, err)
	}
	return raw, nil
}

// jwtAuthMiddleware resolves the signed identity cookie to a user ID on the
// request context. Requests without a cookie, or with a token that fails
// verification, pass through as anonymous; route handlers decide what
// anonymous users may do.
func jwtAuthMiddleware(opts Options, next http.Handler) http.Handler {
	cookieName := opts.AuthCookieName
	if cookieName == "" {
		cookieName = defaultAuthCookie
	}
	if opts.AuthJWKSURL == "" {
		log.Print("Warning: AuthJWKSURL is empty; signed-in users will not be recognized")
		return next
	}

	keychain := newJWKSKeychain(opts.AuthJWKSURL)
	if err := keychain.refresh(true); err != nil {
		// Not fatal: the first authenticated request retries.
		log.Printf("Warning: initial JWKS fetch failed: %v", err)
	}

	keyFor := func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
		default:
			return nil, fmt.Errorf("refusing signing method %q", token.Method.Alg())
		}
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return keychain.signingKey(kid)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(cookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, err := jwt.Parse(cookie.Value, keyFor)
		if err != nil || !token.Valid {
			if opts.Debug {
				log.Printf("Rejected auth cookie: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		email, _ := claims["email"].(string)
		if email == "" {
			// Some providers put the address in the subject instead.
			email, _ = claims["sub"].(string)
		}
		if email == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(email))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
