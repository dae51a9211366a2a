// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package auth validates the JWT bearer tokens issued by the Sealog
// login flow.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	coreerrors "github.com/oceandatatools/sealog/core/errors"
)

var logger = loggo.GetLogger("sealog.auth")

const (
	userIDClaimKey = "id"
	scopeClaimKey  = "scope"
)

// Authenticator turns a raw token into an identity.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// TokenAuthenticator validates HS256 signed tokens.
type TokenAuthenticator struct {
	key   []byte
	clock clock.Clock
}

// NewTokenAuthenticator returns an authenticator using the shared secret.
func NewTokenAuthenticator(secret string, clk clock.Clock) (*TokenAuthenticator, error) {
	if secret == "" {
		return nil, errors.NotValidf("empty jwt secret")
	}
	if clk == nil {
		return nil, errors.NotValidf("missing clock")
	}
	return &TokenAuthenticator{
		key:   []byte(secret),
		clock: clk,
	}, nil
}

// Authenticate validates the signature and expiry of token and returns
// the identity it carries. All failures satisfy NotAuthenticated.
func (a *TokenAuthenticator) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, errors.Annotate(coreerrors.NotAuthenticated, "missing token")
	}
	parsed, err := jwt.Parse(
		[]byte(token),
		jwt.WithKey(jwa.HS256, a.key),
		jwt.WithClock(jwt.ClockFunc(a.clock.Now)),
		jwt.WithValidate(true),
	)
	if err != nil {
		logger.Debugf("rejecting token: %v", err)
		return Identity{}, errors.Annotatef(coreerrors.NotAuthenticated, "invalid token: %v", err)
	}

	userID := parsed.Subject()
	if v, ok := parsed.PrivateClaims()[userIDClaimKey]; ok {
		userID = fmt.Sprint(v)
	}
	if userID == "" {
		return Identity{}, errors.Annotate(coreerrors.NotAuthenticated, "token has no user id")
	}
	return NewIdentity(userID, scopesFromClaim(parsed.PrivateClaims()[scopeClaimKey])...), nil
}

// scopesFromClaim accepts the scope claim as either a list or a space
// separated string.
func scopesFromClaim(claim interface{}) []string {
	switch v := claim.(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []interface{}:
		scopes := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
		return scopes
	}
	return nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter used by browser websocket
// clients that cannot set headers.
func TokenFromRequest(req *http.Request) string {
	header := req.Header.Get("Authorization")
	if header != "" {
		const prefix = "bearer "
		if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
			return strings.TrimSpace(header[len(prefix):])
		}
		return strings.TrimSpace(header)
	}
	return req.URL.Query().Get("token")
}
