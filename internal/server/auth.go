package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentopia/toolbox-agent/internal/api"
)

// Authenticator checks the bearer credential of a request.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// NewAuthenticator picks HS256 JWT validation when a secret is set and a
// static token otherwise. One of the two is required.
func NewAuthenticator(token, jwtSecret, issuer, audience string) (Authenticator, error) {
	switch {
	case jwtSecret != "":
		return &JWTAuthenticator{secret: []byte(jwtSecret), issuer: issuer, audience: audience}, nil
	case token != "":
		return &StaticTokenAuthenticator{token: []byte(token)}, nil
	}
	return nil, errors.New("server auth is not configured: set server.authToken or server.jwtSecret")
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", api.NewError(api.KindUnauthorized, "missing bearer token")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", api.NewError(api.KindUnauthorized, "malformed authorization header")
	}
	return strings.TrimSpace(token), nil
}

// StaticTokenAuthenticator compares the bearer token with a shared secret
// in constant time.
type StaticTokenAuthenticator struct {
	token []byte
}

func (a *StaticTokenAuthenticator) Authenticate(r *http.Request) error {
	token, err := bearerToken(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return api.NewError(api.KindUnauthorized, "invalid bearer token")
	}
	return nil
}

// JWTAuthenticator validates HS256 bearer JWTs, optionally pinning the
// issuer and audience.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) error {
	raw, err := bearerToken(r)
	if err != nil {
		return err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return api.WrapError(api.KindUnauthorized, err, "invalid bearer token")
	}
	return nil
}

// requireAuth rejects requests the authenticator does not accept.
func requireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Authenticate(r); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="toolbox-agent"`)
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
