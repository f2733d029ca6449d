package realtime

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified actor behind a credential. The hub trusts it for
// the lifetime of the connection.
type Identity struct {
	ActorID string
	Role    string
}

// Authenticator verifies a credential and yields the actor identity.
type Authenticator interface {
	Authenticate(credential string) (Identity, error)
}

// AuthenticationError reports a bad or expired credential. It is fatal to
// the connection attempt and is never retried automatically.
type AuthenticationError struct {
	Cause error
}

// Error implements error.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *AuthenticationError) Unwrap() error { return e.Cause }

// JWTAuthenticator verifies HMAC-signed bearer tokens issued by the
// platform's auth service.
type JWTAuthenticator struct {
	secret []byte
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator creates an authenticator with the shared signing
// secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

type actorClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticate parses and verifies the token. The subject claim carries the
// actor id.
func (a *JWTAuthenticator) Authenticate(credential string) (Identity, error) {
	claims := &actorClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, &AuthenticationError{Cause: err}
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, &AuthenticationError{Cause: fmt.Errorf("token carries no subject")}
	}
	return Identity{ActorID: claims.Subject, Role: claims.Role}, nil
}

// StaticAuthenticator maps credentials to identities directly. Test and
// local-development use only.
type StaticAuthenticator map[string]Identity

var _ Authenticator = (StaticAuthenticator)(nil)

// Authenticate looks the credential up in the map.
func (a StaticAuthenticator) Authenticate(credential string) (Identity, error) {
	id, ok := a[credential]
	if !ok {
		return Identity{}, &AuthenticationError{Cause: fmt.Errorf("unknown credential")}
	}
	return id, nil
}
