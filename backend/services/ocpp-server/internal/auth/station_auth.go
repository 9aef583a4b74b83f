// Package auth validates station connections and admin API tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ErrUnauthorized rejects a connection attempt.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Authenticator decides whether an upgrade request may connect as identity.
type Authenticator interface {
	Authenticate(r *http.Request, identity string) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request, identity string) error

func (f AuthenticatorFunc) Authenticate(r *http.Request, identity string) error { return f(r, identity) }

// AllowAll accepts every station.
var AllowAll Authenticator = AuthenticatorFunc(func(*http.Request, string) error { return nil })

// CredentialStore returns the stored password hash of a station; any error rejects the station.
type CredentialStore interface {
	PasswordHash(ctx context.Context, stationID string) (string, error)
}

// BasicAuthenticator checks HTTP Basic credentials (OCPP security profile 1). The username must
// equal the station identity from the URL.
type BasicAuthenticator struct {
	store  CredentialStore
	hasher Hasher
	logger *zap.Logger
}

// NewBasicAuthenticator builds a Basic-auth checker over store.
func NewBasicAuthenticator(store CredentialStore, hasher Hasher, logger *zap.Logger) *BasicAuthenticator {
	if hasher == nil {
		hasher = NewBcryptHasher(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BasicAuthenticator{store: store, hasher: hasher, logger: logger}
}

// Authenticate implements Authenticator.
func (a *BasicAuthenticator) Authenticate(r *http.Request, identity string) error {
	username, password, ok := r.BasicAuth()
	if !ok {
		return fmt.Errorf("%w: missing basic credentials", ErrUnauthorized)
	}
	if username != identity {
		return fmt.Errorf("%w: username does not match station identity", ErrUnauthorized)
	}

	hash, err := a.store.PasswordHash(r.Context(), identity)
	if err != nil {
		a.logger.Info("station credential lookup failed", zap.String("station_id", identity), zap.Error(err))
		return fmt.Errorf("%w: unknown station", ErrUnauthorized)
	}
	if err := a.hasher.Compare(hash, password); err != nil {
		return fmt.Errorf("%w: wrong password", ErrUnauthorized)
	}
	return nil
}
