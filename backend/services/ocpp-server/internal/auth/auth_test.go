package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mapStore map[string]string

func (m mapStore) PasswordHash(_ context.Context, stationID string) (string, error) {
	hash, ok := m[stationID]
	if !ok {
		return "", errors.New("not found")
	}
	return hash, nil
}

func TestBasicAuthenticator(t *testing.T) {
	hasher := NewBcryptHasher(4)
	hash, err := hasher.Hash("s3cret")
	require.NoError(t, err)

	a := NewBasicAuthenticator(mapStore{"CS-1": hash}, hasher, zaptest.NewLogger(t))

	request := func(user, pass string, withAuth bool) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ocpp/CS-1", nil)
		if withAuth {
			r.SetBasicAuth(user, pass)
		}
		return r
	}

	assert.NoError(t, a.Authenticate(request("CS-1", "s3cret", true), "CS-1"))

	cases := map[string]*http.Request{
		"missing header":   request("", "", false),
		"wrong password":   request("CS-1", "guess", true),
		"foreign username": request("CS-2", "s3cret", true),
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, a.Authenticate(r, "CS-1"), ErrUnauthorized)
		})
	}

	t.Run("unknown station", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ocpp/CS-9", nil)
		r.SetBasicAuth("CS-9", "s3cret")
		assert.ErrorIs(t, a.Authenticate(r, "CS-9"), ErrUnauthorized)
	})
}

func TestAllowAll(t *testing.T) {
	assert.NoError(t, AllowAll.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil), "anything"))
}

func TestBcryptHasher(t *testing.T) {
	hasher := NewBcryptHasher(4)

	_, err := hasher.Hash("")
	assert.Error(t, err)

	hash, err := hasher.Hash("pw")
	require.NoError(t, err)
	assert.NoError(t, hasher.Compare(hash, "pw"))
	assert.Error(t, hasher.Compare(hash, "other"))
}

func TestTokenService(t *testing.T) {
	tokens := NewTokenService("top-secret", time.Minute)

	token, err := tokens.GenerateToken("ops@example.com", RoleOperator)
	require.NoError(t, err)

	claims, err := tokens.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)

	_, err = NewTokenService("other-secret", time.Minute).ValidateToken(token)
	assert.Error(t, err)

	_, err = tokens.GenerateToken("", RoleOperator)
	assert.Error(t, err)

	_, err = NewTokenService("", time.Minute).GenerateToken("ops", RoleOperator)
	assert.Error(t, err)
}

func TestTokenServiceRejectsExpiredTokens(t *testing.T) {
	tokens := NewTokenService("top-secret", time.Minute)
	tokens.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, err := tokens.GenerateToken("ops", RoleOperator)
	require.NoError(t, err)

	_, err = tokens.ValidateToken(token)
	assert.Error(t, err)
}
