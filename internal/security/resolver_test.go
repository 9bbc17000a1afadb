package security_test

import (
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/security"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Resolve(t *testing.T) {
	secret := []byte("supersecret")
	r := security.NewResolver(security.NewHS256Verifier(string(secret), ""))

	uid := uuid.New()
	good := signHS256(t, secret, security.TokenClaims{UserID: uid.String(), Role: "user"}, time.Now().Add(time.Hour))
	admin := signHS256(t, secret, security.TokenClaims{UserID: uid.String(), Role: "admin"}, time.Now().Add(time.Hour))
	expired := signHS256(t, secret, security.TokenClaims{UserID: uid.String(), Role: "user"}, time.Now().Add(-time.Minute))
	notUUID := signHS256(t, secret, security.TokenClaims{UserID: "u1", Role: "user"}, time.Now().Add(time.Hour))

	t.Run("account wins over device", func(t *testing.T) {
		p, err := r.Resolve(good, "dev_1")
		require.NoError(t, err)
		assert.Equal(t, domain.AuthenticatedAccount(uid), p.Identity)
		assert.Equal(t, "dev_1", p.DeviceID)
		assert.False(t, p.IsAdmin())
	})

	t.Run("admin role", func(t *testing.T) {
		p, err := r.Resolve(admin, "")
		require.NoError(t, err)
		assert.True(t, p.IsAdmin())
		assert.Empty(t, p.DeviceID)
	})

	t.Run("device only", func(t *testing.T) {
		p, err := r.Resolve("", "dev_1")
		require.NoError(t, err)
		assert.Equal(t, domain.AnonymousDevice("dev_1"), p.Identity)
	})

	t.Run("bad token falls back to device", func(t *testing.T) {
		for _, tok := range []string{expired, notUUID, "garbage"} {
			p, err := r.Resolve(tok, "dev_1")
			require.NoError(t, err)
			assert.Equal(t, domain.AnonymousDevice("dev_1"), p.Identity)
		}
	})

	t.Run("bad token without device", func(t *testing.T) {
		_, err := r.Resolve(expired, "")
		assert.ErrorIs(t, err, security.ErrTokenExpired)

		_, err = r.Resolve(notUUID, "")
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("no identity", func(t *testing.T) {
		_, err := r.Resolve("", "  ")
		assert.ErrorIs(t, err, domain.ErrNoIdentity)
	})

	t.Run("malformed device id", func(t *testing.T) {
		_, err := r.Resolve("", "bad id;")
		assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
	})
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", security.BearerToken("Bearer abc"))
	assert.Equal(t, "abc", security.BearerToken("bearer  abc "))
	assert.Empty(t, security.BearerToken("Basic abc"))
	assert.Empty(t, security.BearerToken("abc"))
	assert.Empty(t, security.BearerToken(""))
}
