package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memvault/memvault/internal/policy"
)

func TestTokenRoundTrip(t *testing.T) {
	svc, err := NewService([]byte("test-signing-secret"))
	require.NoError(t, err)

	t.Run("end-user principal", func(t *testing.T) {
		in := policy.Principal{Kind: policy.KindEndUser, ID: "0cbbf91d-16a8-544f-9f2f-573a39bef8cd"}
		token, err := svc.Issue(in, time.Minute)
		require.NoError(t, err)

		out, err := svc.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("service principal", func(t *testing.T) {
		in := policy.Principal{Kind: policy.KindService, ID: "core"}
		token, err := svc.Issue(in, time.Minute)
		require.NoError(t, err)

		out, err := svc.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token, err := svc.Issue(policy.Principal{Kind: policy.KindEndUser, ID: "u1"}, -time.Minute)
		require.NoError(t, err)

		_, err = svc.Verify(token)
		assert.Error(t, err)
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		other, err := NewService([]byte("different-secret"))
		require.NoError(t, err)

		token, err := svc.Issue(policy.Principal{Kind: policy.KindEndUser, ID: "u1"}, time.Minute)
		require.NoError(t, err)

		_, err = other.Verify(token)
		assert.Error(t, err)
	})

	t.Run("unknown principal kind is rejected", func(t *testing.T) {
		bogus, err := svc.Issue(policy.Principal{Kind: "superuser", ID: "u1"}, time.Minute)
		require.NoError(t, err)

		_, err = svc.Verify(bogus)
		assert.Error(t, err)
	})

	t.Run("empty secret is rejected at construction", func(t *testing.T) {
		_, err := NewService(nil)
		assert.Error(t, err)
	})
}

func TestIssueWithAccessKey(t *testing.T) {
	svc, err := NewService([]byte("test-signing-secret"))
	require.NoError(t, err)

	hash, err := HashAccessKey("sk-memvault-test-key")
	require.NoError(t, err)

	t.Run("valid key yields a service principal token", func(t *testing.T) {
		token, err := svc.IssueWithAccessKey(hash, "sk-memvault-test-key", "core", time.Minute)
		require.NoError(t, err)

		principal, err := svc.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, policy.Principal{Kind: policy.KindService, ID: "core"}, principal)
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		_, err := svc.IssueWithAccessKey(hash, "sk-memvault-wrong-key", "core", time.Minute)
		assert.Error(t, err)
	})

	t.Run("unconfigured hash is rejected", func(t *testing.T) {
		_, err := svc.IssueWithAccessKey("", "sk-memvault-test-key", "core", time.Minute)
		assert.Error(t, err)
	})
}

func TestAccessKeys(t *testing.T) {
	hash, err := HashAccessKey("sk-memvault-test-key")
	require.NoError(t, err)

	assert.True(t, VerifyAccessKey(hash, "sk-memvault-test-key"))
	assert.False(t, VerifyAccessKey(hash, "sk-memvault-wrong-key"))
	assert.NotEqual(t, "sk-memvault-test-key", hash)
}
