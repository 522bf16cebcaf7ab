package security

import (
	"context"
	"testing"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/testutil/testoidc"
	"github.com/stretchr/testify/require"
)

func TestResolve_OIDCClaims(t *testing.T) {
	idp := testoidc.Start(t)
	cfg := config.DefaultConfig()
	cfg.OIDCIssuer = idp.Issuer()
	resolver, err := NewTokenResolver(&cfg)
	require.NoError(t, err)
	ctx := context.Background()

	token, err := idp.IssueToken(map[string]any{"sub": "u-123", "preferred_username": "alice"})
	require.NoError(t, err)
	id, err := resolver.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "alice", id.UserID)

	token, err = idp.IssueToken(map[string]any{"sub": "u-456"})
	require.NoError(t, err)
	id, err = resolver.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "u-456", id.UserID)

	token, err = idp.IssueToken(map[string]any{})
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, token)
	require.ErrorIs(t, err, errMissingIdentity)
}

func TestResolve_OIDCRejectsOtherIssuers(t *testing.T) {
	idp := testoidc.Start(t)
	other := testoidc.Start(t)
	cfg := config.DefaultConfig()
	cfg.OIDCIssuer = idp.Issuer()
	resolver, err := NewTokenResolver(&cfg)
	require.NoError(t, err)

	token, err := other.IssueToken(map[string]any{"sub": "mallory"})
	require.NoError(t, err)
	_, err = resolver.Resolve(context.Background(), token)
	require.ErrorIs(t, err, errInvalidJWT)
}

func TestResolve_OIDCRejectsOpaqueTokens(t *testing.T) {
	idp := testoidc.Start(t)
	cfg := config.DefaultConfig()
	cfg.OIDCIssuer = idp.Issuer()
	resolver, err := NewTokenResolver(&cfg)
	require.NoError(t, err)

	for _, token := range []string{"bob", "a.b", "a.b.c.d"} {
		id, err := resolver.Resolve(context.Background(), token)
		require.ErrorIs(t, err, errNotAJWT, token)
		require.Nil(t, id)
	}
}

func TestNewTokenResolver_FailsWhenDiscoveryFails(t *testing.T) {
	idp := testoidc.Start(t)
	cfg := config.DefaultConfig()
	cfg.OIDCIssuer = idp.Issuer() + "/unknown-realm"
	resolver, err := NewTokenResolver(&cfg)
	require.Error(t, err)
	require.Nil(t, resolver)
}
