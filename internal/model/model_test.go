package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPairKey_IsOrderIndependent(t *testing.T) {
	require.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
}

func TestPairKey_DoesNotCollideOnSeparator(t *testing.T) {
	require.NotEqual(t, PairKey("a|b", "c"), PairKey("a", "b|c"))
	require.NotEqual(t, PairKey("1:a", "b"), PairKey("1", ":a|b"))
}
