package chainsync

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestHashList(t *testing.T) {
	t.Parallel()

	list := NewHashList(testSeed)
	require.Equal(t, 1, list.Len())
	require.Equal(t, testSeed, list.Back())

	a := chainhash.Hash{0x0a}
	b := chainhash.Hash{0x0b}
	list.Append(a)
	list.Append(b)

	require.Equal(t, 3, list.Len())
	require.Equal(t, b, list.Back())
	require.Equal(t, a, list.Hash(1))

	require.Equal(t, 1, list.IndexOf(a))
	require.Equal(t, -1, list.IndexOf(chainhash.Hash{0x0c}))

	list.TruncateAfter(1)
	require.Equal(t, 2, list.Len())
	require.Equal(t, a, list.Back())

	list.ResetToSeed()
	require.Equal(t, 1, list.Len())
	require.Equal(t, testSeed, list.Back())
}
