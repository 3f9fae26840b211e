package chainsync

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HashList is the ordered chain of block-header hashes accumulated during
// header sync. The element at index i corresponds to height firstHeight+i,
// where firstHeight is the height of the trusted seed at index 0. The list
// is never empty.
//
// The list is not internally synchronized. During header sync it is owned
// exclusively by the protocol attached to the active channel; the session
// layer runs those serially. Once header sync completes the list is frozen
// and may be shared read-only across block-sync protocols.
type HashList struct {
	hashes []chainhash.Hash
}

// NewHashList creates a hash list seeded with the trusted starting hash,
// typically the genesis hash or the tip of the already-stored chain.
func NewHashList(seed chainhash.Hash) *HashList {
	return &HashList{hashes: []chainhash.Hash{seed}}
}

// Len returns the number of hashes in the list.
func (l *HashList) Len() int {
	return len(l.hashes)
}

// Back returns the last hash in the list.
func (l *HashList) Back() chainhash.Hash {
	return l.hashes[len(l.hashes)-1]
}

// Hash returns the hash at the given index.
func (l *HashList) Hash(i int) chainhash.Hash {
	return l.hashes[i]
}

// Append adds a hash to the end of the list.
func (l *HashList) Append(hash chainhash.Hash) {
	l.hashes = append(l.hashes, hash)
}

// IndexOf returns the index of the given hash, or -1 if it is not present.
func (l *HashList) IndexOf(hash chainhash.Hash) int {
	for i, h := range l.hashes {
		if h == hash {
			return i
		}
	}
	return -1
}

// TruncateAfter drops every element past index i, keeping [0, i].
func (l *HashList) TruncateAfter(i int) {
	l.hashes = l.hashes[:i+1]
}

// ResetToSeed drops everything but the trusted seed.
func (l *HashList) ResetToSeed() {
	l.hashes = l.hashes[:1]
}
