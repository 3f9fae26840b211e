package chainsync

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// SortCheckpoints orders the checkpoint list ascending by height. The sort
// is stable, so equal-height entries keep their configured order.
func SortCheckpoints(list []chaincfg.Checkpoint) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Height < list[j].Height
	})
}

// ValidateCheckpoint returns true iff either no checkpoint exists at exactly
// the given height, or the checkpoint at that height matches the hash.
// Checkpoints at other heights impose no constraint on the call.
func ValidateCheckpoint(hash chainhash.Hash, height uint32,
	list []chaincfg.Checkpoint) bool {

	for _, checkpoint := range list {
		if uint32(checkpoint.Height) == height {
			return *checkpoint.Hash == hash
		}
	}

	return true
}

// LastCheckpoint returns the highest-height checkpoint of a sorted list, or
// nil when the list is empty.
func LastCheckpoint(list []chaincfg.Checkpoint) *chaincfg.Checkpoint {
	if len(list) == 0 {
		return nil
	}
	return &list[len(list)-1]
}
