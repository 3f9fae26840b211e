package blockdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.etcd.io/bbolt"
)

var (
	// blocksBucket maps block hash to serialized block.
	blocksBucket = []byte("blocks")

	// heightsBucket maps big-endian height to block hash.
	heightsBucket = []byte("heights")

	// chainBucket holds chain metadata.
	chainBucket = []byte("chain")

	// tipKey is the chainBucket key for the highest stored height and
	// its hash.
	tipKey = []byte("tip")
)

var (
	// ErrBlockNotFound is returned when a requested block is not stored.
	ErrBlockNotFound = errors.New("block not found")
)

// DB is a bbolt-backed block store. Writes are idempotent since quorum sync
// delivers each block from multiple peers.
type DB struct {
	db *bbolt.DB
}

// Open opens or creates the block database at the given path.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open block db %v: %w", path,
			err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{
			blocksBucket, heightsBucket, chainBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to init block db: %w", err)
	}

	log.Infof("Block database opened at %v", path)

	return &DB{db: db}, nil
}

// Close releases the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// StoreBlock commits the block at the given height. Re-storing an already
// known block is a no-op.
func (d *DB) StoreBlock(height uint32, block *btcutil.Block) error {
	raw, err := block.Bytes()
	if err != nil {
		return fmt.Errorf("unable to serialize block %v: %w",
			block.Hash(), err)
	}

	return d.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(blocksBucket)
		heights := tx.Bucket(heightsBucket)
		chain := tx.Bucket(chainBucket)

		hash := block.Hash()
		if blocks.Get(hash[:]) == nil {
			if err := blocks.Put(hash[:], raw); err != nil {
				return err
			}
		}

		var heightKey [4]byte
		binary.BigEndian.PutUint32(heightKey[:], height)
		if err := heights.Put(heightKey[:], hash[:]); err != nil {
			return err
		}

		// Advance the tip only for new best heights.
		tip := chain.Get(tipKey)
		if tip == nil || binary.BigEndian.Uint32(tip[:4]) < height {
			var value [4 + chainhash.HashSize]byte
			copy(value[:4], heightKey[:])
			copy(value[4:], hash[:])
			return chain.Put(tipKey, value[:])
		}

		return nil
	})
}

// Tip returns the highest stored height and its hash. The hash is nil when
// the store is empty.
func (d *DB) Tip() (uint32, *chainhash.Hash, error) {
	var (
		height uint32
		hash   *chainhash.Hash
	)

	err := d.db.View(func(tx *bbolt.Tx) error {
		tip := tx.Bucket(chainBucket).Get(tipKey)
		if tip == nil {
			return nil
		}
		if len(tip) != 4+chainhash.HashSize {
			return fmt.Errorf("corrupt tip record of %d bytes",
				len(tip))
		}

		height = binary.BigEndian.Uint32(tip[:4])

		var h chainhash.Hash
		copy(h[:], tip[4:])
		hash = &h

		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	return height, hash, nil
}

// FetchBlock returns the stored block with the given hash.
func (d *DB) FetchBlock(hash *chainhash.Hash) (*btcutil.Block, error) {
	var raw []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(blocksBucket).Get(hash[:])
		if value == nil {
			return ErrBlockNotFound
		}
		raw = make([]byte, len(value))
		copy(raw, value)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return btcutil.NewBlockFromBytes(raw)
}

// HasBlock reports whether the block with the given hash is stored.
func (d *DB) HasBlock(hash *chainhash.Hash) (bool, error) {
	var found bool
	err := d.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(blocksBucket).Get(hash[:]) != nil
		return nil
	})

	return found, err
}

// HashAtHeight returns the stored block hash at the given height.
func (d *DB) HashAtHeight(height uint32) (*chainhash.Hash, error) {
	var heightKey [4]byte
	binary.BigEndian.PutUint32(heightKey[:], height)

	var hash *chainhash.Hash
	err := d.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(heightsBucket).Get(heightKey[:])
		if value == nil {
			return ErrBlockNotFound
		}

		var h chainhash.Hash
		copy(h[:], value)
		hash = &h

		return nil
	})
	if err != nil {
		return nil, err
	}

	return hash, nil
}
