// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger stores the append-only sequence of committed blocks,
// indexed by height and by the laws each block touched.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/utils/compression"
)

const maxCompressedBlockSize = 8 * 1024 * 1024

var (
	blockPrefix     = []byte("bk:")
	lawIndexPrefix  = []byte("bl:")
	lastAcceptedKey = []byte("lastAccepted")

	ErrBlockNotFound    = errors.New("block not found")
	ErrNonContiguous    = errors.New("block height is not contiguous")
	ErrParentMismatch   = errors.New("block parent does not match ledger tip")
	ErrEmptyLedger      = errors.New("ledger is empty")
	ErrReplayOutOfRange = errors.New("replay start past ledger tip")
)

type heightEntry struct {
	height  uint64
	blockID ids.ID
}

// Ledger is the append-only committed-block store. Heights increase by
// exactly 1; there is no reorganization path.
type Ledger struct {
	mu         sync.RWMutex
	db         database.Database
	compressor compression.Compressor

	// index orders committed heights for range scans.
	index *btree.BTreeG[heightEntry]

	tipHeight uint64
	tipID     ids.ID
	empty     bool
}

// New opens the ledger over db, rebuilding the in-memory height index from
// the stored blocks.
func New(db database.Database) (*Ledger, error) {
	compressor, err := compression.NewZstdCompressor(maxCompressedBlockSize)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		db:         db,
		compressor: compressor,
		index: btree.NewG(2, func(a, b heightEntry) bool {
			return a.height < b.height
		}),
		empty: true,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	tipBytes, err := l.db.Get(lastAcceptedKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	tipHeight := binary.BigEndian.Uint64(tipBytes)

	iter := l.db.NewIteratorWithPrefix(blockPrefix)
	defer iter.Release()
	for iter.Next() {
		block, err := l.decode(iter.Value())
		if err != nil {
			return err
		}
		l.index.ReplaceOrInsert(heightEntry{
			height:  block.Height(),
			blockID: block.ID(),
		})
		if block.Height() == tipHeight {
			l.tipID = block.ID()
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	l.tipHeight = tipHeight
	l.empty = false
	return nil
}

// Append commits the next block. The height must be exactly tip+1 and the
// parent hash must match the tip; a violation means the caller is trying to
// fork, which the ledger refuses.
func (l *Ledger) Append(block *consensus.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.empty {
		if block.Height() != l.tipHeight+1 {
			return fmt.Errorf("%w: got %d, tip %d", ErrNonContiguous, block.Height(), l.tipHeight)
		}
		if block.ParentID != l.tipID {
			return fmt.Errorf("%w: got %s, tip %s", ErrParentMismatch, block.ParentID, l.tipID)
		}
	}

	compressed, err := l.compressor.Compress(block.Bytes())
	if err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}
	if err := l.db.Put(blockKey(block.Height()), compressed); err != nil {
		return err
	}

	// Index which height last touched each law, for replay and debugging.
	for _, delta := range block.LawDeltas {
		if err := l.db.Put(lawIndexKey(delta.LawID), heightBytes(block.Height())); err != nil {
			return err
		}
	}

	if err := l.db.Put(lastAcceptedKey, heightBytes(block.Height())); err != nil {
		return err
	}

	l.index.ReplaceOrInsert(heightEntry{
		height:  block.Height(),
		blockID: block.ID(),
	})
	l.tipHeight = block.Height()
	l.tipID = block.ID()
	l.empty = false
	return nil
}

// GetBlock retrieves the committed block at the height.
func (l *Ledger) GetBlock(height uint64) (*consensus.Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getBlock(height)
}

func (l *Ledger) getBlock(height uint64) (*consensus.Block, error) {
	compressed, err := l.db.Get(blockKey(height))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
		}
		return nil, err
	}
	return l.decode(compressed)
}

func (l *Ledger) decode(compressed []byte) (*consensus.Block, error) {
	blockBytes, err := l.compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block: %w", err)
	}
	return consensus.ParseBlock(blockBytes)
}

// LastAccepted returns the tip height and block ID.
func (l *Ledger) LastAccepted() (uint64, ids.ID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.empty {
		return 0, ids.Empty, ErrEmptyLedger
	}
	return l.tipHeight, l.tipID, nil
}

// Height returns the tip height, 0 for an empty ledger.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tipHeight
}

// LastModified returns the height of the last committed block carrying a
// delta for the law.
func (l *Ledger) LastModified(lawID ids.ID) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	heightBytes, err := l.db.Get(lawIndexKey(lawID))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, fmt.Errorf("%w: no block modified law %s", ErrBlockNotFound, lawID)
		}
		return 0, err
	}
	return binary.BigEndian.Uint64(heightBytes), nil
}

// Replay streams committed blocks from the given height to the tip in
// order. The callback returning an error stops the replay. This is how a
// lagging node re-syncs instead of forking.
func (l *Ledger) Replay(from uint64, fn func(*consensus.Block) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.empty {
		return nil
	}
	if from > l.tipHeight {
		return fmt.Errorf("%w: from %d, tip %d", ErrReplayOutOfRange, from, l.tipHeight)
	}

	var replayErr error
	l.index.AscendGreaterOrEqual(heightEntry{height: from}, func(entry heightEntry) bool {
		block, err := l.getBlock(entry.height)
		if err != nil {
			replayErr = err
			return false
		}
		if err := fn(block); err != nil {
			replayErr = err
			return false
		}
		return true
	})
	return replayErr
}

func blockKey(height uint64) []byte {
	return append(append([]byte{}, blockPrefix...), heightBytes(height)...)
}

func lawIndexKey(lawID ids.ID) []byte {
	return append(append([]byte{}, lawIndexPrefix...), lawID[:]...)
}

func heightBytes(height uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, height)
	return out
}
