// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package law

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/cache"
	"github.com/luxfi/database"
	"github.com/luxfi/ids"
)

const lawCacheSize = 2048

var (
	// Database prefixes for law records and their indexes
	lawPrefix      = []byte("law:")
	statusPrefix   = []byte("ls:")
	contextPrefix  = []byte("lc:")
	proposerPrefix = []byte("lp:")
	overridePrefix = []byte("lo:")

	ErrLawNotFound   = errors.New("law not found")
	ErrLawExists     = errors.New("law already exists")
	ErrEmptyLaw      = errors.New("law expression and context are required")
	ErrSelfOverride  = errors.New("law cannot override itself")
	ErrEdgeNotFound  = errors.New("override edge not found")
	errNilLaw        = errors.New("nil law")
	errUnknownStatus = errors.New("unknown status byte in index key")
)

// OverrideEdge records that one law takes precedence over another inside a
// context. Edges are stored in their own keyspace and queried by index; they
// are never embedded in the Law record.
type OverrideEdge struct {
	Winner       ids.ID `json:"winner"`
	Loser        ids.ID `json:"loser"`
	Context      string `json:"context"`
	ResolutionID ids.ID `json:"resolutionId"`
	CreatedAt    int64  `json:"createdAt"`
}

// Store persists laws and their lookup indexes on an abstract ordered
// key-value database. All writes go through the supplied database so a chain
// can stage them on a versiondb and commit an entire block atomically.
type Store struct {
	mu    sync.RWMutex
	db    database.Database
	cache *cache.LRU[ids.ID, *Law]
}

// NewStore returns a law store over db. Existing records are readable
// immediately; nothing is loaded eagerly.
func NewStore(db database.Database) *Store {
	return &Store{
		db:    db,
		cache: &cache.LRU[ids.ID, *Law]{Size: lawCacheSize},
	}
}

// PutLaw writes the law record and maintains every index. Existing records
// are overwritten in place; the caller owns status transitions.
func (s *Store) PutLaw(l *Law) error {
	if l == nil {
		return errNilLaw
	}
	if l.Expression == "" || l.Context == "" {
		return ErrEmptyLaw
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.getLaw(l.ID)
	if err != nil && !errors.Is(err, ErrLawNotFound) {
		return err
	}

	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal law: %w", err)
	}
	if err := s.db.Put(lawKey(l.ID), data); err != nil {
		return err
	}

	// Status index entries are single-valued per law; drop the stale one
	// before writing the current one. Context and proposer never change for
	// an existing ID except via ContextSplit, which also rewrites the index.
	if prev != nil && prev.Status != l.Status {
		if err := s.db.Delete(statusKey(prev.Status, l.ID)); err != nil {
			return err
		}
	}
	if prev != nil && prev.Context != l.Context {
		if err := s.db.Delete(contextKey(prev.Context, l.ID)); err != nil {
			return err
		}
	}
	if err := s.db.Put(statusKey(l.Status, l.ID), nil); err != nil {
		return err
	}
	if err := s.db.Put(contextKey(l.Context, l.ID), nil); err != nil {
		return err
	}
	if err := s.db.Put(proposerKey(l.Proposer, l.ID), nil); err != nil {
		return err
	}

	s.cache.Put(l.ID, l)
	return nil
}

// GetLaw retrieves a law by ID. Records are never deleted, so any ID ever
// committed stays retrievable regardless of status.
func (s *Store) GetLaw(id ids.ID) (*Law, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLaw(id)
}

func (s *Store) getLaw(id ids.ID) (*Law, error) {
	if l, ok := s.cache.Get(id); ok {
		return l, nil
	}
	data, err := s.db.Get(lawKey(id))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrLawNotFound
		}
		return nil, err
	}
	l := &Law{}
	if err := json.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal law: %w", err)
	}
	s.cache.Put(id, l)
	return l, nil
}

// HasLaw reports whether the ID exists without decoding the record.
func (s *Store) HasLaw(id ids.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.cache.Get(id); ok {
		return true, nil
	}
	return s.db.Has(lawKey(id))
}

// ListByStatus returns every law currently in the given status.
func (s *Store) ListByStatus(status Status) ([]*Law, error) {
	return s.listIndex(append(statusPrefix, byte(status)))
}

// ListByContext returns every law whose context signature matches exactly.
// Overlap detection across different signatures is the conflict resolver's
// job, not an index property.
func (s *Store) ListByContext(context string) ([]*Law, error) {
	prefix := append([]byte{}, contextPrefix...)
	prefix = append(prefix, context...)
	prefix = append(prefix, 0x00)
	return s.listIndex(prefix)
}

// ListByProposer returns every law proposed by the node.
func (s *Store) ListByProposer(proposer ids.NodeID) ([]*Law, error) {
	prefix := append([]byte{}, proposerPrefix...)
	prefix = append(prefix, proposer.Bytes()...)
	return s.listIndex(prefix)
}

// ActiveLaws returns the laws the conflict resolver scans.
func (s *Store) ActiveLaws() ([]*Law, error) {
	return s.ListByStatus(StatusActive)
}

func (s *Store) listIndex(prefix []byte) ([]*Law, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iter := s.db.NewIteratorWithPrefix(prefix)
	defer iter.Release()

	var laws []*Law
	for iter.Next() {
		key := iter.Key()
		if len(key) < ids.IDLen {
			return nil, errUnknownStatus
		}
		var id ids.ID
		copy(id[:], key[len(key)-ids.IDLen:])
		l, err := s.getLaw(id)
		if err != nil {
			return nil, err
		}
		laws = append(laws, l)
	}
	return laws, iter.Error()
}

// PutOverride records a precedence edge produced by conflict resolution.
func (s *Store) PutOverride(edge *OverrideEdge) error {
	if edge.Winner == edge.Loser {
		return ErrSelfOverride
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("failed to marshal override edge: %w", err)
	}
	return s.db.Put(overrideKey(edge.Winner, edge.Loser), data)
}

// GetOverride retrieves the edge winner -> loser, if recorded.
func (s *Store) GetOverride(winner, loser ids.ID) (*OverrideEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.db.Get(overrideKey(winner, loser))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrEdgeNotFound
		}
		return nil, err
	}
	edge := &OverrideEdge{}
	if err := json.Unmarshal(data, edge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal override edge: %w", err)
	}
	return edge, nil
}

// Overrides returns every edge where the law is the winner.
func (s *Store) Overrides(winner ids.ID) ([]*OverrideEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := append([]byte{}, overridePrefix...)
	prefix = append(prefix, winner[:]...)
	iter := s.db.NewIteratorWithPrefix(prefix)
	defer iter.Release()

	var edges []*OverrideEdge
	for iter.Next() {
		edge := &OverrideEdge{}
		if err := json.Unmarshal(iter.Value(), edge); err != nil {
			return nil, fmt.Errorf("failed to unmarshal override edge: %w", err)
		}
		edges = append(edges, edge)
	}
	return edges, iter.Error()
}

// DecayScan applies epochs of decay to every Active and Conflicted law whose
// last update predates the epoch boundary, deprecating those that cross the
// floor. It returns the IDs deprecated by this scan.
func (s *Store) DecayScan(rate, floor float64, epochs uint64, now time.Time) ([]ids.ID, error) {
	if epochs == 0 {
		return nil, nil
	}
	var deprecated []ids.ID
	for _, status := range []Status{StatusActive, StatusConflicted} {
		laws, err := s.ListByStatus(status)
		if err != nil {
			return nil, err
		}
		for _, l := range laws {
			crossed, err := l.ApplyDecay(rate, floor, epochs, now)
			if err != nil {
				return nil, err
			}
			if err := s.PutLaw(l); err != nil {
				return nil, err
			}
			if crossed {
				deprecated = append(deprecated, l.ID)
			}
		}
	}
	return deprecated, nil
}

func lawKey(id ids.ID) []byte {
	return append(append([]byte{}, lawPrefix...), id[:]...)
}

func statusKey(status Status, id ids.ID) []byte {
	key := append(append([]byte{}, statusPrefix...), byte(status))
	return append(key, id[:]...)
}

func contextKey(context string, id ids.ID) []byte {
	key := append(append([]byte{}, contextPrefix...), context...)
	key = append(key, 0x00)
	return append(key, id[:]...)
}

func proposerKey(proposer ids.NodeID, id ids.ID) []byte {
	key := append(append([]byte{}, proposerPrefix...), proposer.Bytes()...)
	return append(key, id[:]...)
}

func overrideKey(winner, loser ids.ID) []byte {
	key := append(append([]byte{}, overridePrefix...), winner[:]...)
	return append(key, loser[:]...)
}
