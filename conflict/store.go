// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
)

var (
	// Database prefixes for resolution records and their law index
	resolutionPrefix = []byte("cr:")
	lawIndexPrefix   = []byte("cx:")

	ErrResolutionNotFound = errors.New("resolution not found")
	errNilResolution      = errors.New("nil resolution")
)

// Store archives conflict resolutions. Records are immutable: a re-opened
// conflict writes a new record pointing at the prior one, never an update.
type Store struct {
	mu sync.RWMutex
	db database.Database
}

// NewStore returns a resolution store over db.
func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

// PutResolution writes the resolution record and indexes it under every
// conflicting law. Writing an existing ID is a no-op since records with the
// same ID have the same content.
func (s *Store) PutResolution(res *Resolution) error {
	if res == nil {
		return errNilResolution
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal resolution: %w", err)
	}
	if err := s.db.Put(resolutionKey(res.ResolutionID), data); err != nil {
		return err
	}
	for _, lawID := range res.ConflictingLaws {
		if err := s.db.Put(lawIndexKey(lawID, res.ResolutionID), nil); err != nil {
			return err
		}
	}
	return nil
}

// GetResolution retrieves a resolution by ID.
func (s *Store) GetResolution(id ids.ID) (*Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getResolution(id)
}

func (s *Store) getResolution(id ids.ID) (*Resolution, error) {
	data, err := s.db.Get(resolutionKey(id))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrResolutionNotFound, id)
		}
		return nil, err
	}
	res := &Resolution{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resolution: %w", err)
	}
	return res, nil
}

// ByLaw returns every resolution that involved the law, oldest record first
// by resolution ID order.
func (s *Store) ByLaw(lawID ids.ID) ([]*Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := append(append([]byte{}, lawIndexPrefix...), lawID[:]...)
	iter := s.db.NewIteratorWithPrefix(prefix)
	defer iter.Release()

	var out []*Resolution
	for iter.Next() {
		key := iter.Key()
		if len(key) < ids.IDLen {
			continue
		}
		var resID ids.ID
		copy(resID[:], key[len(key)-ids.IDLen:])
		res, err := s.getResolution(resID)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, iter.Error()
}

// History walks the PriorResolution links from the given resolution back to
// the first record, newest first.
func (s *Store) History(id ids.ID) ([]*Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Resolution
	for id != ids.Empty {
		res, err := s.getResolution(id)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
		id = res.PriorResolution
	}
	return out, nil
}

func resolutionKey(id ids.ID) []byte {
	return append(append([]byte{}, resolutionPrefix...), id[:]...)
}

func lawIndexKey(lawID, resID ids.ID) []byte {
	key := append(append([]byte{}, lawIndexPrefix...), lawID[:]...)
	return append(key, resID[:]...)
}
