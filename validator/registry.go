// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
	safemath "github.com/luxfi/math"

	"github.com/luxfi/cognition/config"
)

var (
	validatorPrefix = []byte("vd:")

	ErrInsufficientStake    = errors.New("stake below role minimum")
	ErrValidatorNotFound    = errors.New("validator not found")
	ErrAlreadyRegistered    = errors.New("validator already registered")
	ErrNoActiveValidators   = errors.New("no active validators")
	ErrValidatorDeactivated = errors.New("validator deactivated")
)

// Registry persists validators and derives the active set, total voting
// power, and the proposer rotation. Mutations are pure state transitions;
// activation and deactivation take effect through committed blocks.
type Registry struct {
	mu     sync.RWMutex
	db     database.Database
	params config.ValidatorParams

	// active caches the sorted active set; invalidated on any mutation.
	active []*Validator
}

// NewRegistry returns a registry over db.
func NewRegistry(db database.Database, params config.ValidatorParams) *Registry {
	return &Registry{
		db:     db,
		params: params,
	}
}

// Register creates an inactive validator pending activation through a
// committed block's validator deltas.
func (r *Registry) Register(nodeID ids.NodeID, role Role, stake uint64, now time.Time) (*Validator, error) {
	if min := role.MinStake(r.params); stake < min {
		return nil, fmt.Errorf("%w: role %s requires %d, got %d", ErrInsufficientStake, role, min, stake)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.get(nodeID); err == nil {
		return nil, ErrAlreadyRegistered
	} else if !errors.Is(err, ErrValidatorNotFound) {
		return nil, err
	}

	v := &Validator{
		NodeID:     nodeID,
		Role:       role,
		Stake:      stake,
		Active:     false,
		Uptime:     1,
		LastActive: now.Unix(),
		CreatedAt:  now.Unix(),
	}
	return v, r.put(v)
}

// Activate marks the validator active. Called when its registration delta
// appears in a committed block.
func (r *Registry) Activate(nodeID ids.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.get(nodeID)
	if err != nil {
		return err
	}
	v.Active = true
	return r.put(v)
}

// Deactivate removes the validator from the active set without deleting the
// record.
func (r *Registry) Deactivate(nodeID ids.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.get(nodeID)
	if err != nil {
		return err
	}
	v.Active = false
	return r.put(v)
}

// Get retrieves a validator record.
func (r *Registry) Get(nodeID ids.NodeID) (*Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(nodeID)
}

// SetRole replaces the validator's role. The new role's stake minimum must
// already be met.
func (r *Registry) SetRole(nodeID ids.NodeID, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.get(nodeID)
	if err != nil {
		return err
	}
	if min := role.MinStake(r.params); v.Stake < min {
		return fmt.Errorf("%w: role %s requires %d, have %d", ErrInsufficientStake, role, min, v.Stake)
	}
	v.Role = role
	return r.put(v)
}

// RecordActivity folds one participation observation into the smoothed
// uptime. Dropping below the floor deactivates the validator; the returned
// flag reports that this call crossed the floor so the caller can queue a
// deactivation delta for the next block.
func (r *Registry) RecordActivity(nodeID ids.NodeID, participated bool, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.get(nodeID)
	if err != nil {
		return false, err
	}

	observed := 0.0
	if participated {
		observed = 1
		v.LastActive = now.Unix()
	}
	v.Uptime = (1-r.params.UptimeSmoothing)*v.Uptime + r.params.UptimeSmoothing*observed

	crossed := v.Active && v.Uptime < r.params.UptimeFloor
	if crossed {
		v.Active = false
	}
	return crossed, r.put(v)
}

// Slash burns a fraction of the validator's stake and records the offense.
// Reaching the offense maximum deactivates the validator. Evidence is the
// watchdog's reason string, logged by the caller.
func (r *Registry) Slash(nodeID ids.NodeID, fraction float64) (*Validator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.get(nodeID)
	if err != nil {
		return nil, err
	}

	penalty := uint64(float64(v.Stake) * fraction)
	v.Stake -= penalty
	v.Offenses++
	if v.Offenses >= r.params.MaxOffenses {
		v.Active = false
	}
	// Slashed below the role minimum also leaves the active set.
	if v.Stake < v.Role.MinStake(r.params) {
		v.Active = false
	}
	return v, r.put(v)
}

// ActiveSet returns the active validators sorted by NodeID bytes. The order
// is the proposer rotation order.
func (r *Registry) ActiveSet() ([]*Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeSet()
}

func (r *Registry) activeSet() ([]*Validator, error) {
	if r.active != nil {
		return r.active, nil
	}

	iter := r.db.NewIteratorWithPrefix(validatorPrefix)
	defer iter.Release()

	var active []*Validator
	for iter.Next() {
		v := &Validator{}
		if err := json.Unmarshal(iter.Value(), v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validator: %w", err)
		}
		if v.Active {
			active = append(active, v)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(active, func(i, j int) bool {
		return bytes.Compare(active[i].NodeID.Bytes(), active[j].NodeID.Bytes()) < 0
	})
	r.active = active
	return active, nil
}

// TotalPower sums active voting power with overflow checking.
func (r *Registry) TotalPower() (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active, err := r.activeSet()
	if err != nil {
		return 0, err
	}
	total := uint64(0)
	for _, v := range active {
		total, err = safemath.Add64(total, v.Power())
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Power returns the node's active voting power, 0 if inactive or unknown.
func (r *Registry) Power(nodeID ids.NodeID) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, err := r.get(nodeID)
	if err != nil || !v.Active {
		return 0
	}
	return v.Power()
}

// ProposerScore is the node's reliability term for dominance comparisons:
// smoothed uptime for active validators, 0 for inactive or unknown nodes.
func (r *Registry) ProposerScore(nodeID ids.NodeID) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, err := r.get(nodeID)
	if err != nil || !v.Active {
		return 0
	}
	return v.Uptime
}

// ProposerForRound selects the proposer for (height, round) by round-robin
// over the active set ordered by NodeID. Every node computes the same answer
// without communication, and a restart does not change it.
func (r *Registry) ProposerForRound(height uint64, round uint32) (ids.NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active, err := r.activeSet()
	if err != nil {
		return ids.EmptyNodeID, err
	}
	if len(active) == 0 {
		return ids.EmptyNodeID, ErrNoActiveValidators
	}
	index := (height + uint64(round)) % uint64(len(active))
	return active[index].NodeID, nil
}

func (r *Registry) get(nodeID ids.NodeID) (*Validator, error) {
	data, err := r.db.Get(validatorKey(nodeID))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrValidatorNotFound
		}
		return nil, err
	}
	v := &Validator{}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal validator: %w", err)
	}
	return v, nil
}

func (r *Registry) put(v *Validator) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal validator: %w", err)
	}
	if err := r.db.Put(validatorKey(v.NodeID), data); err != nil {
		return err
	}
	r.active = nil
	return nil
}

func validatorKey(nodeID ids.NodeID) []byte {
	return append(append([]byte{}, validatorPrefix...), nodeID.Bytes()...)
}
