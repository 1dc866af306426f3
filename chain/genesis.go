// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/codec"
	"github.com/luxfi/codec/linearcodec"
	"github.com/luxfi/constants"
	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/validator"
)

const genesisCodecVersion = 0

var (
	genesisCodec codec.Manager

	ErrEmptyGenesis = errors.New("genesis defines no validators")
)

func init() {
	c := linearcodec.NewDefault()
	genesisCodec = codec.NewManager(256 * constants.KiB)
	if err := genesisCodec.RegisterCodec(genesisCodecVersion, c); err != nil {
		panic(err)
	}
}

// Genesis is the bootstrap state: the initial validator set and any seed
// laws, applied once to a fresh database before consensus starts.
type Genesis struct {
	Timestamp  int64              `serialize:"true"`
	Validators []GenesisValidator `serialize:"true"`
	Laws       []GenesisLaw       `serialize:"true"`
}

// GenesisValidator is registered and activated immediately.
type GenesisValidator struct {
	NodeID ids.NodeID     `serialize:"true"`
	Role   validator.Role `serialize:"true"`
	Stake  uint64         `serialize:"true"`
}

// GenesisLaw seeds an active law, typically a constitutional meta-rule.
// Confidence travels in parts per million.
type GenesisLaw struct {
	Type       law.Type `serialize:"true"`
	Expression string   `serialize:"true"`
	Context    string   `serialize:"true"`
	Confidence uint32   `serialize:"true"`
}

// BuildGenesis serializes the genesis state.
func BuildGenesis(g *Genesis) ([]byte, error) {
	if len(g.Validators) == 0 {
		return nil, ErrEmptyGenesis
	}
	return genesisCodec.Marshal(genesisCodecVersion, g)
}

// ParseGenesis decodes serialized genesis state.
func ParseGenesis(genesisBytes []byte) (*Genesis, error) {
	g := &Genesis{}
	if _, err := genesisCodec.Unmarshal(genesisBytes, g); err != nil {
		return nil, fmt.Errorf("failed to parse genesis: %w", err)
	}
	if len(g.Validators) == 0 {
		return nil, ErrEmptyGenesis
	}
	return g, nil
}

// initGenesis applies the genesis state to a fresh database. A database that
// already holds validators is left untouched, so restarts are safe.
func (c *Chain) initGenesis(genesisBytes []byte) error {
	g, err := ParseGenesis(genesisBytes)
	if err != nil {
		return err
	}

	active, err := c.vals.ActiveSet()
	if err != nil {
		return err
	}
	if len(active) > 0 || c.blocks.Height() > 0 {
		return nil
	}

	now := time.Unix(g.Timestamp, 0)
	for _, gv := range g.Validators {
		if _, err := c.vals.Register(gv.NodeID, gv.Role, gv.Stake, now); err != nil {
			return fmt.Errorf("genesis validator %s: %w", gv.NodeID, err)
		}
		if err := c.vals.Activate(gv.NodeID); err != nil {
			return fmt.Errorf("genesis validator %s: %w", gv.NodeID, err)
		}
	}

	for _, gl := range g.Laws {
		seeded := law.New(gl.Type, gl.Expression, gl.Context, ids.EmptyNodeID, now)
		seeded.Status = law.StatusActive
		seeded.Confidence = consensus.UnscaleConfidence(gl.Confidence)
		if err := c.laws.PutLaw(seeded); err != nil {
			return fmt.Errorf("genesis law %q: %w", gl.Expression, err)
		}
	}

	if err := c.baseDB.Commit(); err != nil {
		return fmt.Errorf("failed to persist genesis: %w", err)
	}
	c.log.Info("applied genesis state",
		"validators", len(g.Validators),
		"laws", len(g.Laws),
	)
	return nil
}
