// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package genesis builds serialized genesis state from a JSON description.
package genesis

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luxfi/ids"

	"github.com/luxfi/cognition/chain"
	"github.com/luxfi/cognition/consensus"
	"github.com/luxfi/cognition/law"
	"github.com/luxfi/cognition/validator"
)

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "genesis",
		Short: "Builds a serialized genesis state",
		RunE:  genesisFunc,
	}
	AddFlags(c.Flags())
	return c
}

// document is the operator-facing JSON shape of a genesis state. Confidences
// are given in [0,1] and scaled to wire form during conversion.
type document struct {
	Timestamp  int64               `json:"timestamp"`
	Validators []documentValidator `json:"validators"`
	Laws       []documentLaw       `json:"laws"`
}

type documentValidator struct {
	NodeID string `json:"nodeID"`
	Role   string `json:"role"`
	Stake  uint64 `json:"stake"`
}

type documentLaw struct {
	Type       string  `json:"type"`
	Expression string  `json:"expression"`
	Context    string  `json:"context"`
	Confidence float64 `json:"confidence"`
}

func genesisFunc(c *cobra.Command, args []string) error {
	config, err := ParseFlags(c.Flags(), args)
	if err != nil {
		return err
	}

	docBytes, err := os.ReadFile(config.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to read genesis description: %w", err)
	}

	doc := document{}
	if err := json.Unmarshal(docBytes, &doc); err != nil {
		return fmt.Errorf("failed to parse genesis description: %w", err)
	}

	g, err := doc.genesis()
	if err != nil {
		return err
	}

	genesisBytes, err := chain.BuildGenesis(g)
	if err != nil {
		return err
	}

	if err := os.WriteFile(config.OutputPath, genesisBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write genesis: %w", err)
	}

	fmt.Printf("wrote genesis with %d validators and %d laws to %s\n",
		len(g.Validators),
		len(g.Laws),
		config.OutputPath,
	)
	return nil
}

func (d *document) genesis() (*chain.Genesis, error) {
	g := &chain.Genesis{
		Timestamp: d.Timestamp,
	}
	for i, v := range d.Validators {
		nodeID, err := ids.NodeIDFromString(v.NodeID)
		if err != nil {
			return nil, fmt.Errorf("invalid node ID for validator %d: %w", i, err)
		}
		role, err := parseRole(v.Role)
		if err != nil {
			return nil, fmt.Errorf("invalid role for validator %d: %w", i, err)
		}
		g.Validators = append(g.Validators, chain.GenesisValidator{
			NodeID: nodeID,
			Role:   role,
			Stake:  v.Stake,
		})
	}
	for i, l := range d.Laws {
		lawType, err := parseType(l.Type)
		if err != nil {
			return nil, fmt.Errorf("invalid type for law %d: %w", i, err)
		}
		if l.Confidence < 0 || l.Confidence > 1 {
			return nil, fmt.Errorf("confidence for law %d must be in [0,1]", i)
		}
		g.Laws = append(g.Laws, chain.GenesisLaw{
			Type:       lawType,
			Expression: l.Expression,
			Context:    l.Context,
			Confidence: consensus.ScaleConfidence(l.Confidence),
		})
	}
	return g, nil
}

func parseRole(s string) (validator.Role, error) {
	for _, role := range []validator.Role{
		validator.RoleMiner,
		validator.RoleValidator,
		validator.RoleResolver,
		validator.RoleWatchdog,
	} {
		if role.String() == s {
			return role, nil
		}
	}
	return 0, fmt.Errorf("unknown validator role %q", s)
}

func parseType(s string) (law.Type, error) {
	for _, lawType := range []law.Type{
		law.TypeDiscovered,
		law.TypeGoverned,
		law.TypeMetaRule,
	} {
		if lawType.String() == s {
			return lawType, nil
		}
	}
	return 0, fmt.Errorf("unknown law type %q", s)
}
