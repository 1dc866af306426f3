// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package message defines the fixed wire kinds exchanged over gossip:
// rule commits, votes, and block proposals. Payloads are a tagged union;
// unknown or malformed payloads are rejected at parse.
package message

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")

	_ Message = (*RuleCommit)(nil)
	_ Message = (*Vote)(nil)
	_ Message = (*BlockProposal)(nil)
)

// Message is a parsed wire payload.
type Message interface {
	// Bytes returns the binary representation of this message.
	Bytes() []byte

	initialize([]byte)
}

type message []byte

func (m *message) Bytes() []byte {
	return *m
}

func (m *message) initialize(bytes []byte) {
	*m = bytes
}

// RuleCommit carries one agent's rule commitment. Confidence travels in
// parts per million.
type RuleCommit struct {
	message

	RuleHash         ids.ID     `serialize:"true"`
	LogicSignature   string     `serialize:"true"`
	ContextSignature string     `serialize:"true"`
	Agent            ids.NodeID `serialize:"true"`
	Timestamp        int64      `serialize:"true"`
	Confidence       uint32     `serialize:"true"`
	EvidenceCount    uint32     `serialize:"true"`
	SourceIDs        []string   `serialize:"true"`
}

// Vote carries one consensus vote. An empty BlockID is a nil vote.
type Vote struct {
	message

	NodeID  ids.NodeID `serialize:"true"`
	BlockID ids.ID     `serialize:"true"`
	Phase   uint8      `serialize:"true"`
	Height  uint64     `serialize:"true"`
	Round   uint32     `serialize:"true"`
}

// BlockProposal carries a candidate block's serialized bytes.
type BlockProposal struct {
	message

	Block []byte `serialize:"true"`
}

// Parse decodes a wire payload into its message kind.
func Parse(bytes []byte) (Message, error) {
	var msg Message
	version, err := Codec.Unmarshal(bytes, &msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, err)
	}
	if version != codecVersion {
		return nil, fmt.Errorf("%w: invalid codec version %d", ErrUnknownMessage, version)
	}
	msg.initialize(bytes)
	return msg, nil
}

// Build encodes a message for the wire.
func Build(msg Message) ([]byte, error) {
	bytes, err := Codec.Marshal(codecVersion, &msg)
	if err != nil {
		return nil, err
	}
	msg.initialize(bytes)
	return bytes, nil
}
