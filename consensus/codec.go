// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"errors"

	"github.com/luxfi/codec"
	"github.com/luxfi/codec/linearcodec"
	"github.com/luxfi/constants"
)

const (
	codecVersion = 0

	maxBlockSize = 512 * constants.KiB
)

// Codec serializes blocks and votes. Block hashes are computed over these
// bytes, so the encoding is part of the protocol.
var Codec codec.Manager

func init() {
	Codec = codec.NewManager(maxBlockSize)
	lc := linearcodec.NewDefault()

	err := errors.Join(
		lc.RegisterType(&Block{}),
		lc.RegisterType(&Vote{}),
		Codec.RegisterCodec(codecVersion, lc),
	)
	if err != nil {
		panic(err)
	}
}
