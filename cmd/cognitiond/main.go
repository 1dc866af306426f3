// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luxfi/cognition/cmd/cognitiond/genesis"
	"github.com/luxfi/cognition/cmd/cognitiond/run"
)

func main() {
	root := &cobra.Command{
		Use:   "cognitiond",
		Short: "Cognition chain node",
	}
	root.AddCommand(
		run.Command(),
		genesis.Command(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
