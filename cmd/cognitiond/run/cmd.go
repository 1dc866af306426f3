// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package run starts a cognition chain node and serves its API.
package run

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/cognition/api"
	"github.com/luxfi/cognition/chain"
	"github.com/luxfi/cognition/utils/profiler"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 30 * time.Second
	profileMaxFiles   = 5
)

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs a cognition chain node",
		RunE:  runFunc,
	}
	AddFlags(c.Flags())
	return c
}

func runFunc(c *cobra.Command, args []string) error {
	config, err := ParseFlags(c.Flags(), args)
	if err != nil {
		return err
	}

	logger := log.NewLogger("cognitiond")

	genesisBytes, err := os.ReadFile(config.GenesisPath)
	if err != nil {
		return fmt.Errorf("failed to read genesis: %w", err)
	}

	var db database.Database
	if config.Ephemeral {
		db = memdb.New()
	} else {
		db, err = badgerdb.New(config.DBDir, nil, "", nil)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", "err", err)
		}
	}()

	// Chain metrics and process metrics land in the same gatherer under
	// distinct namespaces, so one scrape endpoint covers both.
	gatherer := metric.NewMultiGatherer()
	registry := metric.NewRegistry()
	if err := gatherer.Register("cognition", registry); err != nil {
		return err
	}
	processRegistry := metric.NewRegistry()
	if err := gatherer.Register("process", processRegistry); err != nil {
		return err
	}
	if err := processRegistry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return err
	}
	if err := processRegistry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}

	cognition, err := chain.New(chain.Config{
		Params:       config.Params,
		NodeID:       config.NodeID,
		Log:          logger,
		DB:           db,
		Gossiper:     chain.NoopGossiper{},
		Registerer:   registry,
		Genesis:      genesisBytes,
		EvalInterval: config.EvalInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain: %w", err)
	}
	if err := cognition.Start(); err != nil {
		return fmt.Errorf("failed to start chain: %w", err)
	}
	defer cognition.Shutdown()

	handler, err := api.NewHandler(cognition)
	if err != nil {
		return fmt.Errorf("failed to create API handler: %w", err)
	}

	router := mux.NewRouter()
	router.Handle("/ext/cognition", handler).Methods(http.MethodPost)
	router.Handle("/ext/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.HTTPAddr, err)
	}
	logger.Info("serving API",
		"addr", listener.Addr().String(),
		"nodeID", config.NodeID,
	)

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	var continuousProfiler profiler.ContinuousProfiler
	if config.ProfileDir != "" {
		continuousProfiler = profiler.NewContinuous(
			config.ProfileDir,
			config.ProfileFreq,
			profileMaxFiles,
		)
		g.Go(continuousProfiler.Dispatch)
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		if continuousProfiler != nil {
			continuousProfiler.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
