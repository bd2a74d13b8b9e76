// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

// tierstore-worker serves block streams to cache clients: it reads
// block bytes from the under file system, promotes them into the
// local tier as they stream, and enforces the per-block UFS read
// concurrency cap.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/tierstore/tierstore/lib/clock"
	"github.com/tierstore/tierstore/lib/config"
	"github.com/tierstore/tierstore/lib/dataserver"
	"github.com/tierstore/tierstore/lib/localstore"
	"github.com/tierstore/tierstore/lib/session"
	"github.com/tierstore/tierstore/lib/transport"
	"github.com/tierstore/tierstore/lib/ufs"
	"github.com/tierstore/tierstore/lib/ufsstore"
	"github.com/tierstore/tierstore/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		listenAddr  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the worker config file (required)")
	pflag.StringVar(&listenAddr, "listen", "", "override listen.address from the config")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("tierstore-worker %s\n", version.Info())
		return nil
	}
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen.Address = listenAddr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	compression, err := localstore.ParseCompression(cfg.Store.Compression)
	if err != nil {
		return err
	}
	local, err := localstore.Open(localstore.Config{
		Path:        cfg.Store.Path,
		Compression: compression,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer local.Close()

	fs := &ufs.Local{Root: cfg.UFS.Root}
	resolve, err := loadResolver(cfg.UFS.Manifest, cfg.Read.MaxUfsConcurrency)
	if err != nil {
		return err
	}

	registry := ufsstore.NewRegistry(fs, &dataserver.LocalTier{Store: local}, logger)
	server := dataserver.New(registry, local, fs, resolve, dataserver.Config{
		PacketSize: cfg.Read.BufferSize,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := session.NewManager(clock.Real(), cfg.Session.TTL, logger, server.CleanupSession)
	go sessions.Run(ctx)

	listener, err := net.Listen("tcp", cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.Info("tierstore worker serving",
		"version", version.Info(),
		"address", listener.Addr().String(),
		"store", cfg.Store.Path,
		"ufs_root", cfg.UFS.Root,
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("worker shutting down")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		server.ServeChannel(transport.NewTCPChannel(conn))
	}
}

// manifestEntry is one row of the block manifest, standing in for the
// external metadata service.
type manifestEntry struct {
	BlockID int64  `yaml:"block_id"`
	Path    string `yaml:"path"`
	Offset  int64  `yaml:"offset"`
	Length  int64  `yaml:"length"`
	MountID int64  `yaml:"mount_id"`
}

// loadResolver builds the block resolver from the manifest file. With
// no manifest, every lookup fails: the worker then only serves blocks
// another control plane registers. Resolved blocks carry
// maxConcurrency as their UFS read concurrency cap.
func loadResolver(path string, maxConcurrency int) (dataserver.BlockResolver, error) {
	if path == "" {
		return func(blockID int64) (ufsstore.OpenOptions, error) {
			return ufsstore.OpenOptions{}, fmt.Errorf("no manifest: unknown block %d", blockID)
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading block manifest: %w", err)
	}
	var entries []manifestEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing block manifest %s: %w", path, err)
	}
	blocks := make(map[int64]ufsstore.OpenOptions, len(entries))
	for _, entry := range entries {
		blocks[entry.BlockID] = ufsstore.OpenOptions{
			UfsPath:      entry.Path,
			OffsetInFile: entry.Offset,
			Length:       entry.Length,
			MountID:      entry.MountID,

			MaxUfsReadConcurrency: maxConcurrency,
		}
	}
	return func(blockID int64) (ufsstore.OpenOptions, error) {
		options, ok := blocks[blockID]
		if !ok {
			return ufsstore.OpenOptions{}, fmt.Errorf("block %d not in manifest", blockID)
		}
		return options, nil
	}, nil
}
