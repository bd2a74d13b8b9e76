// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads worker configuration from a single YAML file.
// There is no automatic discovery and no environment-variable
// override: the file named on the command line is the whole truth.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tierstore/tierstore/lib/localstore"
)

// Config is the worker configuration.
type Config struct {
	// Listen configures the data server endpoint.
	Listen ListenConfig `yaml:"listen"`

	// Read configures the block streaming read path.
	Read ReadConfig `yaml:"read"`

	// Store configures the local block tier.
	Store StoreConfig `yaml:"store"`

	// UFS configures the under file system backing the cache.
	UFS UFSConfig `yaml:"ufs"`

	// Session configures client lease tracking.
	Session SessionConfig `yaml:"session"`
}

// ListenConfig configures the data server endpoint.
type ListenConfig struct {
	// Address is the TCP address the data server binds, e.g.
	// ":29999". Use ":0" for a random port.
	Address string `yaml:"address"`
}

// ReadConfig configures the streaming read path.
type ReadConfig struct {
	// BufferSize is the packet payload size in bytes for remote
	// reads.
	BufferSize int `yaml:"buffer_size"`

	// MaxUfsConcurrency caps concurrent sessions streaming the same
	// block from the UFS. Overridable per open request.
	MaxUfsConcurrency int `yaml:"max_ufs_concurrency"`

	// PacketHighWater is the in-flight packet count at which a
	// reader pauses the transport.
	PacketHighWater int `yaml:"packet_high_water"`

	// PacketLowWater is the in-flight packet count at which a paused
	// reader resumes the transport.
	PacketLowWater int `yaml:"packet_low_water"`
}

// StoreConfig configures the local block tier.
type StoreConfig struct {
	// Path is the local store root directory.
	Path string `yaml:"path"`

	// Compression is the at-rest encoding for committed blocks:
	// none, lz4, or zstd.
	Compression string `yaml:"compression"`
}

// UFSConfig configures the under file system.
type UFSConfig struct {
	// Root is the directory the local UFS adapter serves from.
	Root string `yaml:"root"`

	// Manifest is an optional YAML file mapping block IDs to their
	// UFS locations, standing in for the external metadata service.
	Manifest string `yaml:"manifest"`
}

// SessionConfig configures client lease tracking.
type SessionConfig struct {
	// TTL is how long a session survives without a heartbeat.
	TTL time.Duration `yaml:"ttl"`
}

// Default returns the default configuration. The store path has no
// default; it must come from the config file.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Address: ":29999"},
		Read: ReadConfig{
			BufferSize:        8 * 1024,
			MaxUfsConcurrency: 2,
			PacketHighWater:   8,
			PacketLowWater:    2,
		},
		Store:   StoreConfig{Compression: "lz4"},
		Session: SessionConfig{TTL: time.Minute},
	}
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	}
	if c.Read.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("read.buffer_size must be positive, got %d", c.Read.BufferSize))
	}
	if c.Read.MaxUfsConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("read.max_ufs_concurrency must be positive, got %d", c.Read.MaxUfsConcurrency))
	}
	if c.Read.PacketHighWater <= 0 {
		errs = append(errs, fmt.Errorf("read.packet_high_water must be positive, got %d", c.Read.PacketHighWater))
	}
	if c.Read.PacketLowWater <= 0 || c.Read.PacketLowWater > c.Read.PacketHighWater {
		errs = append(errs, fmt.Errorf("read.packet_low_water must be in [1, high water], got %d", c.Read.PacketLowWater))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if _, err := localstore.ParseCompression(c.Store.Compression); err != nil {
		errs = append(errs, fmt.Errorf("store.compression: %w", err))
	}
	if c.UFS.Root == "" {
		errs = append(errs, fmt.Errorf("ufs.root is required"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be positive, got %v", c.Session.TTL))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
