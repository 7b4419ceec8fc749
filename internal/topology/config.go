// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements the SDAM authority: per-server monitors, the
// central serialized Topology state, and server selection wired onto real
// connection pools (spec.md §4.4-§4.6).
package topology

import (
	"time"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/auth"
	"github.com/driftwood-db/mongowire/internal/connection"
	"github.com/driftwood-db/mongowire/internal/description"
)

// Config configures a Topology (spec.md §6 connection-string options table
// and §4.4-§4.6 component defaults).
type Config struct {
	Seeds            []address.Address
	SetName          string
	DirectConnection bool

	HeartbeatInterval    time.Duration // default 10s
	MinHeartbeatInterval time.Duration // floor while a server is Unknown, default 500ms
	LocalThreshold       time.Duration // default 15ms
	ServerSelectionTimeout time.Duration // default 60s

	AppName     string
	Compressors []string
	Auth        *auth.Cred

	MaxPoolSize    uint64
	MinPoolSize    uint64
	MaxIdleTime    time.Duration
	ConnectTimeout time.Duration
	ConnectionOptions []connection.Option
}

func (c *Config) withDefaults() *Config {
	cp := *c
	if cp.HeartbeatInterval <= 0 {
		cp.HeartbeatInterval = 10 * time.Second
	}
	if cp.MinHeartbeatInterval <= 0 {
		cp.MinHeartbeatInterval = 500 * time.Millisecond
	}
	if cp.LocalThreshold <= 0 {
		cp.LocalThreshold = description.DefaultLocalThreshold
	}
	if cp.ServerSelectionTimeout <= 0 {
		cp.ServerSelectionTimeout = 60 * time.Second
	}
	if cp.MaxPoolSize == 0 {
		cp.MaxPoolSize = 100
	}
	if cp.ConnectTimeout <= 0 {
		cp.ConnectTimeout = 30 * time.Second
	}
	return &cp
}
