// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/connection"
	"github.com/driftwood-db/mongowire/internal/description"
)

// trackedServer bundles one server's connection pool and monitor; Topology
// owns a map of these keyed by address (spec.md §3 "Ownership: Topology
// exclusively owns the map of connection pools and monitors").
type trackedServer struct {
	addr address.Address
	pool *connection.Pool
	mon  *monitor
}

func newTrackedServer(cfg *Config, addr address.Address, push func(description.Server)) *trackedServer {
	handshaker := &poolHandshaker{appName: cfg.AppName, compressors: cfg.Compressors, cred: cfg.Auth}

	connOpts := append(append([]connection.Option(nil), cfg.ConnectionOptions...),
		connection.WithHandshaker(handshaker),
		connection.WithConnectTimeout(cfg.ConnectTimeout),
		connection.WithCompressors(cfg.Compressors),
		connection.WithAppName(cfg.AppName),
	)

	pool := connection.NewPool(connection.PoolConfig{
		Address:        addr,
		MinPoolSize:    cfg.MinPoolSize,
		MaxPoolSize:    cfg.MaxPoolSize,
		MaxIdleTime:    cfg.MaxIdleTime,
		ConnectOptions: connOpts,
	})

	return &trackedServer{
		addr: addr,
		pool: pool,
		mon:  newMonitor(addr, cfg, push),
	}
}

func (s *trackedServer) start() error {
	if err := s.pool.Connect(); err != nil {
		return err
	}
	s.mon.start()
	return nil
}

func (s *trackedServer) checkout(ctx context.Context) (*connection.Connection, error) {
	return s.pool.Checkout(ctx)
}

func (s *trackedServer) checkin(c *connection.Connection) error {
	return s.pool.Checkin(c)
}

func (s *trackedServer) close() {
	s.mon.stop()
	s.pool.Disconnect(context.Background())
}
