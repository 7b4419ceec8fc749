// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/description"
)

// mustNewBareTopology builds a Topology with no trackedServers, so tests can
// drive updateServerDescription/SelectServer directly without dialing any
// socket or starting a monitor.
func mustNewBareTopology(t *testing.T, seeds []address.Address, setName string) *Topology {
	t.Helper()
	cfg := (&Config{
		Seeds:                  seeds,
		SetName:                setName,
		ServerSelectionTimeout: 200 * time.Millisecond,
	}).withDefaults()
	topo := &Topology{
		cfg:     cfg,
		desc:    description.NewTopology(cfg.Seeds, cfg.SetName, cfg.DirectConnection, cfg.HeartbeatInterval),
		servers: make(map[address.Address]*trackedServer),
	}
	topo.cond = sync.NewCond(&topo.mu)
	return topo
}

func TestSelectServerReturnsImmediatelyWhenAlreadyEligible(t *testing.T) {
	addr := address.Address("a:27017")
	topo := mustNewBareTopology(t, []address.Address{addr}, "")
	topo.servers[addr] = &trackedServer{addr: addr}

	topo.updateServerDescription(description.Server{
		Addr: addr, Kind: description.Standalone, MaxWireVersion: 17, MaxBsonObjectSize: 16777216,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sel, err := topo.SelectServer(ctx, description.ReadOp, description.ReadPreference{Mode: description.PrimaryPreferredMode})
	require.NoError(t, err)
	assert.Equal(t, addr, sel.Addr)
}

func TestSelectServerBlocksUntilPrimaryElected(t *testing.T) {
	a := address.Address("a:27017")
	b := address.Address("b:27017")
	topo := mustNewBareTopology(t, []address.Address{a, b}, "rs0")
	topo.servers[a] = &trackedServer{addr: a}
	topo.servers[b] = &trackedServer{addr: b}

	// Only a has reported, as RSSecondary, and b is still Unknown: no
	// primary exists yet, so
	// a write-selection must block (spec.md §8 scenario 2 "RS election
	// flip").
	topo.updateServerDescription(description.Server{
		Addr: a, Kind: description.RSSecondary, SetName: "rs0",
		Hosts: []address.Address{a, b}, MaxWireVersion: 17,
	})

	result := make(chan error, 1)
	var selectedAddr address.Address
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sel, err := topo.SelectServer(ctx, description.WriteOp, description.ReadPreference{})
		if err == nil {
			selectedAddr = sel.Addr
		}
		result <- err
	}()

	// Give the selector a moment to actually block on the condition
	// variable before the primary shows up.
	time.Sleep(50 * time.Millisecond)

	v := int64(1)
	var e [12]byte
	e[11] = 1
	topo.updateServerDescription(description.Server{
		Addr: b, Kind: description.RSPrimary, SetName: "rs0",
		SetVersion: &v, ElectionID: &e,
		Hosts: []address.Address{a, b}, MaxWireVersion: 17,
	})

	select {
	case err := <-result:
		require.NoError(t, err)
		assert.Equal(t, b, selectedAddr)
	case <-time.After(2 * time.Second):
		t.Fatal("SelectServer never woke up after primary was elected")
	}
}

func TestSelectServerTimesOutWhenNoneEligible(t *testing.T) {
	addr := address.Address("a:27017")
	topo := mustNewBareTopology(t, []address.Address{addr}, "rs0")
	topo.servers[addr] = &trackedServer{addr: addr}

	topo.updateServerDescription(description.Server{
		Addr: addr, Kind: description.RSSecondary, SetName: "rs0",
		Hosts: []address.Address{addr}, MaxWireVersion: 17,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := topo.SelectServer(ctx, description.WriteOp, description.ReadPreference{})
	assert.ErrorIs(t, err, ErrServerSelectionTimeout)
}

func TestMarkServerUnknownResetsKind(t *testing.T) {
	addr := address.Address("a:27017")
	topo := mustNewBareTopology(t, []address.Address{addr}, "")
	topo.servers[addr] = &trackedServer{addr: addr, pool: nil, mon: newMonitor(addr, topo.cfg, topo.updateServerDescription)}

	topo.updateServerDescription(description.Server{
		Addr: addr, Kind: description.Standalone, MaxWireVersion: 17, MaxBsonObjectSize: 16777216,
	})
	require.Equal(t, description.Single, topo.Description().Kind)

	topo.mu.Lock()
	s := topo.servers[addr]
	s.pool = nil
	topo.mu.Unlock()

	// Exercise the reset path directly, skipping pool.Clear() since this
	// tracked server has no real pool in this unit test.
	topo.mu.Lock()
	topo.servers[addr].mon.requestCheck()
	topo.mu.Unlock()
	topo.updateServerDescription(description.NewServerFromError(addr, context.DeadlineExceeded, nil))

	got, ok := topo.Description().Servers[addr]
	require.True(t, ok)
	assert.Equal(t, description.Unknown, got.Kind)
}

func TestCloseUnblocksWaitingSelectors(t *testing.T) {
	addr := address.Address("a:27017")
	topo := mustNewBareTopology(t, []address.Address{addr}, "rs0")
	topo.servers[addr] = &trackedServer{addr: addr}
	topo.updateServerDescription(description.Server{
		Addr: addr, Kind: description.RSSecondary, SetName: "rs0",
		Hosts: []address.Address{addr}, MaxWireVersion: 17,
	})

	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := topo.SelectServer(ctx, description.WriteOp, description.ReadPreference{})
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	topo.mu.Lock()
	topo.closed = true
	topo.mu.Unlock()
	topo.cond.Broadcast()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrTopologyClosed)
	case <-time.After(time.Second):
		t.Fatal("SelectServer did not observe Close")
	}
}
