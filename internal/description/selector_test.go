// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"math/rand"
	"testing"
	"time"

	"github.com/driftwood-db/mongowire/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaleSecondaryFiltered(t *testing.T) {
	now := time.Now()
	fresh := Server{
		Addr: "fresh:27017", Kind: RSSecondary,
		LastUpdateTime: now, LastWriteDate: now.Add(-5 * time.Second),
	}
	stale := Server{
		Addr: "stale:27017", Kind: RSSecondary,
		LastUpdateTime: now, LastWriteDate: now.Add(-200 * time.Second),
	}

	topo := Topology{
		Kind:              ReplicaSetNoPrimary,
		HeartbeatInterval: 10 * time.Second,
		Servers: map[address.Address]Server{
			fresh.Addr: fresh,
			stale.Addr: stale,
		},
	}

	rp := ReadPreference{Mode: SecondaryMode, MaxStaleness: 90 * time.Second}
	for i := 0; i < 100; i++ {
		candidates := Select(topo, ReadOp, rp)
		require.Len(t, candidates, 1)
		assert.Equal(t, fresh.Addr, candidates[0].Addr)
	}
}

func TestSelectionUnbiased(t *testing.T) {
	topo := Topology{
		Kind:              ReplicaSetNoPrimary,
		HeartbeatInterval: 10 * time.Second,
		LocalThreshold:    15 * time.Millisecond,
		Servers: map[address.Address]Server{
			"a:27017": {Addr: "a:27017", Kind: RSSecondary, AverageRTT: 10 * time.Millisecond},
			"b:27017": {Addr: "b:27017", Kind: RSSecondary, AverageRTT: 11 * time.Millisecond},
			"c:27017": {Addr: "c:27017", Kind: RSSecondary, AverageRTT: 12 * time.Millisecond},
		},
	}

	rnd := rand.New(rand.NewSource(1))
	counts := map[address.Address]int{}
	const trials = 10000
	for i := 0; i < trials; i++ {
		candidates := Select(topo, ReadOp, ReadPreference{Mode: SecondaryMode})
		candidates = ApplyLatencyWindow(candidates, topo.LocalThreshold)
		require.Len(t, candidates, 3)
		picked, ok := PickRandom(candidates, rnd)
		require.True(t, ok)
		counts[picked.Addr]++
	}

	expected := float64(trials) / 3
	for _, c := range counts {
		delta := float64(c) - expected
		if delta < 0 {
			delta = -delta
		}
		assert.Less(t, delta/expected, 0.05)
	}
}

func TestWriteSelectionPrefersPrimary(t *testing.T) {
	topo := Topology{
		Kind: ReplicaSetWithPrimary,
		Servers: map[address.Address]Server{
			"a:27017": {Addr: "a:27017", Kind: RSPrimary},
			"b:27017": {Addr: "b:27017", Kind: RSSecondary},
		},
	}
	candidates := Select(topo, WriteOp, ReadPreference{})
	require.Len(t, candidates, 1)
	assert.Equal(t, Kind(RSPrimary), candidates[0].Kind)
}
