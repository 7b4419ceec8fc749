// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"
	"time"

	"github.com/driftwood-db/mongowire/address"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func version(v int64) *int64 { return &v }
func election(b byte) *[12]byte {
	var e [12]byte
	e[11] = b
	return &e
}

func TestSingleStandalone(t *testing.T) {
	addrA := address.Address("a:27017")
	topo := NewTopology([]address.Address{addrA}, "", false, 10*time.Second)

	topo = topo.Apply(Server{
		Addr: addrA, Kind: Standalone, MaxWireVersion: 17, MaxBsonObjectSize: 16777216,
	})

	assert.Equal(t, Single, topo.Kind)
	assert.Len(t, topo.Servers, 1)
}

func TestRSElectionFlip(t *testing.T) {
	a := address.Address("a:27017")
	b := address.Address("b:27017")
	topo := NewTopology([]address.Address{a, b}, "rs0", false, 10*time.Second)

	topo = topo.Apply(Server{
		Addr: a, Kind: RSPrimary, SetName: "rs0",
		SetVersion: version(1), ElectionID: election(1),
		Hosts: []address.Address{a, b}, MaxWireVersion: 17,
	})
	require.Equal(t, ReplicaSetWithPrimary, topo.Kind)
	p, ok := topo.Primary()
	require.True(t, ok)
	assert.Equal(t, a, p.Addr)

	// a steps down to secondary.
	topo = topo.Apply(Server{Addr: a, Kind: RSSecondary, SetName: "rs0", Hosts: []address.Address{a, b}, MaxWireVersion: 17})
	assert.Equal(t, ReplicaSetNoPrimary, topo.Kind)
	_, ok = topo.Primary()
	assert.False(t, ok)

	// b becomes primary with a larger electionId.
	topo = topo.Apply(Server{
		Addr: b, Kind: RSPrimary, SetName: "rs0",
		SetVersion: version(1), ElectionID: election(2),
		Hosts: []address.Address{a, b}, MaxWireVersion: 17,
	})
	assert.Equal(t, ReplicaSetWithPrimary, topo.Kind)
	p, ok = topo.Primary()
	require.True(t, ok)
	assert.Equal(t, b, p.Addr)
}

func TestStalePrimaryRejected(t *testing.T) {
	a := address.Address("a:27017")
	b := address.Address("b:27017")
	topo := NewTopology([]address.Address{a, b}, "rs0", false, 10*time.Second)

	topo = topo.Apply(Server{
		Addr: a, Kind: RSPrimary, SetName: "rs0",
		SetVersion: version(2), ElectionID: election(5),
		Hosts: []address.Address{a, b}, MaxWireVersion: 17,
	})
	require.Equal(t, a, mustPrimary(t, topo).Addr)

	// b claims primary with an older (setVersion, electionId) pair; must be rejected.
	topo = topo.Apply(Server{
		Addr: b, Kind: RSPrimary, SetName: "rs0",
		SetVersion: version(1), ElectionID: election(1),
		Hosts: []address.Address{a, b}, MaxWireVersion: 17,
	})
	assert.Equal(t, a, mustPrimary(t, topo).Addr)
	assert.Equal(t, Unknown, topo.Servers[b].Kind)
}

func mustPrimary(t *testing.T, topo Topology) Server {
	t.Helper()
	p, ok := topo.Primary()
	require.True(t, ok)
	return p
}

func TestMeMismatchRemovesServer(t *testing.T) {
	a := address.Address("a:27017")
	b := address.Address("b:27017")
	topo := NewTopology([]address.Address{a, b}, "rs0", false, 10*time.Second)
	topo = topo.Apply(Server{Addr: a, Kind: RSPrimary, SetName: "rs0", Me: "a:27017", SetVersion: version(1), ElectionID: election(1), Hosts: []address.Address{a, b}, MaxWireVersion: 17})

	topo = topo.Apply(Server{Addr: b, Kind: RSSecondary, SetName: "rs0", Me: "wrong:27017", Hosts: []address.Address{a, b}, MaxWireVersion: 17})
	assert.False(t, topo.hasServer(b))
}

func TestShardedRejectsNonMongos(t *testing.T) {
	a := address.Address("a:27017")
	b := address.Address("b:27017")
	topo := NewTopology([]address.Address{a, b}, "", false, 10*time.Second)
	topo = topo.Apply(Server{Addr: a, Kind: Mongos, MaxWireVersion: 17})
	require.Equal(t, Sharded, topo.Kind)

	topo = topo.Apply(Server{Addr: b, Kind: RSPrimary, SetName: "rs0", MaxWireVersion: 17})
	assert.False(t, topo.hasServer(b))
}

func TestIncompatibleWireRange(t *testing.T) {
	a := address.Address("a:27017")
	topo := NewTopology([]address.Address{a}, "", true, 10*time.Second)
	topo = topo.Apply(Server{Addr: a, Kind: Standalone, MinWireVersion: 50, MaxWireVersion: 60})
	assert.False(t, topo.Compatible)
}
