// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"time"

	"github.com/driftwood-db/mongowire/address"
)

// TopologyKind represents the overall shape of the deployment (spec.md §3).
type TopologyKind uint32

// Topology kinds.
const (
	TopologyUnknown TopologyKind = iota
	Single
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
)

func (k TopologyKind) String() string {
	switch k {
	case Single:
		return "Single"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	default:
		return "Unknown"
	}
}

// ClientWireRange is the range of wire versions this client speaks
// (spec.md §6: "core targets >= 3 for commands, >= 6 for op-msg", and the
// outer compatibility bound of 0..17).
var ClientWireRange = struct{ Min, Max int32 }{Min: 0, Max: 17}

// DefaultLocalThreshold is the default latency window width (spec.md §3).
const DefaultLocalThreshold = 15 * time.Millisecond

// Topology is an immutable snapshot of the deployment's current shape. New
// snapshots are produced by applying a Server update via Apply; Topology
// values are never mutated in place so that callers (including selection
// waiters) can safely hold a reference across a topology mutation.
type Topology struct {
	Kind TopologyKind

	SetName        string
	MaxSetVersion  *int64
	MaxElectionID  *[12]byte

	Compatible          bool
	CompatibilityError  error

	HeartbeatInterval time.Duration
	LocalThreshold    time.Duration

	Servers map[address.Address]Server
}

// NewTopology returns the initial topology description built from a set of
// seed addresses (spec.md §3 "Lifecycle"). If directConnection is true the
// topology starts (and stays) Single.
func NewTopology(seeds []address.Address, setName string, directConnection bool, heartbeatInterval time.Duration) Topology {
	servers := make(map[address.Address]Server, len(seeds))
	for _, s := range seeds {
		servers[s] = NewDefaultServer(s)
	}
	kind := TopologyUnknown
	if directConnection {
		kind = Single
	}
	return Topology{
		Kind:              kind,
		SetName:           setName,
		Compatible:        true,
		HeartbeatInterval: heartbeatInterval,
		LocalThreshold:    DefaultLocalThreshold,
		Servers:           servers,
	}
}

func (t Topology) clone() Topology {
	servers := make(map[address.Address]Server, len(t.Servers))
	for k, v := range t.Servers {
		servers[k] = v
	}
	t.Servers = servers
	return t
}

func (t Topology) hasServer(addr address.Address) bool {
	_, ok := t.Servers[addr]
	return ok
}

func (t *Topology) removeServer(addr address.Address) {
	delete(t.Servers, addr)
}

func (t *Topology) addServersFromHosts(hosts []address.Address) {
	for _, h := range hosts {
		if !t.hasServer(h) {
			t.Servers[h] = NewDefaultServer(h)
		}
	}
}

// Apply applies a newly observed Server description to t and returns the
// resulting Topology, following the SDAM transition table in spec.md §4.6.
// t is never mutated; Apply always returns a new value.
func (t Topology) Apply(d Server) Topology {
	if t.Kind == Single {
		// A single-seed topology never changes kind or membership; it just
		// tracks the one server's latest description (spec.md invariant:
		// "type == single => |servers| == 1").
		next := t.clone()
		next.Servers[d.Addr] = d
		next.recomputeCompatibility()
		return next
	}

	next := t.clone()

	// Rule 1: ignore descriptions for servers we've already forgotten.
	if !next.hasServer(d.Addr) {
		return next
	}

	// "A server whose me disagrees with its own address is immediately
	// removed" (spec.md §3 invariant).
	if d.Me != "" && d.Me != d.Addr {
		next.removeServer(d.Addr)
		return next.finish()
	}

	// Rule 2: setName disagreement evicts the server.
	if next.SetName != "" && d.SetName != "" && d.SetName != next.SetName {
		next.removeServer(d.Addr)
		return next.finish()
	}

	switch next.Kind {
	case TopologyUnknown:
		next.applyToUnknown(d)
	case Sharded:
		next.applyToSharded(d)
	case ReplicaSetNoPrimary:
		next.applyToReplicaSet(d)
	case ReplicaSetWithPrimary:
		next.applyToReplicaSet(d)
	}

	return next.finish()
}

func (t *Topology) applyToUnknown(d Server) {
	switch d.Kind {
	case Standalone:
		if len(t.Servers) == 1 {
			t.Kind = Single
			t.Servers[d.Addr] = d
		} else {
			t.removeServer(d.Addr)
		}
	case Mongos:
		t.Kind = Sharded
		t.Servers[d.Addr] = d
	case RSPrimary:
		t.SetName = d.SetName
		t.Kind = ReplicaSetNoPrimary
		t.updateFromPrimary(d)
	case RSSecondary, RSArbiter, RSOther:
		t.SetName = d.SetName
		t.Kind = ReplicaSetNoPrimary
		t.Servers[d.Addr] = d
		t.addServersFromHosts(allHosts(d))
	case RSGhost, Unknown:
		t.Servers[d.Addr] = d
	default:
		t.Servers[d.Addr] = d
	}
}

func (t *Topology) applyToSharded(d Server) {
	if d.Kind != Mongos && d.Kind != Unknown {
		t.removeServer(d.Addr)
		return
	}
	t.Servers[d.Addr] = d
}

func (t *Topology) applyToReplicaSet(d Server) {
	switch d.Kind {
	case Standalone, Mongos:
		t.removeServer(d.Addr)
		return
	case RSPrimary:
		t.updateFromPrimary(d)
	case RSSecondary, RSArbiter, RSOther, RSGhost, Unknown:
		t.Servers[d.Addr] = d
		if d.Kind != RSGhost {
			t.addServersFromHosts(allHosts(d))
		}
	default:
		t.Servers[d.Addr] = d
	}
}

// updateFromPrimary implements the rsPrimary branch of spec.md §4.6 rule 3:
// invalidate other primaries, reject stale (setVersion, electionId) pairs,
// otherwise adopt the new max pair and reconcile membership.
func (t *Topology) updateFromPrimary(d Server) {
	if d.SetVersion != nil && d.ElectionID != nil {
		if t.MaxSetVersion != nil && t.MaxElectionID != nil {
			if isStalerPair(d.SetVersion, d.ElectionID, t.MaxSetVersion, t.MaxElectionID) {
				// Stale primary: reset to unknown rather than adopting it.
				t.Servers[d.Addr] = NewDefaultServer(d.Addr)
				return
			}
		}
		t.MaxSetVersion = d.SetVersion
		t.MaxElectionID = d.ElectionID
	}

	// Invalidate any other server currently believed to be primary.
	for addr, srv := range t.Servers {
		if addr != d.Addr && srv.Kind == RSPrimary {
			t.Servers[addr] = NewDefaultServer(addr)
		}
	}

	t.Servers[d.Addr] = d
	t.addServersFromHosts(allHosts(d))

	// Remove servers absent from the new primary's host list.
	keep := hostSet(allHosts(d))
	keep[d.Addr] = struct{}{}
	for addr := range t.Servers {
		if _, ok := keep[addr]; !ok {
			t.removeServer(addr)
		}
	}
}

// isStalerPair reports whether (setVersion, electionID) is older than
// (maxSetVersion, maxElectionID).
func isStalerPair(setVersion *int64, electionID *[12]byte, maxSetVersion *int64, maxElectionID *[12]byte) bool {
	if *setVersion != *maxSetVersion {
		return *setVersion < *maxSetVersion
	}
	return *electionID != *maxElectionID && lessElectionID(*electionID, *maxElectionID)
}

func lessElectionID(a, b [12]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func allHosts(d Server) []address.Address {
	hosts := make([]address.Address, 0, len(d.Hosts)+len(d.Passives)+len(d.Arbiters))
	hosts = append(hosts, d.Hosts...)
	hosts = append(hosts, d.Passives...)
	hosts = append(hosts, d.Arbiters...)
	return hosts
}

func hostSet(hosts []address.Address) map[address.Address]struct{} {
	m := make(map[address.Address]struct{}, len(hosts))
	for _, h := range hosts {
		m[h] = struct{}{}
	}
	return m
}

// finish recomputes the derived Kind (primary presence) and compatibility
// flag after a mutation (spec.md §4.6 rule 4).
func (t Topology) finish() Topology {
	if t.Kind != Single && t.Kind != TopologyUnknown && t.Kind != Sharded {
		if t.hasPrimary() {
			t.Kind = ReplicaSetWithPrimary
		} else {
			t.Kind = ReplicaSetNoPrimary
		}
	}
	t.recomputeCompatibility()
	return t
}

func (t Topology) hasPrimary() bool {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return true
		}
	}
	return false
}

func (t *Topology) recomputeCompatibility() {
	t.Compatible = true
	t.CompatibilityError = nil
	for _, s := range t.Servers {
		if !s.WireRangeCompatible(ClientWireRange.Min, ClientWireRange.Max) {
			t.Compatible = false
			t.CompatibilityError = &IncompatibleError{
				Addr:           s.Addr,
				ServerMin:      s.MinWireVersion,
				ServerMax:      s.MaxWireVersion,
				ClientMin:      ClientWireRange.Min,
				ClientMax:      ClientWireRange.Max,
			}
			return
		}
	}
}

// Primary returns the replica-set primary and true if one is known.
func (t Topology) Primary() (Server, bool) {
	for _, s := range t.Servers {
		if s.Kind == RSPrimary {
			return s, true
		}
	}
	return Server{}, false
}

// LogicalSessionTimeoutMinutes returns the minimum logical session timeout
// across all data-bearing servers, or nil if any lacks one (sessions are
// unsupported unless every server advertises a timeout).
func (t Topology) LogicalSessionTimeoutMinutes() *int64 {
	var min *int64
	for _, s := range t.Servers {
		if !s.DataBearing() {
			continue
		}
		if s.LogicalSessionTimeoutMinutes == nil {
			return nil
		}
		if min == nil || *s.LogicalSessionTimeoutMinutes < *min {
			v := *s.LogicalSessionTimeoutMinutes
			min = &v
		}
	}
	return min
}

// IncompatibleError reports that a server's wire-version range is disjoint
// from the client's (spec.md §4.6 step 1, §7 "InvalidWireVersion").
type IncompatibleError struct {
	Addr                   address.Address
	ServerMin, ServerMax   int32
	ClientMin, ClientMax   int32
}

func (e *IncompatibleError) Error() string {
	return "server at " + string(e.Addr) + " reports wire version range incompatible with this client"
}
