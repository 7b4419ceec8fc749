// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/connection"
	"github.com/driftwood-db/mongowire/internal/description"
	"github.com/driftwood-db/mongowire/internal/session"
)

// ErrTopologyClosed is returned by SelectServer and SelectPinned once Close
// has been called (spec.md §8 "No work after close").
var ErrTopologyClosed = errors.New("topology: closed")

// ErrServerSelectionTimeout is returned when no eligible server becomes
// available before Config.ServerSelectionTimeout elapses (spec.md §4.6 step
// 5, glossary "Retryable operation").
var ErrServerSelectionTimeout = errors.New("topology: server selection timeout")

// Topology is the central SDAM authority: it serializes every mutation to
// the TopologyDescription behind one lock and wakes any blocked selectors
// each time the description changes (spec.md §4.6, §5).
type Topology struct {
	cfg *Config

	mu     sync.Mutex
	cond   *sync.Cond
	desc   description.Topology
	rnd    *rand.Rand
	closed bool

	servers map[address.Address]*trackedServer

	// Sessions is the deployment-wide ServerSession pool (spec.md §4.7).
	// Its expiry check reads LogicalSessionTimeoutMinutes through t, so
	// it always sees the latest SDAM-reported timeout.
	Sessions *session.Pool
}

// New constructs a Topology from cfg. Call Connect to start its monitors.
func New(cfg Config) *Topology {
	resolved := cfg.withDefaults()
	t := &Topology{
		cfg:     resolved,
		desc:    description.NewTopology(resolved.Seeds, resolved.SetName, resolved.DirectConnection, resolved.HeartbeatInterval),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		servers: make(map[address.Address]*trackedServer, len(resolved.Seeds)),
	}
	t.cond = sync.NewCond(&t.mu)
	t.Sessions = session.NewPool(t.LogicalSessionTimeoutMinutes)
	for _, seed := range resolved.Seeds {
		t.servers[seed] = newTrackedServer(resolved, seed, t.updateServerDescription)
	}
	return t
}

// Connect starts every seed server's connection pool and monitor.
func (t *Topology) Connect() error {
	t.mu.Lock()
	servers := make([]*trackedServer, 0, len(t.servers))
	for _, s := range t.servers {
		servers = append(servers, s)
	}
	t.mu.Unlock()

	for _, s := range servers {
		if err := s.start(); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every monitor and pool. After Close, SelectServer and
// SelectPinned return ErrTopologyClosed, blocked selectors are woken, and
// monitor updates are ignored (spec.md §8).
func (t *Topology) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	servers := make([]*trackedServer, 0, len(t.servers))
	for _, s := range t.servers {
		servers = append(servers, s)
	}
	t.mu.Unlock()
	t.cond.Broadcast()

	for _, s := range servers {
		s.close()
	}
}

// Description returns a snapshot of the current TopologyDescription.
func (t *Topology) Description() description.Topology {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc
}

// updateServerDescription applies a newly observed ServerDescription and
// wakes every blocked selector (spec.md §4.6 "updateServerDescription").
// It is the push callback every monitor calls.
func (t *Topology) updateServerDescription(d description.Server) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if existing, ok := t.desc.Servers[d.Addr]; ok && existing.AverageRTTSet {
		d.AverageRTT = description.UpdateRTT(existing.AverageRTT, true, d.AverageRTT)
		d.AverageRTTSet = true
	}
	next := t.desc.Apply(d)
	added, removed := diffServers(t.desc, next)
	t.desc = next
	t.reconcileServers(added, removed)
	t.cond.Broadcast()
}

// reconcileServers spins up trackedServers for addresses newly discovered
// via a primary/secondary hosts list and tears down ones that were
// removed, keeping t.servers in lockstep with t.desc.Servers (spec.md §3
// "Servers are added when a primary/secondary names them ...; removed when
// absent, unreachable, or mismatched").
func (t *Topology) reconcileServers(added, removed []address.Address) {
	for _, addr := range added {
		if _, ok := t.servers[addr]; ok {
			continue
		}
		s := newTrackedServer(t.cfg, addr, t.updateServerDescription)
		t.servers[addr] = s
		go func() {
			_ = s.start()
		}()
	}
	for _, addr := range removed {
		if s, ok := t.servers[addr]; ok {
			delete(t.servers, addr)
			go s.close()
		}
	}
}

func diffServers(before, after description.Topology) (added, removed []address.Address) {
	for addr := range after.Servers {
		if _, ok := before.Servers[addr]; !ok {
			added = append(added, addr)
		}
	}
	for addr := range before.Servers {
		if _, ok := after.Servers[addr]; !ok {
			removed = append(removed, addr)
		}
	}
	return added, removed
}

// MarkServerUnknown resets addr to Unknown and requests an immediate
// monitor check, then clears its connection pool so stale connections are
// not handed out (spec.md §4.6 "markServerUnknown"; §4.9 "the dispatcher
// recovers from one transport error by reselecting a server").
func (t *Topology) MarkServerUnknown(addr address.Address, cause error) {
	t.mu.Lock()
	s, ok := t.servers[addr]
	t.mu.Unlock()
	if !ok {
		return
	}
	s.pool.Clear()
	s.mon.requestCheck()
	t.updateServerDescription(description.NewServerFromError(addr, cause, nil))
}

// SelectedServer is a server chosen by SelectServer, ready to hand out a
// checked-out connection.
type SelectedServer struct {
	Addr address.Address
	Desc description.Server
	t    *Topology
}

// Checkout borrows a Connection from the selected server's pool.
func (sel *SelectedServer) Checkout(ctx context.Context) (*connection.Connection, error) {
	sel.t.mu.Lock()
	s, ok := sel.t.servers[sel.Addr]
	sel.t.mu.Unlock()
	if !ok {
		return nil, errors.New("topology: server no longer tracked")
	}
	return s.checkout(ctx)
}

// Checkin returns a Connection to its owning server's pool.
func (sel *SelectedServer) Checkin(c *connection.Connection) error {
	sel.t.mu.Lock()
	s, ok := sel.t.servers[sel.Addr]
	sel.t.mu.Unlock()
	if !ok {
		return c.Close()
	}
	return s.checkin(c)
}

// SelectServer blocks until a server matching kind/rp is available,
// ctx is done, or Config.ServerSelectionTimeout elapses, whichever comes
// first (spec.md §4.6 "selectServer").
func (t *Topology) SelectServer(ctx context.Context, kind description.OperationKind, rp description.ReadPreference) (*SelectedServer, error) {
	deadline := time.Now().Add(t.cfg.ServerSelectionTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			t.cond.Broadcast()
		case <-done:
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.closed {
			return nil, ErrTopologyClosed
		}
		if !t.desc.Compatible {
			return nil, t.desc.CompatibilityError
		}

		candidates := description.Select(t.desc, kind, rp)
		candidates = description.ApplyLatencyWindow(candidates, t.desc.LocalThreshold)
		if picked, ok := description.PickRandom(candidates, t.rnd); ok {
			return &SelectedServer{Addr: picked.Addr, Desc: picked, t: t}, nil
		}

		if ctx.Err() != nil {
			return nil, ErrServerSelectionTimeout
		}
		t.cond.Wait()
	}
}

// SelectPinned returns addr directly instead of running server selection,
// for an operation bound to a previously pinned server (spec.md §5 "a
// Connection may be pinned (required for sharded transactions: the same
// mongos receives all ops and the commit)" and the Cursor/getMore case).
func (t *Topology) SelectPinned(addr address.Address) (*SelectedServer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTopologyClosed
	}
	if _, ok := t.servers[addr]; !ok {
		return nil, fmt.Errorf("topology: pinned server %s is no longer tracked", addr)
	}
	return &SelectedServer{Addr: addr, Desc: t.desc.Servers[addr], t: t}, nil
}

// LogicalSessionTimeoutMinutes returns the deployment-wide logical session
// timeout, or nil if sessions are unsupported.
func (t *Topology) LogicalSessionTimeoutMinutes() *int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc.LogicalSessionTimeoutMinutes()
}
