// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements logical sessions, transactions, and causal
// consistency on top of a Topology: the ServerSession pool, the per-
// operation Session state machine, and the cluster clock (spec.md §4.7,
// §4.8, §3 "ServerSession"/"Session").
package session

import (
	"sync"
	"time"

	"github.com/driftwood-db/mongowire/internal/uuid"
)

// ServerSession is a server-visible logical session identifier, reusable
// across operations until it expires (spec.md §3 "ServerSession").
type ServerSession struct {
	ID     uuid.UUID
	LastUse time.Time
	TxnNum int64
}

func newServerSession() *ServerSession {
	return &ServerSession{ID: uuid.New(), LastUse: time.Now()}
}

// expired reports whether s has not been used within timeout minus the
// one-minute safety margin the server itself applies (spec.md §4.7 "now -
// lastUse > logicalSessionTimeout - 1 min").
func (s *ServerSession) expired(timeoutMinutes *int64) bool {
	if timeoutMinutes == nil {
		return false
	}
	timeout := time.Duration(*timeoutMinutes)*time.Minute - time.Minute
	if timeout < 0 {
		timeout = 0
	}
	return time.Since(s.LastUse) > timeout
}

func (s *ServerSession) touch() {
	s.LastUse = time.Now()
}

// Pool is a LIFO pool of ServerSessions (spec.md §4.7). Checkout pops the
// most recently used (and therefore least likely to be near expiry)
// session; checkin pushes one back unless it's already past expiry.
type Pool struct {
	mu      sync.Mutex
	entries []*ServerSession
	timeout func() *int64
}

// NewPool builds a Pool. timeout is consulted on every checkout/checkin to
// learn the deployment's current logicalSessionTimeoutMinutes, since it can
// change as SDAM discovers more servers.
func NewPool(timeout func() *int64) *Pool {
	return &Pool{timeout: timeout}
}

// Checkout returns an unexpired ServerSession, reusing the most recently
// returned one when possible and minting a fresh UUID v4 otherwise.
func (p *Pool) Checkout() *ServerSession {
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := p.timeout()
	for len(p.entries) > 0 {
		top := p.entries[len(p.entries)-1]
		p.entries = p.entries[:len(p.entries)-1]
		if !top.expired(limit) {
			top.touch()
			return top
		}
	}
	return newServerSession()
}

// Checkin returns ss to the pool unless it is already expired.
func (p *Pool) Checkin(ss *ServerSession) {
	if ss == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ss.expired(p.timeout()) {
		return
	}
	p.entries = append(p.entries, ss)
}
