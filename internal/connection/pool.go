// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/driftwood-db/mongowire/address"
	"golang.org/x/sync/semaphore"
)

// PoolConfig configures a Pool's size bounds and idle reaping (spec.md §5
// "Connection pools: thread-safe bag with blocking checkout", §6
// "maxPoolSize/minPoolSize", "maxIdleTimeMS").
type PoolConfig struct {
	Address        address.Address
	MinPoolSize    uint64
	MaxPoolSize    uint64
	MaxIdleTime    time.Duration
	ReapInterval   time.Duration
	ConnectOptions []Option
}

// Pool is a bounded, thread-safe bag of Connections to a single server. It
// enforces FIFO checkout ordering and periodically reaps idle connections
// (spec.md §5).
type Pool struct {
	cfg  PoolConfig
	addr address.Address
	sem  *semaphore.Weighted

	mu         sync.Mutex
	idle       *list.List // of *Connection
	generation uint64
	closed     bool

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPool constructs a Pool. The pool does not dial any connections until
// Connect is called.
func NewPool(cfg PoolConfig) *Pool {
	max := cfg.MaxPoolSize
	if max == 0 {
		max = 100
	}
	reap := cfg.ReapInterval
	if reap == 0 {
		reap = 5 * time.Second
	}
	cfg.MaxPoolSize = max
	cfg.ReapInterval = reap
	return &Pool{
		cfg:  cfg,
		addr: cfg.Address,
		sem:  semaphore.NewWeighted(int64(max)),
		idle: list.New(),
		done: make(chan struct{}),
	}
}

// Connect starts the pool's background idle-reap loop and establishes the
// minimum pool size.
func (p *Pool) Connect() error {
	p.wg.Add(1)
	go p.reapLoop()

	for i := uint64(0); i < p.cfg.MinPoolSize; i++ {
		conn, err := p.dial(context.Background(), p.Generation())
		if err != nil {
			continue
		}
		p.checkin(conn)
	}
	return nil
}

func (p *Pool) dial(ctx context.Context, generation uint64) (*Connection, error) {
	opts := append(append([]Option(nil), p.cfg.ConnectOptions...), WithIdleTimeout(p.cfg.MaxIdleTime))
	conn, err := New(ctx, p.addr, opts...)
	if err != nil {
		return nil, err
	}
	conn.generation = generation
	return conn, nil
}

// Checkout returns an idle connection or dials a new one, blocking until
// the pool has capacity (spec.md §5 "Connection checkout is a blocking
// operation").
func (p *Pool) Checkout(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	generation := p.generation
	for e := p.idle.Front(); e != nil; e = e.Next() {
		conn := e.Value.(*Connection)
		p.idle.Remove(e)
		if conn.generation != generation || conn.expired() || !conn.alive() {
			conn.close()
			continue
		}
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, generation)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return conn, nil
}

// Checkin returns conn to the pool's idle list, or closes it if the pool
// has since been cleared/closed or conn is no longer alive.
func (p *Pool) Checkin(conn *Connection) error {
	p.mu.Lock()
	closed := p.closed
	stale := conn.generation != p.generation
	p.mu.Unlock()
	if closed || stale || !conn.alive() {
		conn.close()
		p.sem.Release(1)
		return nil
	}
	p.checkin(conn)
	p.sem.Release(1)
	return nil
}

func (p *Pool) checkin(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.bumpIdle()
	p.idle.PushBack(conn)
}

// Clear invalidates every idle connection and bumps the generation so that
// in-flight connections checked back in after this call are discarded
// instead of reused (spec.md §4.6: "pool.clear()" on SDAM invalidation).
func (p *Pool) Clear() {
	p.mu.Lock()
	p.generation++
	idle := p.idle
	p.idle = list.New()
	p.mu.Unlock()

	for e := idle.Front(); e != nil; e = e.Next() {
		e.Value.(*Connection).close()
	}
}

// Generation returns the pool's current generation counter.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Disconnect closes the pool: no further checkouts succeed, and every idle
// connection is closed. It waits (bounded by ctx) for the reap loop to
// exit.
func (p *Pool) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = list.New()
	p.mu.Unlock()

	for e := idle.Front(); e != nil; e = e.Next() {
		e.Value.(*Connection).close()
	}

	p.closeOnce.Do(func() { close(p.done) })

	waitDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	var expired []*Connection
	for e := p.idle.Front(); e != nil; {
		next := e.Next()
		conn := e.Value.(*Connection)
		if conn.expired() {
			p.idle.Remove(e)
			expired = append(expired, conn)
		}
		e = next
	}
	p.mu.Unlock()

	for _, conn := range expired {
		conn.close()
	}
}
