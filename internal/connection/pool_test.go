// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/driftwood-db/mongowire/address"
	"github.com/stretchr/testify/require"
)

func acceptForever(t *testing.T) (address.Address, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io_discard(conn)
		}
	}()
	return address.Address(ln.Addr().String()), func() { ln.Close() }
}

func io_discard(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func TestPoolCheckoutCheckinReuses(t *testing.T) {
	addr, closeFn := acceptForever(t)
	defer closeFn()

	pool := NewPool(PoolConfig{Address: addr, MaxPoolSize: 2})
	require.NoError(t, pool.Connect())
	defer pool.Disconnect(context.Background())

	conn1, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	id1 := conn1.ID()
	require.NoError(t, pool.Checkin(conn1))

	conn2, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	require.Equal(t, id1, conn2.ID(), "expected pooled connection to be reused")
	require.NoError(t, pool.Checkin(conn2))
}

func TestPoolCheckoutBlocksAtCapacity(t *testing.T) {
	addr, closeFn := acceptForever(t)
	defer closeFn()

	pool := NewPool(PoolConfig{Address: addr, MaxPoolSize: 1})
	require.NoError(t, pool.Connect())
	defer pool.Disconnect(context.Background())

	conn1, err := pool.Checkout(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = pool.Checkout(ctx)
	require.Error(t, err, "expected checkout to block until capacity frees up")

	require.NoError(t, pool.Checkin(conn1))
}

func TestPoolDisconnectRejectsFurtherCheckouts(t *testing.T) {
	addr, closeFn := acceptForever(t)
	defer closeFn()

	pool := NewPool(PoolConfig{Address: addr, MaxPoolSize: 2})
	require.NoError(t, pool.Connect())
	require.NoError(t, pool.Disconnect(context.Background()))

	_, err := pool.Checkout(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolClearDiscardsIdleConnections(t *testing.T) {
	addr, closeFn := acceptForever(t)
	defer closeFn()

	pool := NewPool(PoolConfig{Address: addr, MaxPoolSize: 2})
	require.NoError(t, pool.Connect())
	defer pool.Disconnect(context.Background())

	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Checkin(conn))

	before := pool.Generation()
	pool.Clear()
	require.Greater(t, pool.Generation(), before)
	require.False(t, conn.alive(), "expected idle connection to be closed by Clear")
}

func TestPoolClearInvalidatesInFlightConnectionOnCheckin(t *testing.T) {
	addr, closeFn := acceptForever(t)
	defer closeFn()

	pool := NewPool(PoolConfig{Address: addr, MaxPoolSize: 1})
	require.NoError(t, pool.Connect())
	defer pool.Disconnect(context.Background())

	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	staleGeneration := conn.Generation()

	pool.Clear()
	require.NoError(t, pool.Checkin(conn))

	next, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, staleGeneration, next.Generation())
}
