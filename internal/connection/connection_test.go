// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/wiremessage"
	"github.com/stretchr/testify/require"
)

// echoServer accepts one connection and echoes back whatever wire message
// it reads, exercising the partial-read framing loop described in
// spec.md §4.1.
func echoServer(t *testing.T) (address.Address, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var sizeBuf [4]byte
			if _, err := io.ReadFull(conn, sizeBuf[:]); err != nil {
				return
			}
			size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
			rest := make([]byte, size-4)
			if _, err := io.ReadFull(conn, rest); err != nil {
				return
			}
			full := append(sizeBuf[:], rest...)
			// write the response split across two short writes to
			// exercise partial-read handling on the client side.
			mid := len(full) / 2
			if _, err := conn.Write(full[:mid]); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
			if _, err := conn.Write(full[mid:]); err != nil {
				return
			}
		}
	}()

	return address.Address(ln.Addr().String()), func() { ln.Close() }
}

func TestConnectionWriteReadRoundTrip(t *testing.T) {
	addr, closeFn := echoServer(t)
	defer closeFn()

	conn, err := New(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, 1, 0, wiremessage.OpMsg)
	dst = append(dst, []byte("hello world padding to be realistic")...)
	dst = wiremessage.UpdateLength(dst, idx, int32(len(dst)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, conn.WriteWireMessage(ctx, dst, "find"))

	resp, err := conn.ReadWireMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, dst, resp)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	addr, closeFn := echoServer(t)
	defer closeFn()

	conn, err := New(context.Background(), addr)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
}

func TestConnectionDialFailure(t *testing.T) {
	_, err := New(context.Background(), address.Address("127.0.0.1:1"), WithConnectTimeout(200*time.Millisecond))
	require.Error(t, err)
	var connErr *Error
	require.ErrorAs(t, err, &connErr)
	require.True(t, connErr.Init)
}
