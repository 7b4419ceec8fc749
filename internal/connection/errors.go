// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connection implements a single TCP/TLS/Unix-domain-socket
// connection to a MongoDB server: request-id allocation, synchronous
// send/receive framing, and the post-dial handshake (spec.md §4.2).
package connection

import (
	"errors"
	"fmt"

	"github.com/driftwood-db/mongowire/address"
)

// ErrPoolClosed occurs when a connection pool checkout is attempted after
// the pool has been closed (spec.md §8 "No work after close").
var ErrPoolClosed = errors.New("connection pool is closed")

// ErrConnectionClosed occurs when an operation is attempted on an already
// closed Connection.
var ErrConnectionClosed = errors.New("connection is closed")

// ErrWrongPool occurs when a connection is returned to a pool other than
// the one that produced it.
var ErrWrongPool = errors.New("connection does not belong to this pool")

// Error is the typed transport fault described in spec.md §4.2/§7: every
// send or receive failure surfaces as one of these, tagged tcp or ssl.
type Error struct {
	Tag     string // "tcp" or "ssl"
	Action  string // e.g. "dial", "write", "read", "handshake"
	Addr    address.Address
	Wrapped error

	// Init indicates the failure happened before the connection finished
	// its handshake; SDAM uses this to decide how to classify the server.
	Init bool
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("connection(%s) %s %s: %v", e.Addr, e.Tag, e.Action, e.Wrapped)
	}
	return fmt.Sprintf("connection(%s) %s %s", e.Addr, e.Tag, e.Action)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Resumable reports whether this class of error is considered transient at
// the transport layer (spec.md §7: "resumable = true for tcp; false for
// ssl-handshake").
func (e *Error) Resumable() bool {
	return e.Tag == "tcp"
}
