// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/description"
	"github.com/driftwood-db/mongowire/internal/wiremessage"
)

const (
	stateDialing int32 = iota
	stateConnected
	stateClosed
)

var globalConnID uint64

func nextID() uint64 { return atomic.AddUint64(&globalConnID, 1) }

// Connection is a single socket to a MongoDB server. It is not safe for
// concurrent use: the wire protocol is strictly request/reply on one
// socket, so callers serialize access the same way the MongoDB server
// expects (spec.md §4.2 "Contract: single-threaded on the wire").
type Connection struct {
	id    string
	addr  address.Address
	cfg   *config
	state int32

	nc net.Conn

	desc       description.Server
	compressor wiremessage.CompressorID
	generation uint64

	requestID int32

	idleStart atomic.Value // time.Time
}

// New dials addr and performs the handshake. It does not return until the
// handshake completes or fails.
func New(ctx context.Context, addr address.Address, opts ...Option) (*Connection, error) {
	cfg := newConfig(opts...)
	c := &Connection{
		id:    fmt.Sprintf("%s[-%d]", addr, nextID()),
		addr:  addr,
		cfg:   cfg,
		state: stateDialing,
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.connectTimeout)
		defer cancel()
	}

	nc, err := cfg.dialer.DialContext(dialCtx, addr.Network(), addr.String())
	if err != nil {
		return nil, &Error{Tag: "tcp", Action: "dial", Addr: addr, Wrapped: err, Init: true}
	}

	if cfg.tlsConfig != nil {
		tlsConn := tlsClient(nc, cfg.tlsConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			nc.Close()
			return nil, &Error{Tag: "ssl", Action: "handshake", Addr: addr, Wrapped: err, Init: true}
		}
		state := tlsConn.ConnectionState()
		if err := verifyOCSPStaple(&state); err != nil {
			tlsConn.Close()
			return nil, &Error{Tag: "ssl", Action: "handshake", Addr: addr, Wrapped: err, Init: true}
		}
		nc = tlsConn
	}

	c.nc = nc
	atomic.StoreInt32(&c.state, stateConnected)
	c.bumpIdle()

	if cfg.handshaker != nil {
		desc, err := cfg.handshaker.Handshake(ctx, addr, c)
		if err != nil {
			c.close()
			return nil, &Error{Tag: "tcp", Action: "handshake", Addr: addr, Wrapped: err, Init: true}
		}
		c.desc = desc
		if len(desc.Compression) > 0 {
			for _, name := range cfg.compressors {
				if id, ok := wiremessage.CompressorByName(name); ok {
					for _, serverName := range desc.Compression {
						if name == serverName {
							c.compressor = id
							break
						}
					}
				}
				if c.compressor != wiremessage.CompressorNoOp {
					break
				}
			}
		}
	}

	return c, nil
}

// ID returns the connection's driver-assigned identifier, used in log
// messages and pool events.
func (c *Connection) ID() string { return c.id }

// Address returns the server address this connection is dialed to.
func (c *Connection) Address() address.Address { return c.addr }

// Generation returns the pool generation this connection was dialed under.
func (c *Connection) Generation() uint64 { return c.generation }

// Description returns the server description produced during the
// handshake.
func (c *Connection) Description() description.Server { return c.desc }

func (c *Connection) alive() bool {
	return atomic.LoadInt32(&c.state) == stateConnected
}

// NextRequestID allocates the next 32-bit request id for this connection.
// Wraparound is safe because the outstanding-request window never
// approaches 2^32 in-flight commands (spec.md §4.2).
func (c *Connection) NextRequestID() int32 {
	return atomic.AddInt32(&c.requestID, 1)
}

// WriteWireMessage sends wm, optionally wrapped in OP_COMPRESSED if a
// compressor has been negotiated and the payload is eligible (spec.md
// §4.1).
func (c *Connection) WriteWireMessage(ctx context.Context, wm []byte, commandName string) error {
	if !c.alive() {
		return &Error{Tag: "tcp", Action: "write", Addr: c.addr, Wrapped: ErrConnectionClosed}
	}

	if c.compressor != wiremessage.CompressorNoOp && wiremessage.ShouldCompress(commandName, len(wm)) {
		compressed, err := c.compressMessage(wm)
		if err != nil {
			return err
		}
		wm = compressed
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(deadline)
	} else if c.cfg.writeTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}

	if _, err := c.nc.Write(wm); err != nil {
		c.close()
		return &Error{Tag: "tcp", Action: "write", Addr: c.addr, Wrapped: err}
	}
	c.bumpIdle()
	return nil
}

func (c *Connection) compressMessage(wm []byte) ([]byte, error) {
	_, reqID, respTo, origCode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return nil, errors.New("wire message too short to compress")
	}
	compressed, err := wiremessage.Compress(rem, wiremessage.CompressionOpts{Compressor: c.compressor})
	if err != nil {
		return nil, err
	}
	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, reqID, respTo, wiremessage.OpCompressed)
	dst = wiremessage.AppendCompressedOriginalOpCode(dst, origCode)
	dst = wiremessage.AppendCompressedUncompressedSize(dst, int32(len(rem)))
	dst = wiremessage.AppendCompressedCompressorID(dst, c.compressor)
	dst = wiremessage.AppendCompressedCompressedMessage(dst, compressed)
	return wiremessage.UpdateLength(dst, idx, int32(len(dst))), nil
}

// ReadWireMessage reads one full frame from the connection, decompressing
// it first if it arrived as OP_COMPRESSED. The framing rule in spec.md
// §4.1 ("read exactly 16 bytes ... loop") is implemented via io.ReadFull,
// which itself loops over partial reads.
func (c *Connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	if !c.alive() {
		return nil, &Error{Tag: "tcp", Action: "read", Addr: c.addr, Wrapped: ErrConnectionClosed}
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(deadline)
	} else if c.cfg.readTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.cfg.readTimeout))
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}

	wm, err := c.readFrame()
	if err != nil {
		c.close()
		return nil, &Error{Tag: "tcp", Action: "read", Addr: c.addr, Wrapped: err}
	}
	c.bumpIdle()

	_, _, _, opcode, body, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return wm, nil
	}
	if opcode != wiremessage.OpCompressed {
		return wm, nil
	}

	origCode, body, ok := wiremessage.ReadCompressedOriginalOpCode(body)
	if !ok {
		return nil, errors.New("malformed OP_COMPRESSED header")
	}
	uncompressedSize, body, ok := wiremessage.ReadCompressedUncompressedSize(body)
	if !ok {
		return nil, errors.New("malformed OP_COMPRESSED header")
	}
	compressorID, body, ok := wiremessage.ReadCompressedCompressorID(body)
	if !ok {
		return nil, errors.New("malformed OP_COMPRESSED header")
	}
	payload, err := wiremessage.Decompress(body, compressorID, uncompressedSize)
	if err != nil {
		return nil, err
	}

	_, reqID, respTo, _, _, _ := wiremessage.ReadHeader(wm)
	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, reqID, respTo, origCode)
	dst = append(dst, payload...)
	return wiremessage.UpdateLength(dst, idx, int32(len(dst))), nil
}

func (c *Connection) readFrame() ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < 16 {
		return nil, fmt.Errorf("malformed message length: %d", size)
	}
	dst := make([]byte, size)
	copy(dst, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, dst[4:]); err != nil {
		return nil, err
	}
	return dst, nil
}

func (c *Connection) bumpIdle() {
	c.idleStart.Store(time.Now())
}

func (c *Connection) idleFor() time.Duration {
	v, ok := c.idleStart.Load().(time.Time)
	if !ok {
		return 0
	}
	return time.Since(v)
}

func (c *Connection) expired() bool {
	if c.cfg.idleTimeout <= 0 {
		return false
	}
	return c.idleFor() > c.cfg.idleTimeout
}

// Close closes the underlying socket. It is idempotent.
func (c *Connection) Close() error { return c.close() }

func (c *Connection) close() error {
	if !atomic.CompareAndSwapInt32(&c.state, stateConnected, stateClosed) {
		atomic.StoreInt32(&c.state, stateClosed)
		return nil
	}
	if c.nc != nil {
		return c.nc.Close()
	}
	return nil
}
