// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/connection"
	"github.com/driftwood-db/mongowire/internal/description"
	"github.com/driftwood-db/mongowire/internal/wirecmd"
	"github.com/driftwood-db/mongowire/internal/wiremessage"
)

const streamingWireVersion = 9
const streamingMaxAwaitMS = int64(10000)

// monitor runs the periodic hello polling loop for one server, upgrading to
// a concurrent streaming monitor once the server proves it supports
// awaitable hello (spec.md §4.4, §4.5).
type monitor struct {
	addr address.Address
	cfg  *Config
	push func(description.Server)

	checkNow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	streaming bool
}

func newMonitor(addr address.Address, cfg *Config, push func(description.Server)) *monitor {
	return &monitor{
		addr:     addr,
		cfg:      cfg,
		push:     push,
		checkNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (m *monitor) start() {
	m.wg.Add(1)
	go m.run()
}

// requestCheck wakes the polling loop immediately, used by
// Topology.markServerUnknown (spec.md §4.6 "triggers an immediate monitor
// check").
func (m *monitor) requestCheck() {
	select {
	case m.checkNow <- struct{}{}:
	default:
	}
}

func (m *monitor) stop() {
	close(m.done)
	m.wg.Wait()
}

func (m *monitor) run() {
	defer m.wg.Done()
	var conn *connection.Connection
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		var unknown bool
		conn, unknown = m.poll(conn)

		interval := m.cfg.HeartbeatInterval
		if unknown {
			interval = m.cfg.MinHeartbeatInterval
		}

		select {
		case <-m.done:
			return
		case <-time.After(interval):
		case <-m.checkNow:
		}
	}
}

// poll sends one hello on conn (dialing a fresh monitoring connection if
// conn is nil or dead), folds the RTT, and pushes the resulting
// ServerDescription. It returns the (possibly redialed) connection and
// whether the result was Unknown, which drives the heartbeat backoff
// (spec.md §4.4 "Failure semantics").
func (m *monitor) poll(conn *connection.Connection) (*connection.Connection, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	if conn == nil {
		newConn, err := connection.New(ctx, m.addr,
			connection.WithConnectTimeout(m.cfg.ConnectTimeout))
		if err != nil {
			m.push(description.NewServerFromError(m.addr, err, nil))
			return nil, true
		}
		conn = newConn
	}

	start := time.Now()
	cmd := buildHelloCommand(m.cfg.AppName, m.cfg.Compressors, nil, 0)
	reply, err := wirecmd.Run(ctx, conn, "hello", cmd)
	rtt := time.Since(start)
	if err != nil {
		conn.Close()
		m.push(description.NewServerFromError(m.addr, err, nil))
		return nil, true
	}

	desc := parseHelloReply(m.addr, reply)
	desc = desc.SetAverageRTT(rtt)
	m.push(desc)

	m.mu.Lock()
	alreadyStreaming := m.streaming
	if !alreadyStreaming && desc.MaxWireVersion >= streamingWireVersion {
		m.streaming = true
	}
	shouldStart := m.streaming && !alreadyStreaming
	m.mu.Unlock()

	if shouldStart {
		m.wg.Add(1)
		go m.streamLoop(desc.TopologyVersion)
	}

	return conn, desc.Kind == description.Unknown
}

// streamLoop runs the awaitable-hello exhaust loop on its own dedicated
// connection, concurrently with the polling loop above (spec.md §4.5).
func (m *monitor) streamLoop(tv *description.TopologyVersion) {
	defer m.wg.Done()

	backoff := 500 * time.Millisecond
	for {
		select {
		case <-m.done:
			return
		default:
		}

		conn, err := connection.New(context.Background(), m.addr,
			connection.WithConnectTimeout(m.cfg.ConnectTimeout))
		if err != nil {
			m.push(description.NewServerFromError(m.addr, err, tv))
			if m.sleepOrDone(backoff) {
				return
			}
			continue
		}

		tv = m.streamOnce(conn, tv)
		conn.Close()
	}
}

// streamOnce issues one awaitable hello and then keeps reading moreToCome
// replies off the same socket until the server stops setting the flag,
// returning the last seen topologyVersion for the next round (spec.md
// §4.5: "while moreToCome is set, the monitor reads further replies on the
// same socket").
func (m *monitor) streamOnce(conn *connection.Connection, tv *description.TopologyVersion) *description.TopologyVersion {
	timeout := 2 * time.Duration(streamingMaxAwaitMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := buildHelloCommand(m.cfg.AppName, m.cfg.Compressors, tv, streamingMaxAwaitMS)
	wm := wiremessage.EncodeMsg(conn.NextRequestID(), 0, []wiremessage.Section{
		{Type: wiremessage.SingleDocument, Documents: []bsoncore.Document{cmd}},
	})
	if err := conn.WriteWireMessage(ctx, wm, "hello"); err != nil {
		m.push(description.NewServerFromError(m.addr, err, tv))
		return tv
	}

	for {
		resp, err := conn.ReadWireMessage(ctx)
		if err != nil {
			m.push(description.NewServerFromError(m.addr, err, tv))
			return tv
		}
		_, _, _, opcode, body, ok := wiremessage.ReadHeader(resp)
		if !ok || opcode != wiremessage.OpMsg {
			return tv
		}
		flags, sections, err := wiremessage.DecodeMsg(body)
		if err != nil {
			return tv
		}
		for _, sec := range sections {
			if sec.Type == wiremessage.SingleDocument && len(sec.Documents) == 1 {
				desc := parseHelloReply(m.addr, sec.Documents[0])
				tv = desc.TopologyVersion
				m.push(desc)
			}
		}
		if flags&wiremessage.MoreToCome == 0 {
			return tv
		}
	}
}

func (m *monitor) sleepOrDone(d time.Duration) bool {
	select {
	case <-m.done:
		return true
	case <-time.After(d):
		return false
	}
}
