// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/driftwood-db/mongowire/internal/description"
	"github.com/driftwood-db/mongowire/internal/logger"
	"github.com/driftwood-db/mongowire/internal/session"
	"github.com/driftwood-db/mongowire/internal/topology"
	"github.com/driftwood-db/mongowire/internal/wirecmd"
)

// Dispatcher issues commands through a Topology, handling implicit session
// management and the bounded single-retry rules of spec.md §4.9.
type Dispatcher struct {
	Topo        *topology.Topology
	RetryReads  bool
	RetryWrites bool

	// Log, if non-nil, receives a CommandStarted/Succeeded/Failed message
	// around every attempt, gated by its own component levels.
	Log *logger.Logger
}

// New builds a Dispatcher bound to topo.
func New(topo *topology.Topology, retryReads, retryWrites bool) *Dispatcher {
	return &Dispatcher{Topo: topo, RetryReads: retryReads, RetryWrites: retryWrites}
}

// Build constructs a command document; implementations start from
// bsoncore.NewDocumentBuilder(), append their own fields, and return the
// builder unbuilt so Dispatcher can still append session/transaction
// fields before the final Build() call.
type Build func(b *bsoncore.DocumentBuilder) *bsoncore.DocumentBuilder

// CommandOptions customizes one IssueCommand call.
type CommandOptions struct {
	// Session is used verbatim if non-nil; otherwise an implicit one is
	// checked out of Topo.Sessions for the duration of the call.
	Session *session.Session
	// AckWriteConcern controls whether the reply's operationTime is folded
	// back into the session (spec.md §4.8 "if write concern was
	// acknowledged").
	AckWriteConcern bool
	ReadPreference  description.ReadPreference
	// Pin requests that, once a server is selected for this call, the
	// session is pinned to it so every later call reusing this Session
	// routes to the same server instead of re-running selection (spec.md
	// §5; required for cursors' getMore/killCursors and, once a sharded
	// deployment is detected, for the whole of a transaction).
	Pin bool
}

// IssueCommand sends one command, retrying at most once per spec.md §4.9.
// commandName must equal the command's first key, since that is both what
// the wire codec reports in logs and what the getMore exclusion checks
// against.
func (d *Dispatcher) IssueCommand(ctx context.Context, kind description.OperationKind, commandName string, build Build, opts CommandOptions) (bsoncore.Document, error) {
	sess := opts.Session
	implicit := sess == nil
	if implicit {
		sess = session.Start(d.Topo.Sessions, session.Options{RetryWrites: d.RetryWrites})
		defer sess.EndSession()
	}

	reply, err := d.attempt(ctx, kind, build, sess, opts)
	if err == nil {
		return reply, nil
	}

	retry := false
	switch kind {
	case description.ReadOp:
		retry = d.RetryReads && IsRetryableRead(err) && commandName != "getMore"
	case description.WriteOp:
		retry = d.RetryWrites && IsRetryableWrite(err) && opts.AckWriteConcern
	}
	if !retry {
		return nil, err
	}

	return d.attempt(ctx, kind, build, sess, opts)
}

func (d *Dispatcher) attempt(ctx context.Context, kind description.OperationKind, build Build, sess *session.Session, opts CommandOptions) (bsoncore.Document, error) {
	var sel *topology.SelectedServer
	var err error
	if addr, ok := sess.PinnedAddress(); ok {
		sel, err = d.Topo.SelectPinned(addr)
	} else {
		sel, err = d.Topo.SelectServer(ctx, kind, opts.ReadPreference)
	}
	if err != nil {
		return nil, err
	}
	conn, err := sel.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sel.Checkin(conn) }()

	inTransaction := sess.State() == session.StartingTransaction || sess.State() == session.TransactionInProgress
	if opts.Pin || (inTransaction && d.Topo.Description().Kind == description.Sharded) {
		sess.Pin(sel.Addr)
	}

	b := sess.Bind(build(bsoncore.NewDocumentBuilder()))
	doc := b.Build()
	name := firstKey(doc)

	// wirecmd.Run allocates the actual wire request id internally, so the
	// started/succeeded/failed log trio below shares a reqID drawn from a
	// process-wide counter for correlation rather than the literal id placed
	// on the wire.
	reqID := connLogID(conn)

	if d.Log != nil {
		d.Log.Print(logger.LevelDebug, &logger.CommandStartedMessage{
			CommandName:  name,
			RequestID:    reqID,
			ServerConnID: conn.ID(),
			Command:      doc,
		})
	}

	start := time.Now()
	reply, err := wirecmd.Run(ctx, conn, name, doc)
	elapsed := time.Since(start)

	if err != nil {
		var failure *wirecmd.CommandFailure
		if !errors.As(err, &failure) {
			d.Topo.MarkServerUnknown(sel.Addr, err)
		}
		if d.Log != nil {
			d.Log.Print(logger.LevelDebug, &logger.CommandFailedMessage{
				CommandName:  name,
				RequestID:    reqID,
				ServerConnID: conn.ID(),
				DurationNS:   elapsed.Nanoseconds(),
				Failure:      err.Error(),
			})
		}
		return nil, err
	}

	if d.Log != nil {
		d.Log.Print(logger.LevelDebug, &logger.CommandSucceededMessage{
			CommandName:  name,
			RequestID:    reqID,
			ServerConnID: conn.ID(),
			DurationNS:   elapsed.Nanoseconds(),
			Reply:        reply,
		})
	}

	sess.Update(reply, opts.AckWriteConcern)
	return reply, nil
}

func firstKey(doc bsoncore.Document) string {
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}
	return elems[0].Key()
}

var logCorrelationID int32

// connLogID allocates a correlation id for one started/succeeded/failed log
// trio. It is independent of the wire protocol's own per-connection request
// id, which wirecmd.Run allocates internally and never exposes to callers.
func connLogID(conn interface{ ID() string }) int32 {
	return atomic.AddInt32(&logCorrelationID, 1)
}
