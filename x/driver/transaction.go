// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/driftwood-db/mongowire/internal/description"
	"github.com/driftwood-db/mongowire/internal/session"
	"github.com/driftwood-db/mongowire/internal/topology"
)

// defaultTransactionRetryTimeout bounds how long WithTransaction keeps
// replaying its closure after a TransientTransactionError (spec.md §4.9
// step 6, §7 "transactionRetryTimeoutS (default 120 s)").
const defaultTransactionRetryTimeout = 120 * time.Second

// WithTransaction runs fn inside a transaction started on sess, committing
// once fn returns nil. Every error from fn aborts the transaction. A
// TransientTransactionError from either fn or the commit (the latter also
// aborted first) replays the whole closure from a fresh StartTransaction,
// bounded by defaultTransactionRetryTimeout; any other error is returned
// as-is, and a failed commit is then not aborted (spec.md §4.9 step 6 "inside a
// with-transaction wrapper: the wrapper retries the whole block, bounded
// by transactionRetryTimeoutS", §8 scenario 4).
func WithTransaction(ctx context.Context, d *Dispatcher, sess *session.Session, writeConcern bsoncore.Document, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(defaultTransactionRetryTimeout)

	for {
		if err := sess.StartTransaction(); err != nil {
			return err
		}

		if err := fn(ctx); err != nil {
			d.abortTransaction(ctx, sess)
			if IsTransientTransactionError(err) && time.Now().Before(deadline) {
				continue
			}
			return err
		}

		if err := d.commitTransaction(ctx, sess, writeConcern); err != nil {
			if IsTransientTransactionError(err) && time.Now().Before(deadline) {
				// A failed commit leaves the session in TransactionInProgress;
				// abort so the next StartTransaction is accepted.
				d.abortTransaction(ctx, sess)
				continue
			}
			return err
		}
		return nil
	}
}

// commitTransaction selects the server sess is pinned to (or a fresh
// primary if unpinned) and runs commitTransaction on it.
func (d *Dispatcher) commitTransaction(ctx context.Context, sess *session.Session, writeConcern bsoncore.Document) error {
	sel, err := d.selectForSession(ctx, sess)
	if err != nil {
		return err
	}
	conn, err := sel.Checkout(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sel.Checkin(conn) }()

	return sess.CommitTransaction(ctx, conn, writeConcern, time.Now())
}

// abortTransaction selects the server sess is pinned to (or a fresh
// primary if unpinned) and sends a best-effort abortTransaction. A
// selection or checkout failure is swallowed, matching
// Session.AbortTransaction's own best-effort contract.
func (d *Dispatcher) abortTransaction(ctx context.Context, sess *session.Session) {
	sel, err := d.selectForSession(ctx, sess)
	if err != nil {
		return
	}
	conn, err := sel.Checkout(ctx)
	if err != nil {
		return
	}
	defer func() { _ = sel.Checkin(conn) }()

	sess.AbortTransaction(ctx, conn)
}

// selectForSession picks the server a commit/abort on sess must use: its
// pinned address if one was set during the transaction (spec.md §5, the
// sharded-transaction pinning case), otherwise a fresh primary selection.
func (d *Dispatcher) selectForSession(ctx context.Context, sess *session.Session) (*topology.SelectedServer, error) {
	if addr, ok := sess.PinnedAddress(); ok {
		return d.Topo.SelectPinned(addr)
	}
	return d.Topo.SelectServer(ctx, description.WriteOp, description.ReadPreference{})
}
