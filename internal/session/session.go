// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/wirecmd"
)

// State is a Session's place in the transaction lifecycle (spec.md §4.8).
type State uint8

// Session states.
const (
	NoTransaction State = iota
	StartingTransaction
	TransactionInProgress
	TransactionCommitted
	TransactionAborted
)

// defaultCommitRetryTimeout bounds how long commitTransaction keeps retrying
// an UnknownTransactionCommitResult (spec.md §4.8 "default 120 s").
const defaultCommitRetryTimeout = 120 * time.Second

// Session is a per-operation handle wrapping a ServerSession plus the
// transaction and causal-consistency state layered on top of it (spec.md §3
// "Session").
type Session struct {
	pool *Pool
	ss   *ServerSession

	causalConsistency bool
	retryWrites       bool

	state State

	operationTime Timestamp
	clusterTime   Timestamp
	recoveryToken bsoncore.Document

	pinnedAddr address.Address
}

// Pin fixes addr as the server every subsequent operation on this session
// must use, if the session is not already pinned (spec.md §5 "a Connection
// may be pinned (required for sharded transactions: the same mongos
// receives all ops and the commit)"; the same mechanism keeps a Cursor's
// getMore/killCursors on the server that produced the cursorId).
func (s *Session) Pin(addr address.Address) {
	if s.pinnedAddr == "" {
		s.pinnedAddr = addr
	}
}

// PinnedAddress returns the server this session is pinned to, if any.
func (s *Session) PinnedAddress() (address.Address, bool) {
	return s.pinnedAddr, s.pinnedAddr != ""
}

// Unpin clears the pinned address, resuming normal server selection.
func (s *Session) Unpin() {
	s.pinnedAddr = ""
}

// Options configures a new Session.
type Options struct {
	CausalConsistency bool
	RetryWrites       bool
}

// Start checks an implicit ServerSession out of pool and wraps it in a
// Session. Call EndSession to return it.
func Start(pool *Pool, opts Options) *Session {
	return &Session{
		pool:              pool,
		ss:                pool.Checkout(),
		causalConsistency: opts.CausalConsistency,
		retryWrites:       opts.RetryWrites,
	}
}

// EndSession returns the underlying ServerSession to its pool. Safe to call
// once; a subsequent call is a no-op.
func (s *Session) EndSession() {
	if s.pool == nil || s.ss == nil {
		return
	}
	s.pool.Checkin(s.ss)
	s.ss = nil
}

// State reports the session's current transaction state.
func (s *Session) State() State {
	return s.state
}

// OperationTime returns the session's cached operationTime.
func (s *Session) OperationTime() Timestamp {
	return s.operationTime
}

// StartTransaction moves the session into StartingTransaction and
// increments its transaction number, from any of the terminal/no-tx states
// (spec.md §4.8 "from committed/aborted/noTx a new startTransaction returns
// to startingTx and increments txnNum").
func (s *Session) StartTransaction() error {
	switch s.state {
	case StartingTransaction, TransactionInProgress:
		return errors.New("session: transaction already in progress")
	}
	s.ss.touch()
	s.ss.TxnNum++
	s.state = StartingTransaction
	s.recoveryToken = nil
	return nil
}

// Bind mutates the outgoing command being built by b, attaching session and
// transaction fields per the state machine, and returns the updated
// builder. The caller is responsible for omitting any caller-supplied
// read/write concern while StartingTransaction or TransactionInProgress,
// since the builder has no way to remove a field once appended (spec.md
// §4.8 "bindSession(cmd)").
func (s *Session) Bind(b *bsoncore.DocumentBuilder) *bsoncore.DocumentBuilder {
	s.ss.touch()

	lsid := bsoncore.NewDocumentBuilder().AppendBinary("id", 0x04, s.ss.ID[:]).Build()
	b = b.AppendDocument("lsid", lsid)

	if s.retryWrites {
		b = b.AppendInt64("txnNumber", s.ss.TxnNum)
	}

	if s.causalConsistency && !s.operationTime.IsZero() && s.state != StartingTransaction {
		rc := bsoncore.NewDocumentBuilder().
			AppendTimestamp("afterClusterTime", s.operationTime.T, s.operationTime.I).
			Build()
		b = b.AppendDocument("readConcern", rc)
	}

	switch s.state {
	case StartingTransaction:
		b = b.AppendBoolean("startTransaction", true)
		b = b.AppendBoolean("autocommit", false)
		if s.causalConsistency && !s.operationTime.IsZero() {
			b = b.AppendDocument("readConcern",
				bsoncore.NewDocumentBuilder().AppendTimestamp("afterClusterTime", s.operationTime.T, s.operationTime.I).Build())
		}
		s.state = TransactionInProgress
	case TransactionInProgress:
		b = b.AppendBoolean("autocommit", false)
	}

	return b
}

// Update folds a command reply into the session's cached state: advances
// operationTime monotonically and stashes any recoveryToken (spec.md §4.8
// "updateSession(reply)").
func (s *Session) Update(reply bsoncore.Document, writeConcernAcknowledged bool) {
	if writeConcernAcknowledged {
		if v, err := reply.LookupErr("operationTime"); err == nil {
			if t, i, ok := v.TimestampOK(); ok {
				s.operationTime = advance(s.operationTime, Timestamp{T: t, I: i})
			}
		}
	}
	if v, err := reply.LookupErr("recoveryToken"); err == nil {
		if doc, ok := v.DocumentOK(); ok {
			s.recoveryToken = doc
		}
	}
}

// commandRunner is the narrow surface Session needs to send
// commitTransaction/abortTransaction; satisfied by wirecmd.Conn through the
// connection selected for this operation.
type commandRunner = wirecmd.Conn

// CommitTransaction commits the current transaction (spec.md §4.8
// "commitTransaction(startTime)"). An empty transaction (one that never
// left StartingTransaction) commits with no network I/O.
func (s *Session) CommitTransaction(ctx context.Context, conn commandRunner, writeConcern bsoncore.Document, startTime time.Time) error {
	switch s.state {
	case StartingTransaction:
		s.state = TransactionCommitted
		s.Unpin()
		return nil
	case TransactionInProgress, TransactionCommitted:
		// TransactionCommitted is allowed here too: retrying a commit that
		// already succeeded resends with majority write concern below.
	default:
		return errors.New("session: no transaction to commit")
	}

	wc := writeConcern
	recommit := s.state == TransactionCommitted
	deadline := startTime.Add(defaultCommitRetryTimeout)
	for attempt := 0; ; attempt++ {
		if attempt > 0 || recommit {
			wc = bsoncore.NewDocumentBuilder().AppendString("w", "majority").Build()
		}
		cmd := s.buildCommitCommand(wc)
		reply, err := wirecmd.Run(ctx, conn, "commitTransaction", cmd)
		if err == nil {
			s.state = TransactionCommitted
			s.Update(reply, true)
			s.Unpin()
			return nil
		}

		var failure *wirecmd.CommandFailure
		if errors.As(err, &failure) && failure.HasLabel("UnknownTransactionCommitResult") && time.Now().Before(deadline) {
			continue
		}
		return err
	}
}

func (s *Session) buildCommitCommand(writeConcern bsoncore.Document) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder().
		AppendInt32("commitTransaction", 1).
		AppendBoolean("autocommit", false)
	if len(writeConcern) > 0 {
		b = b.AppendDocument("writeConcern", writeConcern)
	}
	if len(s.recoveryToken) > 0 {
		b = b.AppendDocument("recoveryToken", s.recoveryToken)
	}
	b = b.AppendInt64("txnNumber", s.ss.TxnNum)
	b = b.AppendDocument("lsid", bsoncore.NewDocumentBuilder().AppendBinary("id", 0x04, s.ss.ID[:]).Build())
	b = b.AppendString("$db", "admin")
	return b.Build()
}

// AbortTransaction sends a best-effort abortTransaction; any error is
// swallowed, since the caller cannot act on it (spec.md §4.8
// "abortTransaction: best-effort, fire-and-forget").
func (s *Session) AbortTransaction(ctx context.Context, conn commandRunner) {
	if s.state != TransactionInProgress && s.state != StartingTransaction {
		return
	}
	if s.state == TransactionInProgress {
		cmd := bsoncore.NewDocumentBuilder().
			AppendInt32("abortTransaction", 1).
			AppendBoolean("autocommit", false).
			AppendInt64("txnNumber", s.ss.TxnNum).
			AppendDocument("lsid", bsoncore.NewDocumentBuilder().AppendBinary("id", 0x04, s.ss.ID[:]).Build()).
			AppendString("$db", "admin").
			Build()
		_, _ = wirecmd.Run(ctx, conn, "abortTransaction", cmd)
	}
	s.state = TransactionAborted
	s.Unpin()
}
