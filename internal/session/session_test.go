// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/wiremessage"
)

func noTimeout() *int64 { return nil }

func tenMinuteTimeout() *int64 {
	v := int64(10)
	return &v
}

func TestPoolCheckoutReusesMostRecentlyCheckedIn(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	a := pool.Checkout()
	pool.Checkin(a)
	b := pool.Checkout()
	assert.Equal(t, a.ID, b.ID)
}

func TestPoolCheckoutDiscardsExpiredSessions(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	a := pool.Checkout()
	a.LastUse = time.Now().Add(-time.Hour)
	pool.Checkin(a)

	b := pool.Checkout()
	assert.NotEqual(t, a.ID, b.ID)
}

func TestPoolIgnoresExpiryWhenTimeoutUnset(t *testing.T) {
	pool := NewPool(noTimeout)
	a := pool.Checkout()
	a.LastUse = time.Now().Add(-24 * time.Hour)
	pool.Checkin(a)

	b := pool.Checkout()
	assert.Equal(t, a.ID, b.ID)
}

func TestStartTransactionIncrementsTxnNum(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{RetryWrites: true})

	require.NoError(t, sess.StartTransaction())
	assert.Equal(t, StartingTransaction, sess.State())
	assert.EqualValues(t, 1, sess.ss.TxnNum)

	require.Error(t, sess.StartTransaction(), "cannot start a transaction while one is already starting")
}

func TestBindAddsLsidAndTxnNumber(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{RetryWrites: true})

	b := bsoncore.NewDocumentBuilder().AppendInt32("ping", 1)
	b = sess.Bind(b)
	doc := b.Build()

	_, err := doc.LookupErr("lsid")
	require.NoError(t, err)
	v, err := doc.LookupErr("txnNumber")
	require.NoError(t, err)
	n, ok := v.Int64OK()
	require.True(t, ok)
	assert.EqualValues(t, 0, n)
}

func TestBindStartingTransactionSetsFlags(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{})
	require.NoError(t, sess.StartTransaction())

	doc := sess.Bind(bsoncore.NewDocumentBuilder().AppendInt32("insert", 1)).Build()

	v, err := doc.LookupErr("startTransaction")
	require.NoError(t, err)
	started, ok := v.BooleanOK()
	require.True(t, ok)
	assert.True(t, started)

	assert.Equal(t, TransactionInProgress, sess.State())
}

func TestUpdateAdvancesOperationTimeMonotonically(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{})

	reply := bsoncore.NewDocumentBuilder().AppendTimestamp("operationTime", 100, 2).Build()
	sess.Update(reply, true)
	assert.Equal(t, Timestamp{T: 100, I: 2}, sess.OperationTime())

	older := bsoncore.NewDocumentBuilder().AppendTimestamp("operationTime", 50, 9).Build()
	sess.Update(older, true)
	assert.Equal(t, Timestamp{T: 100, I: 2}, sess.OperationTime(), "operationTime must never move backwards")

	newer := bsoncore.NewDocumentBuilder().AppendTimestamp("operationTime", 100, 5).Build()
	sess.Update(newer, true)
	assert.Equal(t, Timestamp{T: 100, I: 5}, sess.OperationTime())
}

func TestCommitEmptyTransactionSkipsNetworkIO(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{})
	require.NoError(t, sess.StartTransaction())

	err := sess.CommitTransaction(context.Background(), nil, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, TransactionCommitted, sess.State())
}

// fakeConn is a minimal wirecmd.Conn that replies ok:1 to any command, used
// to exercise the non-empty commit/abort paths without a real socket.
type fakeConn struct {
	reqID int32
	sent  []string
}

func (f *fakeConn) NextRequestID() int32 {
	f.reqID++
	return f.reqID
}

func (f *fakeConn) WriteWireMessage(ctx context.Context, wm []byte, commandName string) error {
	f.sent = append(f.sent, commandName)
	return nil
}

func (f *fakeConn) ReadWireMessage(ctx context.Context) ([]byte, error) {
	reply := bsoncore.NewDocumentBuilder().AppendInt32("ok", 1).Build()
	return wiremessage.EncodeMsg(f.reqID, 0, []wiremessage.Section{
		{Type: wiremessage.SingleDocument, Documents: []bsoncore.Document{reply}},
	}), nil
}

func TestCommitInProgressTransactionSendsCommand(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{})
	require.NoError(t, sess.StartTransaction())
	_ = sess.Bind(bsoncore.NewDocumentBuilder().AppendInt32("insert", 1)).Build() // moves to TransactionInProgress

	conn := &fakeConn{}
	err := sess.CommitTransaction(context.Background(), conn, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, TransactionCommitted, sess.State())
	assert.Contains(t, conn.sent, "commitTransaction")
}

func TestAbortTransactionIsBestEffort(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{})
	require.NoError(t, sess.StartTransaction())
	_ = sess.Bind(bsoncore.NewDocumentBuilder().AppendInt32("insert", 1)).Build()

	conn := &fakeConn{}
	sess.AbortTransaction(context.Background(), conn)
	assert.Equal(t, TransactionAborted, sess.State())
	assert.Contains(t, conn.sent, "abortTransaction")
}

func TestPinIsStickyUntilUnpin(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{})

	_, ok := sess.PinnedAddress()
	assert.False(t, ok, "a fresh session is not pinned")

	sess.Pin(address.Address("mongos1:27017"))
	sess.Pin(address.Address("mongos2:27017")) // second Pin must not move it
	addr, ok := sess.PinnedAddress()
	require.True(t, ok)
	assert.EqualValues(t, "mongos1:27017", addr)

	sess.Unpin()
	_, ok = sess.PinnedAddress()
	assert.False(t, ok)
}

func TestCommitTransactionUnpinsOnSuccess(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{})
	require.NoError(t, sess.StartTransaction())
	_ = sess.Bind(bsoncore.NewDocumentBuilder().AppendInt32("insert", 1)).Build()
	sess.Pin(address.Address("mongos1:27017"))

	conn := &fakeConn{}
	require.NoError(t, sess.CommitTransaction(context.Background(), conn, nil, time.Now()))

	_, ok := sess.PinnedAddress()
	assert.False(t, ok, "commit must release the pin")
}

func TestAbortTransactionUnpins(t *testing.T) {
	pool := NewPool(tenMinuteTimeout)
	sess := Start(pool, Options{})
	require.NoError(t, sess.StartTransaction())
	_ = sess.Bind(bsoncore.NewDocumentBuilder().AppendInt32("insert", 1)).Build()
	sess.Pin(address.Address("mongos1:27017"))

	conn := &fakeConn{}
	sess.AbortTransaction(context.Background(), conn)

	_, ok := sess.PinnedAddress()
	assert.False(t, ok, "abort must release the pin")
}
