// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/driftwood-db/mongowire/internal/description"
	"github.com/driftwood-db/mongowire/internal/session"
)

// Cursor drives getMore pagination for a single server-side cursor (spec.md
// §3 "Cursor", §4.10).
type Cursor struct {
	dispatcher *Dispatcher
	sess       *session.Session
	ns         string
	batchSize  int32

	cursorID int64
	buffer   []bsoncore.Document
	closed   bool

	// resume is nil for a plain find/aggregate cursor.
	resume *changeStreamState
}

type changeStreamState struct {
	pipeline     func(resumeToken bsoncore.Document, operationTime *session.Timestamp) Build
	resumeToken  bsoncore.Document
	operationTime session.Timestamp
	onResumeToken func(bsoncore.Document)
}

// Open issues a find/aggregate/listIndexes-shaped command and wraps its
// reply in a Cursor, pinning sess to whichever server answers so every
// later getMore/killCursors on this cursor lands on that same server
// instead of re-running server selection (spec.md §5, §3 "Cursor").
func Open(ctx context.Context, d *Dispatcher, sess *session.Session, commandName string, build Build, batchSize int32) (*Cursor, error) {
	reply, err := d.IssueCommand(ctx, description.ReadOp, commandName, build, CommandOptions{Session: sess, Pin: true})
	if err != nil {
		return nil, err
	}
	return newCursorFromReply(d, sess, reply, batchSize)
}

// newCursorFromReply parses the {cursor:{id, ns, firstBatch}} shape common
// to find/aggregate/listIndexes replies.
func newCursorFromReply(d *Dispatcher, sess *session.Session, reply bsoncore.Document, batchSize int32) (*Cursor, error) {
	cv, err := reply.LookupErr("cursor")
	if err != nil {
		return nil, errors.New("driver: reply has no cursor field")
	}
	cdoc, ok := cv.DocumentOK()
	if !ok {
		return nil, errors.New("driver: cursor field is not a document")
	}

	idVal, err := cdoc.LookupErr("id")
	if err != nil {
		return nil, errors.New("driver: cursor document has no id")
	}
	id, ok := idVal.Int64OK()
	if !ok {
		return nil, errors.New("driver: cursor id is not int64")
	}

	nsVal, err := cdoc.LookupErr("ns")
	if err != nil {
		return nil, errors.New("driver: cursor document has no ns")
	}
	ns, ok := nsVal.StringValueOK()
	if !ok {
		return nil, errors.New("driver: cursor ns is not a string")
	}

	batchKey := "firstBatch"
	batchVal, err := cdoc.LookupErr(batchKey)
	if err != nil {
		return nil, errors.New("driver: cursor document has no firstBatch")
	}
	arr, ok := batchVal.ArrayOK()
	if !ok {
		return nil, errors.New("driver: firstBatch is not an array")
	}
	values, err := arr.Values()
	if err != nil {
		return nil, err
	}

	c := &Cursor{dispatcher: d, sess: sess, ns: ns, batchSize: batchSize, cursorID: id}
	for _, v := range values {
		if doc, ok := v.DocumentOK(); ok {
			c.buffer = append(c.buffer, doc)
		}
	}
	return c, nil
}

// Next returns the next document, fetching a new batch via getMore when the
// local buffer is empty and the cursor is not yet exhausted.
func (c *Cursor) Next(ctx context.Context) (bsoncore.Document, bool, error) {
	if len(c.buffer) == 0 && !c.closed {
		if c.cursorID == 0 {
			c.closed = true
			return nil, false, nil
		}
		if err := c.fetchMore(ctx); err != nil {
			if c.resume != nil && IsResumableChangeStreamError(err) {
				if rerr := c.resumeChangeStream(ctx); rerr != nil {
					return nil, false, rerr
				}
				return c.Next(ctx)
			}
			return nil, false, err
		}
	}
	if len(c.buffer) == 0 {
		return nil, false, nil
	}
	doc := c.buffer[0]
	c.buffer = c.buffer[1:]
	if c.resume != nil {
		c.trackResumeToken(doc)
	}
	return doc, true, nil
}

func (c *Cursor) fetchMore(ctx context.Context) error {
	coll := collectionFromNamespace(c.ns)
	build := func(b *bsoncore.DocumentBuilder) *bsoncore.DocumentBuilder {
		b = b.AppendInt64("getMore", c.cursorID).AppendString("collection", coll)
		if c.batchSize > 0 {
			b = b.AppendInt32("batchSize", c.batchSize)
		}
		return b.AppendString("$db", databaseFromNamespace(c.ns))
	}
	reply, err := c.dispatcher.IssueCommand(ctx, description.ReadOp, "getMore", build, CommandOptions{Session: c.sess})
	if err != nil {
		return err
	}

	cv, err := reply.LookupErr("cursor")
	if err != nil {
		return errors.New("driver: getMore reply has no cursor field")
	}
	cdoc, ok := cv.DocumentOK()
	if !ok {
		return errors.New("driver: getMore cursor field is not a document")
	}
	idVal, err := cdoc.LookupErr("id")
	if err == nil {
		if id, ok := idVal.Int64OK(); ok {
			c.cursorID = id
		}
	}
	if bv, err := cdoc.LookupErr("nextBatch"); err == nil {
		if arr, ok := bv.ArrayOK(); ok {
			if values, err := arr.Values(); err == nil {
				for _, v := range values {
					if doc, ok := v.DocumentOK(); ok {
						c.buffer = append(c.buffer, doc)
					}
				}
			}
		}
	}
	if pbrt, err := cdoc.LookupErr("postBatchResumeToken"); err == nil && c.resume != nil {
		if doc, ok := pbrt.DocumentOK(); ok {
			c.resume.resumeToken = doc
			if c.resume.onResumeToken != nil {
				c.resume.onResumeToken(doc)
			}
		}
	}
	return nil
}

// trackResumeToken records the _id of each document Next returns as the
// resume token, replacing any postBatchResumeToken that fetchMore stored for
// the batch; the batch's postBatchResumeToken is kept only while no document
// of that batch has been returned (spec.md §4.10 "from
// postBatchResumeToken or last document's _id").
func (c *Cursor) trackResumeToken(doc bsoncore.Document) {
	if idVal, err := doc.LookupErr("_id"); err == nil {
		if idDoc, ok := idVal.DocumentOK(); ok {
			if changed := !bytesEqual(c.resume.resumeToken, idDoc); changed {
				c.resume.resumeToken = idDoc
				if c.resume.onResumeToken != nil {
					c.resume.onResumeToken(idDoc)
				}
			}
		}
	}
}

// resumeChangeStream kills the dead cursor, best-effort, and reissues the
// original aggregate with resumeAfter/startAtOperationTime set to the last
// known position (spec.md §4.10, §8 scenario 5).
func (c *Cursor) resumeChangeStream(ctx context.Context) error {
	c.killBestEffort(ctx)
	// The server this cursor was pinned to is presumed gone (that's why
	// resumption triggered); let the reissued aggregate pin afresh.
	c.sess.Unpin()
	b := c.resume.pipeline(c.resume.resumeToken, &c.resume.operationTime)
	reply, err := c.dispatcher.IssueCommand(ctx, description.ReadOp, "aggregate", b, CommandOptions{Session: c.sess, Pin: true})
	if err != nil {
		return err
	}
	fresh, err := newCursorFromReply(c.dispatcher, c.sess, reply, c.batchSize)
	if err != nil {
		return err
	}
	fresh.resume = c.resume
	*c = *fresh
	return nil
}

// Close kills the cursor on the server, best-effort, per spec.md §4.10 "on
// iterator termination with cursorId != 0, send killCursors best-effort".
func (c *Cursor) Close(ctx context.Context) {
	c.killBestEffort(ctx)
	c.closed = true
}

func (c *Cursor) killBestEffort(ctx context.Context) {
	if c.cursorID == 0 {
		return
	}
	coll := collectionFromNamespace(c.ns)
	build := func(b *bsoncore.DocumentBuilder) *bsoncore.DocumentBuilder {
		ids := bsoncore.NewArrayBuilder().AppendInt64(c.cursorID).Build()
		return b.AppendString("killCursors", coll).AppendArray("cursors", ids).AppendString("$db", databaseFromNamespace(c.ns))
	}
	_, _ = c.dispatcher.IssueCommand(ctx, description.WriteOp, "killCursors", build, CommandOptions{Session: c.sess})
	c.cursorID = 0
}

func collectionFromNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func databaseFromNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i]
	}
	return ns
}

func bytesEqual(a, b bsoncore.Document) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
