// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wirecmd sends a single OP_MSG command and decodes its reply. It
// is the one place below the command dispatcher that every hand-rolled
// command exchange (handshake, monitor hello, SASL steps) funnels through,
// so the framing and error-classification rules in spec.md §4.1/§4.2 are
// implemented exactly once.
package wirecmd

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/driftwood-db/mongowire/internal/wiremessage"
)

// Conn is the slice of *connection.Connection that Run needs.
type Conn interface {
	NextRequestID() int32
	WriteWireMessage(ctx context.Context, wm []byte, commandName string) error
	ReadWireMessage(ctx context.Context) ([]byte, error)
}

// Run sends cmd as a single-section OP_MSG and returns the server's reply
// document. A reply with ok != 1 is surfaced as a non-nil error alongside
// the decoded document, so callers that need errmsg/code detail can still
// inspect the raw reply.
func Run(ctx context.Context, conn Conn, commandName string, cmd bsoncore.Document) (bsoncore.Document, error) {
	wm := wiremessage.EncodeMsg(conn.NextRequestID(), 0, []wiremessage.Section{
		{Type: wiremessage.SingleDocument, Documents: []bsoncore.Document{cmd}},
	})

	if err := conn.WriteWireMessage(ctx, wm, commandName); err != nil {
		return nil, err
	}

	resp, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return nil, err
	}

	_, _, _, opcode, body, ok := wiremessage.ReadHeader(resp)
	if !ok {
		return nil, errors.New("malformed command reply")
	}
	if opcode != wiremessage.OpMsg {
		return nil, fmt.Errorf("unexpected opcode %d in command reply", opcode)
	}

	_, sections, err := wiremessage.DecodeMsg(body)
	if err != nil {
		return nil, err
	}
	for _, sec := range sections {
		if sec.Type == wiremessage.SingleDocument && len(sec.Documents) == 1 {
			return sec.Documents[0], CommandError(sec.Documents[0])
		}
	}
	return nil, errors.New("command reply carried no payload section")
}

// CommandError inspects a server reply for ok != 1 and surfaces
// errmsg/codeName as a Go error (spec.md §7 "Command" errors).
func CommandError(doc bsoncore.Document) error {
	okVal, err := doc.LookupErr("ok")
	if err != nil {
		return nil
	}
	if asFloat64(okVal) == 1 {
		return nil
	}
	msg, _ := doc.Lookup("errmsg").StringValueOK()
	codeName, _ := doc.Lookup("codeName").StringValueOK()
	code, _ := doc.Lookup("code").Int32OK()
	if msg == "" {
		msg = "command failed"
	}
	return &CommandFailure{Message: msg, CodeName: codeName, Code: code, Labels: errorLabels(doc)}
}

// CommandFailure is the structured form of a server-returned ok:0 reply
// (spec.md §7 "every public operation returns ... a typed error carrying
// {kind, code, message, labels[], host?}").
type CommandFailure struct {
	Message  string
	CodeName string
	Code     int32
	Labels   []string
}

func (e *CommandFailure) Error() string {
	if e.CodeName != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.CodeName)
	}
	return e.Message
}

// HasLabel reports whether the server attached errorLabel to this failure.
func (e *CommandFailure) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

func errorLabels(doc bsoncore.Document) []string {
	v, err := doc.LookupErr("errorLabels")
	if err != nil {
		return nil
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	labels := make([]string, 0, len(values))
	for _, val := range values {
		if s, ok := val.StringValueOK(); ok {
			labels = append(labels, s)
		}
	}
	return labels
}

func asFloat64(v bsoncore.Value) float64 {
	switch v.Type {
	case bsoncore.TypeDouble:
		f, _ := v.DoubleOK()
		return f
	case bsoncore.TypeInt32:
		i, _ := v.Int32OK()
		return float64(i)
	case bsoncore.TypeInt64:
		i, _ := v.Int64OK()
		return float64(i)
	case bsoncore.TypeBoolean:
		b, _ := v.BooleanOK()
		if b {
			return 1
		}
		return 0
	default:
		return 0
	}
}
