// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"errors"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// ErrMalformedBody is returned when a message body ends before its declared
// BSON documents are fully present.
var ErrMalformedBody = errors.New("malformed wire message: truncated body")

// Section is a single OP_MSG section (spec.md §4.1). A type-0 section
// carries exactly one Document; a type-1 section carries Identifier
// ("documents", "updates", "deletes", ...) plus zero or more Documents.
type Section struct {
	Type       SectionType
	Identifier string
	Documents  []bsoncore.Document
}

// EncodeQuery builds a full OP_QUERY message (opcode 2004), used only for
// the legacy handshake path (spec.md §4.2).
func EncodeQuery(requestID int32, flags QueryFlag, fullCollectionName string, numSkip, numReturn int32, query, projection bsoncore.Document) []byte {
	var dst []byte
	idx, dst := AppendHeaderStart(dst, requestID, 0, OpQuery)
	dst = AppendQueryFlags(dst, flags)
	dst = AppendQueryFullCollectionName(dst, fullCollectionName)
	dst = AppendQueryNumberToSkip(dst, numSkip)
	dst = AppendQueryNumberToReturn(dst, numReturn)
	dst = append(dst, query...)
	if projection != nil {
		dst = append(dst, projection...)
	}
	return UpdateLength(dst, idx, int32(len(dst)))
}

// EncodeMsg builds a full OP_MSG message (opcode 2013) from the given
// sections.
func EncodeMsg(requestID int32, flags MsgFlag, sections []Section) []byte {
	var dst []byte
	idx, dst := AppendHeaderStart(dst, requestID, 0, OpMsg)
	dst = AppendMsgFlags(dst, flags)
	for _, sec := range sections {
		dst = AppendMsgSectionType(dst, sec.Type)
		switch sec.Type {
		case SingleDocument:
			dst = append(dst, sec.Documents[0]...)
		case DocumentSequence:
			seqIdx := int32(len(dst))
			dst = append(dst, 0, 0, 0, 0) // size, patched below
			dst = AppendMsgSectionDocumentSequenceIdentifier(dst, sec.Identifier)
			for _, doc := range sec.Documents {
				dst = append(dst, doc...)
			}
			dst = UpdateLength(dst, seqIdx, int32(len(dst)-int(seqIdx)))
		}
	}
	return UpdateLength(dst, idx, int32(len(dst)))
}

// DecodeReply decodes an OP_REPLY body (flags + documents). It is retained
// only for interoperability with wire-version-0 mongos/mongod replies to
// the legacy handshake; the core never issues OP_REPLY-returning commands
// itself (spec.md §6).
func DecodeReply(body []byte) (flags int32, cursorID int64, startingFrom, numberReturned int32, docs []bsoncore.Document, err error) {
	if len(body) < 20 {
		return 0, 0, 0, 0, nil, ErrMalformedBody
	}
	flags = readInt32(body[0:4])
	cursorID = int64(readInt32(body[4:8])) | int64(readInt32(body[8:12]))<<32
	startingFrom = readInt32(body[12:16])
	numberReturned = readInt32(body[16:20])
	rem := body[20:]
	for len(rem) > 0 {
		doc, err := bsoncore.ReadDocument(rem)
		if err != nil {
			return 0, 0, 0, 0, nil, ErrMalformedBody
		}
		docs = append(docs, doc)
		rem = rem[len(doc):]
	}
	return flags, cursorID, startingFrom, numberReturned, docs, nil
}

// DecodeMsg decodes an OP_MSG body into its flags and sections.
func DecodeMsg(body []byte) (MsgFlag, []Section, error) {
	flags, rem, ok := ReadMsgFlags(body)
	if !ok {
		return 0, nil, ErrMalformedBody
	}

	// A checksum, if present, is the trailing 4 bytes of the message and
	// must be stripped before section parsing.
	if flags&ChecksumPresent != 0 {
		if len(rem) < 4 {
			return 0, nil, ErrMalformedBody
		}
		rem = rem[:len(rem)-4]
	}

	var sections []Section
	for len(rem) > 0 {
		kind, body, ok := ReadMsgSectionType(rem)
		if !ok {
			return 0, nil, ErrMalformedBody
		}
		switch kind {
		case SingleDocument:
			doc, err := bsoncore.ReadDocument(body)
			if err != nil {
				return 0, nil, ErrMalformedBody
			}
			sections = append(sections, Section{Type: SingleDocument, Documents: []bsoncore.Document{doc}})
			rem = body[len(doc):]
		case DocumentSequence:
			if len(body) < 4 {
				return 0, nil, ErrMalformedBody
			}
			size := readInt32(body[0:4])
			if int(size) > len(body) {
				return 0, nil, ErrMalformedBody
			}
			seq := body[4:size]
			rem = body[size:]

			idx := 0
			for idx < len(seq) && seq[idx] != 0 {
				idx++
			}
			if idx >= len(seq) {
				return 0, nil, ErrMalformedBody
			}
			identifier := string(seq[:idx])
			docBytes := seq[idx+1:]

			var docs []bsoncore.Document
			for len(docBytes) > 0 {
				doc, err := bsoncore.ReadDocument(docBytes)
				if err != nil {
					return 0, nil, ErrMalformedBody
				}
				docs = append(docs, doc)
				docBytes = docBytes[len(doc):]
			}
			sections = append(sections, Section{Type: DocumentSequence, Identifier: identifier, Documents: docs})
		default:
			return 0, nil, ErrMalformedBody
		}
	}
	return flags, sections, nil
}
