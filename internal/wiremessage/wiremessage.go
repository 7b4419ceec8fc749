// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage implements framing and decoding for the MongoDB wire
// protocol: OP_QUERY, OP_REPLY, OP_MSG, and the OP_COMPRESSED wrapper
// (spec.md §4.1, §6).
package wiremessage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OpCode represents a MongoDB wire protocol opcode.
type OpCode int32

// Wire protocol opcodes in use by the core (spec.md §6).
const (
	OpReply      OpCode = 1
	OpQuery      OpCode = 2004
	OpCompressed OpCode = 2012
	OpMsg        OpCode = 2013
)

func (oc OpCode) String() string {
	switch oc {
	case OpReply:
		return "OP_REPLY"
	case OpQuery:
		return "OP_QUERY"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return fmt.Sprintf("OpCode(%d)", oc)
	}
}

// QueryFlag represents the flag bits of an OP_QUERY message.
type QueryFlag int32

// OP_QUERY flags.
const (
	QueryTailableCursor QueryFlag = 1 << 1
	QuerySlaveOK        QueryFlag = 1 << 2
	QueryNoCursorTimeout QueryFlag = 1 << 4
	QueryAwaitData      QueryFlag = 1 << 5
	QueryExhaust        QueryFlag = 1 << 6
)

// MsgFlag represents the flag bits of an OP_MSG message (spec.md §4.1).
type MsgFlag uint32

// OP_MSG flags.
const (
	ChecksumPresent MsgFlag = 1 << 0
	MoreToCome      MsgFlag = 1 << 1
	ExhaustAllowed  MsgFlag = 1 << 16
)

// SectionType identifies the kind of an OP_MSG section.
type SectionType byte

// OP_MSG section kinds.
const (
	SingleDocument SectionType = 0
	DocumentSequence SectionType = 1
)

// CompressorID identifies a wire-level compressor (spec.md §4.1).
type CompressorID uint8

// Supported compressors. Snappy is carried in addition to the spec's
// {zlib, zstd} pair; see DESIGN.md for the rationale.
const (
	CompressorNoOp  CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZLib  CompressorID = 2
	CompressorZstd  CompressorID = 3
)

// DefaultZlibLevel is the zlib compression level used when none is configured.
const DefaultZlibLevel = 6

// DefaultZstdLevel is the zstd compression level used when none is configured.
const DefaultZstdLevel = 6

const headerLen = 16

var errMalformedHeader = errors.New("malformed wire message: insufficient bytes for header")

// Header is the decoded fixed 16-byte wire message header.
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     OpCode
}

// AppendHeaderStart appends a placeholder header (length filled in later via
// bsoncore.UpdateLength-style patching) and returns the index at which the
// length field begins along with the new slice.
func AppendHeaderStart(dst []byte, requestID, responseTo int32, opcode OpCode) (int32, []byte) {
	idx := int32(len(dst))
	dst = append(dst, 0, 0, 0, 0) // length, to be filled in later
	dst = appendInt32(dst, requestID)
	dst = appendInt32(dst, responseTo)
	dst = appendInt32(dst, int32(opcode))
	return idx, dst
}

// UpdateLength writes the final message length into the 4 bytes starting at
// idx. The length counts the entire message, header included (spec.md
// §4.1 framing rule).
func UpdateLength(dst []byte, idx, length int32) []byte {
	binary.LittleEndian.PutUint32(dst[idx:], uint32(length))
	return dst
}

// ReadHeader decodes the 16-byte header from src and returns the remaining
// bytes after it. ok is false if src is shorter than a header.
func ReadHeader(src []byte) (length, requestID, responseTo int32, opcode OpCode, rem []byte, ok bool) {
	if len(src) < headerLen {
		return 0, 0, 0, 0, src, false
	}
	length = readInt32(src[0:4])
	requestID = readInt32(src[4:8])
	responseTo = readInt32(src[8:12])
	opcode = OpCode(readInt32(src[12:16]))
	return length, requestID, responseTo, opcode, src[16:], true
}

// DecodeHeader is a struct-returning convenience wrapper over ReadHeader,
// primarily used by tests asserting the round-trip property in spec.md §8.
func DecodeHeader(src []byte) (Header, []byte, error) {
	length, reqID, respTo, opcode, rem, ok := ReadHeader(src)
	if !ok {
		return Header{}, nil, errMalformedHeader
	}
	return Header{Length: length, RequestID: reqID, ResponseTo: respTo, OpCode: opcode}, rem, nil
}

func appendInt32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

// AppendQueryFlags appends the OP_QUERY flags field.
func AppendQueryFlags(dst []byte, flags QueryFlag) []byte {
	return appendInt32(dst, int32(flags))
}

// AppendQueryFullCollectionName appends a CString collection name.
func AppendQueryFullCollectionName(dst []byte, name string) []byte {
	return appendCString(dst, name)
}

// AppendQueryNumberToSkip appends numberToSkip.
func AppendQueryNumberToSkip(dst []byte, n int32) []byte { return appendInt32(dst, n) }

// AppendQueryNumberToReturn appends numberToReturn.
func AppendQueryNumberToReturn(dst []byte, n int32) []byte { return appendInt32(dst, n) }

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}

// AppendMsgFlags appends the OP_MSG flagBits field.
func AppendMsgFlags(dst []byte, flags MsgFlag) []byte {
	return append(dst, byte(flags), byte(flags>>8), byte(flags>>16), byte(flags>>24))
}

// AppendMsgSectionType appends a single section-type byte.
func AppendMsgSectionType(dst []byte, t SectionType) []byte {
	return append(dst, byte(t))
}

// AppendMsgSectionDocumentSequenceIdentifier appends the CString identifier
// that begins a type-1 (document sequence) section, e.g. "documents".
func AppendMsgSectionDocumentSequenceIdentifier(dst []byte, identifier string) []byte {
	return appendCString(dst, identifier)
}

// ReadMsgFlags reads the flagBits field from the body of an OP_MSG message.
func ReadMsgFlags(src []byte) (MsgFlag, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return MsgFlag(binary.LittleEndian.Uint32(src[0:4])), src[4:], true
}

// ReadMsgSectionType reads the single-byte section kind.
func ReadMsgSectionType(src []byte) (SectionType, []byte, bool) {
	if len(src) < 1 {
		return 0, src, false
	}
	return SectionType(src[0]), src[1:], true
}

// AppendCompressedOriginalOpCode appends the original (pre-compression) opcode.
func AppendCompressedOriginalOpCode(dst []byte, opcode OpCode) []byte {
	return appendInt32(dst, int32(opcode))
}

// AppendCompressedUncompressedSize appends the size of the uncompressed payload.
func AppendCompressedUncompressedSize(dst []byte, size int32) []byte {
	return appendInt32(dst, size)
}

// AppendCompressedCompressorID appends the single-byte compressor identifier.
func AppendCompressedCompressorID(dst []byte, id CompressorID) []byte {
	return append(dst, byte(id))
}

// AppendCompressedCompressedMessage appends the compressed payload bytes.
func AppendCompressedCompressedMessage(dst []byte, compressed []byte) []byte {
	return append(dst, compressed...)
}

// ReadCompressedOriginalOpCode reads the original opcode from an OP_COMPRESSED body.
func ReadCompressedOriginalOpCode(src []byte) (OpCode, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return OpCode(readInt32(src[0:4])), src[4:], true
}

// ReadCompressedUncompressedSize reads the uncompressed-size field.
func ReadCompressedUncompressedSize(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return readInt32(src[0:4]), src[4:], true
}

// ReadCompressedCompressorID reads the single-byte compressor identifier.
func ReadCompressedCompressorID(src []byte) (CompressorID, []byte, bool) {
	if len(src) < 1 {
		return 0, src, false
	}
	return CompressorID(src[0]), src[1:], true
}

// uncompressibleCommands must never be sent wrapped in OP_COMPRESSED
// (spec.md §4.1).
var uncompressibleCommands = map[string]struct{}{
	"hello":           {},
	"ismaster":        {},
	"isMaster":        {},
	"saslStart":       {},
	"saslContinue":    {},
	"getnonce":        {},
	"authenticate":    {},
	"createUser":      {},
	"updateUser":      {},
}

// IsCompressible reports whether a command with the given first-key name is
// eligible for OP_COMPRESSED wrapping.
func IsCompressible(commandName string) bool {
	_, uncompressible := uncompressibleCommands[commandName]
	return !uncompressible
}
