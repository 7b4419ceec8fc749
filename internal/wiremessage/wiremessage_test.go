// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

func mustDoc(t *testing.T, v bson.M) bsoncore.Document {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bsoncore.Document(b)
}

func TestHeaderRoundTrip(t *testing.T) {
	var dst []byte
	idx, dst := AppendHeaderStart(dst, 42, 7, OpMsg)
	dst = append(dst, 1, 2, 3, 4)
	dst = UpdateLength(dst, idx, int32(len(dst)))

	hdr, rem, err := DecodeHeader(dst)
	require.NoError(t, err)
	assert.Equal(t, int32(len(dst)), hdr.Length)
	assert.Equal(t, int32(42), hdr.RequestID)
	assert.Equal(t, int32(7), hdr.ResponseTo)
	assert.Equal(t, OpMsg, hdr.OpCode)
	assert.Equal(t, []byte{1, 2, 3, 4}, rem)
}

func TestEncodeDecodeMsgSingleDocument(t *testing.T) {
	doc := mustDoc(t, bson.M{"hello": 1})

	wm := EncodeMsg(1, 0, []Section{{Type: SingleDocument, Documents: []bsoncore.Document{doc}}})

	_, _, _, opcode, body, ok := ReadHeader(wm)
	require.True(t, ok)
	assert.Equal(t, OpMsg, opcode)

	flags, sections, err := DecodeMsg(body)
	require.NoError(t, err)
	assert.Equal(t, MsgFlag(0), flags)
	require.Len(t, sections, 1)
	assert.Equal(t, SingleDocument, sections[0].Type)
	assert.True(t, bson.Raw(sections[0].Documents[0]).Equal(bson.Raw(doc)))
}

func TestEncodeDecodeMsgDocumentSequence(t *testing.T) {
	d1 := mustDoc(t, bson.M{"_id": 1})
	d2 := mustDoc(t, bson.M{"_id": 2})
	cmd := mustDoc(t, bson.M{"insert": "coll"})

	wm := EncodeMsg(1, MoreToCome, []Section{
		{Type: SingleDocument, Documents: []bsoncore.Document{cmd}},
		{Type: DocumentSequence, Identifier: "documents", Documents: []bsoncore.Document{d1, d2}},
	})

	_, _, _, _, body, ok := ReadHeader(wm)
	require.True(t, ok)

	flags, sections, err := DecodeMsg(body)
	require.NoError(t, err)
	assert.Equal(t, MoreToCome, flags)
	require.Len(t, sections, 2)
	assert.Equal(t, "documents", sections[1].Identifier)
	require.Len(t, sections[1].Documents, 2)
	assert.True(t, bson.Raw(sections[1].Documents[0]).Equal(bson.Raw(d1)))
	assert.True(t, bson.Raw(sections[1].Documents[1]).Equal(bson.Raw(d2)))
}

func TestCompressibility(t *testing.T) {
	assert.False(t, IsCompressible("hello"))
	assert.False(t, IsCompressible("saslStart"))
	assert.True(t, IsCompressible("find"))
	assert.True(t, IsCompressible("insert"))
}

func TestShouldCompressThreshold(t *testing.T) {
	assert.False(t, ShouldCompress("find", 10))
	assert.True(t, ShouldCompress("find", 4096))
	assert.False(t, ShouldCompress("hello", 4096))
}

func TestCompressRoundTrip(t *testing.T) {
	src := []byte("the quick brown fox jumps over the lazy dog, repeated many times to pad the payload past threshold")
	for _, id := range []CompressorID{CompressorSnappy, CompressorZLib, CompressorZstd} {
		compressed, err := Compress(src, CompressionOpts{Compressor: id})
		require.NoError(t, err)
		decompressed, err := Decompress(compressed, id, int32(len(src)))
		require.NoError(t, err)
		assert.Equal(t, src, decompressed)
	}
}
