// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wiremessage

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// CompressionOpts configures Compress/Decompress.
type CompressionOpts struct {
	Compressor CompressorID
	ZlibLevel  int
	ZstdLevel  int
}

// compressionThreshold is the minimum payload size, in bytes, below which
// compression is skipped even when a compressor is negotiated (spec.md
// §4.1: "Only compress payloads above a threshold").
const compressionThreshold = 256

// ShouldCompress reports whether a payload of the given size, for the given
// command name, should be wrapped in OP_COMPRESSED.
func ShouldCompress(commandName string, payloadLen int) bool {
	return IsCompressible(commandName) && payloadLen >= compressionThreshold
}

// Compress compresses src using the compressor named in opts.
func Compress(src []byte, opts CompressionOpts) ([]byte, error) {
	switch opts.Compressor {
	case CompressorSnappy:
		return snappy.Encode(nil, src), nil
	case CompressorZLib:
		var buf bytes.Buffer
		level := opts.ZlibLevel
		if level == 0 {
			level = DefaultZlibLevel
		}
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressorZstd:
		level := opts.ZstdLevel
		if level == 0 {
			level = DefaultZstdLevel
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil), nil
	case CompressorNoOp:
		return src, nil
	default:
		return nil, fmt.Errorf("unknown compressor ID %d", opts.Compressor)
	}
}

// Decompress decompresses src, which was compressed with the given
// compressor and whose uncompressed length is uncompressedSize.
func Decompress(src []byte, id CompressorID, uncompressedSize int32) ([]byte, error) {
	switch id {
	case CompressorSnappy:
		dst := make([]byte, uncompressedSize)
		return snappy.Decode(dst, src)
	case CompressorZLib:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		dst := make([]byte, uncompressedSize)
		if _, err := io.ReadFull(r, dst); err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		return dst, nil
	case CompressorZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(src, make([]byte, 0, uncompressedSize))
	case CompressorNoOp:
		return src, nil
	default:
		return nil, fmt.Errorf("unknown compressor ID %d", id)
	}
}

// Name returns the wire-protocol name used during the `hello` compressors
// negotiation (spec.md §6 "compressors").
func (id CompressorID) Name() string {
	switch id {
	case CompressorSnappy:
		return "snappy"
	case CompressorZLib:
		return "zlib"
	case CompressorZstd:
		return "zstd"
	default:
		return ""
	}
}

// CompressorByName maps a negotiated compressor name to its ID.
func CompressorByName(name string) (CompressorID, bool) {
	switch name {
	case "snappy":
		return CompressorSnappy, true
	case "zlib":
		return CompressorZLib, true
	case "zstd":
		return CompressorZstd, true
	default:
		return CompressorNoOp, false
	}
}
