// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver implements the command dispatcher, cursor/change-stream
// pagination, and connection-string parsing on top of internal/topology
// and internal/session (spec.md §4.9, §4.10, §6, §7).
package driver

import (
	"errors"

	"github.com/driftwood-db/mongowire/internal/wirecmd"
)

var retryableReadCodes = map[int32]struct{}{
	6: {}, 7: {}, 89: {}, 91: {}, 189: {}, 10107: {}, 11600: {}, 11602: {}, 13435: {}, 13436: {},
}

var retryableWriteCodes = func() map[int32]struct{} {
	m := make(map[int32]struct{}, len(retryableReadCodes)+2)
	for c := range retryableReadCodes {
		m[c] = struct{}{}
	}
	m[262] = struct{}{}
	m[9001] = struct{}{}
	return m
}()

var resumableChangeStreamCodes = func() map[int32]struct{} {
	m := make(map[int32]struct{}, len(retryableWriteCodes)+5)
	for c := range retryableWriteCodes {
		m[c] = struct{}{}
	}
	for _, c := range []int32{63, 150, 13388, 133, 234} {
		m[c] = struct{}{}
	}
	return m
}()

// Error labels recognized on a CommandFailure (spec.md §7).
const (
	LabelRetryableRead             = "RetryableReadError"
	LabelRetryableWrite            = "RetryableWriteError"
	LabelResumableChangeStream     = "ResumableChangeStreamError"
	LabelTransientTransaction      = "TransientTransactionError"
	LabelUnknownTransactionCommit  = "UnknownTransactionCommitResult"
)

// classify reports whether err is a *wirecmd.CommandFailure matching one of
// codes, either by numeric code or by carrying label directly.
func classify(err error, codes map[int32]struct{}, label string) bool {
	var failure *wirecmd.CommandFailure
	if !errors.As(err, &failure) {
		return false
	}
	if failure.HasLabel(label) {
		return true
	}
	_, ok := codes[failure.Code]
	return ok
}

// IsRetryableRead reports whether err qualifies for a single retryable-read
// attempt (spec.md §7 "retryable read").
func IsRetryableRead(err error) bool {
	return classify(err, retryableReadCodes, LabelRetryableRead)
}

// IsRetryableWrite reports whether err qualifies for a single retryable-
// write attempt (spec.md §7 "retryable write").
func IsRetryableWrite(err error) bool {
	return classify(err, retryableWriteCodes, LabelRetryableWrite)
}

// IsResumableChangeStreamError reports whether err should trigger a change
// stream resume (spec.md §7 "resumable (change streams)").
func IsResumableChangeStreamError(err error) bool {
	return classify(err, resumableChangeStreamCodes, LabelResumableChangeStream)
}

// IsTransientTransactionError reports whether err carries the
// TransientTransactionError label (spec.md §4.9 step 6).
func IsTransientTransactionError(err error) bool {
	var failure *wirecmd.CommandFailure
	return errors.As(err, &failure) && failure.HasLabel(LabelTransientTransaction)
}
