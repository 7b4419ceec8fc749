// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/driftwood-db/mongowire/internal/wirecmd"
)

func TestIsRetryableReadByCode(t *testing.T) {
	err := &wirecmd.CommandFailure{Code: 189}
	assert.True(t, IsRetryableRead(err))
	assert.True(t, IsRetryableWrite(err), "retryable-read codes are a subset of retryable-write codes")
}

func TestIsRetryableWriteByCode(t *testing.T) {
	assert.True(t, IsRetryableWrite(&wirecmd.CommandFailure{Code: 9001}))
	assert.False(t, IsRetryableRead(&wirecmd.CommandFailure{Code: 9001}), "9001 is write-only")
}

func TestIsResumableChangeStreamErrorByCode(t *testing.T) {
	assert.True(t, IsResumableChangeStreamError(&wirecmd.CommandFailure{Code: 133}))
	assert.False(t, IsResumableChangeStreamError(&wirecmd.CommandFailure{Code: 1}))
}

func TestLabelsOverrideCodeClassification(t *testing.T) {
	err := &wirecmd.CommandFailure{Code: 1, Labels: []string{LabelRetryableWrite}}
	assert.True(t, IsRetryableWrite(err))
}

func TestIsTransientTransactionError(t *testing.T) {
	err := &wirecmd.CommandFailure{Labels: []string{LabelTransientTransaction}}
	assert.True(t, IsTransientTransactionError(err))
	assert.False(t, IsTransientTransactionError(errors.New("plain error")))
}
