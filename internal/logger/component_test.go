// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "testing"

func TestCommandStartedMessageSerialize(t *testing.T) {
	msg := &CommandStartedMessage{
		CommandName:  "find",
		DatabaseName: "test",
		RequestID:    7,
		ServerConnID: "conn-1",
		Command:      []byte("{}"),
	}

	if msg.Component() != ComponentCommand {
		t.Fatalf("expected ComponentCommand, got %v", msg.Component())
	}

	kv := msg.Serialize()
	if len(kv)%2 != 0 {
		t.Fatalf("expected an even number of key/value entries, got %d", len(kv))
	}

	got := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			t.Fatalf("key at index %d is not a string: %v", i, kv[i])
		}
		got[key] = kv[i+1]
	}

	if got["commandName"] != "find" {
		t.Errorf("expected commandName %q, got %v", "find", got["commandName"])
	}
	if got["requestId"] != int32(7) {
		t.Errorf("expected requestId 7, got %v", got["requestId"])
	}
}

func TestFormatMessageTruncatesCommandField(t *testing.T) {
	kv := []interface{}{"command", []byte("abcdefghij"), "unrelated", 5}

	out, err := formatMessage(kv, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[1] != "abcd"+TruncationSuffix {
		t.Errorf("expected truncated command, got %v", out[1])
	}
	if out[3] != 5 {
		t.Errorf("expected unrelated value to pass through unchanged, got %v", out[3])
	}
}

func TestFormatMessageEmptyDocumentBecomesEmptyObject(t *testing.T) {
	out, err := formatMessage([]interface{}{"reply", []byte{}}, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[1] != "{}" {
		t.Errorf("expected empty reply to format as {}, got %v", out[1])
	}
}
