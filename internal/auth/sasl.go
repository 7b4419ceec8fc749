// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// SaslClient is the client side of a SASL conversation.
type SaslClient interface {
	Start() (mechanism string, payload []byte, err error)
	Next(challenge []byte) (payload []byte, err error)
	Completed() bool
}

// SaslClientCloser is a SaslClient that holds resources that must be
// released once the conversation ends, successfully or not.
type SaslClientCloser interface {
	SaslClient
	Close()
}

// ConductSaslConversation drives a saslStart/saslContinue round trip until
// both sides report the conversation done (spec.md §4.4). It mirrors the
// shape of every SASL-based mechanism (SCRAM, PLAIN, MONGODB-AWS).
func ConductSaslConversation(ctx context.Context, cfg *Config, db string, client SaslClient) error {
	if db == "" {
		db = defaultAuthDB
	}
	if closer, ok := client.(SaslClientCloser); ok {
		defer closer.Close()
	}

	mechanism, payload, err := client.Start()
	if err != nil {
		return newAuthError(mechanism, err)
	}

	saslStart := bsoncore.NewDocumentBuilder().
		AppendInt32("saslStart", 1).
		AppendString("mechanism", mechanism).
		AppendBinary("payload", 0x00, payload).
		AppendString("$db", db).
		Build()

	resp, err := runCommand(ctx, cfg.Conn, "saslStart", saslStart)
	if err != nil {
		return newAuthError(mechanism, err)
	}

	conversationID, done, challenge, err := parseSaslResponse(resp)
	if err != nil {
		return newAuthError(mechanism, err)
	}

	for {
		if done && client.Completed() {
			return nil
		}

		payload, err = client.Next(challenge)
		if err != nil {
			return newAuthError(mechanism, err)
		}

		if done && client.Completed() {
			return nil
		}

		saslContinue := bsoncore.NewDocumentBuilder().
			AppendInt32("saslContinue", 1).
			AppendInt32("conversationId", conversationID).
			AppendBinary("payload", 0x00, payload).
			AppendString("$db", db).
			Build()

		resp, err = runCommand(ctx, cfg.Conn, "saslContinue", saslContinue)
		if err != nil {
			return newAuthError(mechanism, err)
		}

		conversationID, done, challenge, err = parseSaslResponse(resp)
		if err != nil {
			return newAuthError(mechanism, err)
		}
	}
}

func parseSaslResponse(doc bsoncore.Document) (conversationID int32, done bool, payload []byte, err error) {
	if v, lookupErr := doc.LookupErr("conversationId"); lookupErr == nil {
		conversationID, _ = v.Int32OK()
	}
	if v, lookupErr := doc.LookupErr("done"); lookupErr == nil {
		done, _ = v.BooleanOK()
	}
	if v, lookupErr := doc.LookupErr("payload"); lookupErr == nil {
		_, payload, _ = v.BinaryOK()
	}
	return conversationID, done, payload, nil
}
