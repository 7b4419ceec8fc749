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

func newMongoDBX509Authenticator(cred *Cred) (Authenticator, error) {
	return &x509Authenticator{username: cred.Username}, nil
}

// x509Authenticator authenticates using the identity already proven by the
// TLS client certificate; the wire exchange is a single "authenticate"
// command, not a SASL conversation (spec.md §4.4 "MONGODB-X509").
type x509Authenticator struct {
	username string
}

func (a *x509Authenticator) Auth(ctx context.Context, cfg *Config) error {
	builder := bsoncore.NewDocumentBuilder().
		AppendInt32("authenticate", 1).
		AppendString("mechanism", "MONGODB-X509")
	if a.username != "" {
		builder = builder.AppendString("user", a.username)
	}
	builder = builder.AppendString("$db", "$external")

	_, err := runCommand(ctx, cfg.Conn, "authenticate", builder.Build())
	if err != nil {
		return newAuthError("MONGODB-X509", err)
	}
	return nil
}
