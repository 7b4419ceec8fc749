// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements the credential-verification step of the
// connection handshake: SCRAM-SHA-1, SCRAM-SHA-256, MONGODB-X509, and
// MONGODB-AWS (spec.md §4.4 "Authenticator").
package auth

import "context"

const defaultAuthDB = "admin"

// Cred carries the credential information parsed out of a connection
// string's userinfo and authMechanismProperties (spec.md §6).
type Cred struct {
	Source                  string
	Username                string
	Password                string
	PasswordSet             bool
	AuthMechanism           string
	AuthMechanismProperties map[string]string
}

// Config is the set of dependencies an Authenticator needs to complete a
// conversation over an already-dialed, not-yet-authenticated connection.
type Config struct {
	Conn commandConn
}

// Authenticator runs one authentication mechanism's conversation to
// completion, returning nil only once the server has accepted the
// credentials.
type Authenticator interface {
	Auth(ctx context.Context, cfg *Config) error
}

// CreateAuthenticator constructs the Authenticator named by mechanism. An
// empty mechanism (or "DEFAULT") selects SCRAM-SHA-256; there is no
// fallback to SCRAM-SHA-1 when the server rejects it.
func CreateAuthenticator(mechanism string, cred *Cred) (Authenticator, error) {
	switch mechanism {
	case "", "DEFAULT":
		return newDefaultAuthenticator(cred)
	case "SCRAM-SHA-1":
		return newScramSHA1Authenticator(cred)
	case "SCRAM-SHA-256":
		return newScramSHA256Authenticator(cred)
	case "MONGODB-X509":
		return newMongoDBX509Authenticator(cred)
	case MongoDBAWS:
		return newMongoDBAWSAuthenticator(cred)
	default:
		return nil, newAuthError(mechanism, errUnknownMechanism(mechanism))
	}
}

type unknownMechanismError string

func (e unknownMechanismError) Error() string { return "unknown auth mechanism: " + string(e) }

func errUnknownMechanism(mechanism string) error { return unknownMechanismError(mechanism) }
