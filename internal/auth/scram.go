// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"github.com/xdg-go/scram"
)

func newScramSHA1Authenticator(cred *Cred) (Authenticator, error) {
	return newScramAuthenticator(cred, "SCRAM-SHA-1", scram.SHA1)
}

func newScramSHA256Authenticator(cred *Cred) (Authenticator, error) {
	return newScramAuthenticator(cred, "SCRAM-SHA-256", scram.SHA256)
}

// newDefaultAuthenticator negotiates SCRAM-SHA-256 when no mechanism was
// specified, matching the hello handshake's SaslSupportedMechs reply in a
// real deployment; the simplified form here just prefers the stronger
// mechanism (spec.md §4.4 "DEFAULT").
func newDefaultAuthenticator(cred *Cred) (Authenticator, error) {
	return newScramSHA256Authenticator(cred)
}

func newScramAuthenticator(cred *Cred, mechanism string, hgf scram.HashGeneratorFcn) (Authenticator, error) {
	return &scramAuthenticator{cred: cred, mechanism: mechanism, hgf: hgf}, nil
}

// scramAuthenticator implements SCRAM-SHA-1/SCRAM-SHA-256 using the
// xdg-go/scram client state machine (spec.md §4.4).
type scramAuthenticator struct {
	cred      *Cred
	mechanism string
	hgf       scram.HashGeneratorFcn
	conv      *scram.ClientConversation
}

func (a *scramAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	client, err := a.hgf.NewClient(a.cred.Username, a.cred.Password, "")
	if err != nil {
		return newAuthError(a.mechanism, err)
	}
	a.conv = client.NewConversation()
	return ConductSaslConversation(ctx, cfg, a.cred.Source, a)
}

func (a *scramAuthenticator) Start() (string, []byte, error) {
	step, err := a.conv.Step("")
	if err != nil {
		return a.mechanism, nil, err
	}
	return a.mechanism, []byte(step), nil
}

func (a *scramAuthenticator) Next(challenge []byte) ([]byte, error) {
	step, err := a.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(step), nil
}

func (a *scramAuthenticator) Completed() bool {
	return a.conv.Done()
}
