// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"crypto/tls"
	"errors"
	"fmt"

	"golang.org/x/crypto/ocsp"
)

// verifyOCSPStaple checks a server's stapled OCSP response against its leaf
// certificate, failing the handshake if the staple says the certificate was
// revoked (spec.md §7 "Transport ... ssl-handshake [failure is] resumable =
// false").
func verifyOCSPStaple(cs *tls.ConnectionState) error {
	if cs.OCSPResponse == nil {
		return nil
	}
	if len(cs.VerifiedChains) == 0 || len(cs.VerifiedChains[0]) < 2 {
		return errors.New("connection: OCSP staple present but no verified issuer chain")
	}
	leaf := cs.VerifiedChains[0][0]
	issuer := cs.VerifiedChains[0][1]

	resp, err := ocsp.ParseResponseForCert(cs.OCSPResponse, leaf, issuer)
	if err != nil {
		return fmt.Errorf("connection: parsing OCSP staple: %w", err)
	}
	if resp.Status == ocsp.Revoked {
		return fmt.Errorf("connection: server certificate revoked per stapled OCSP response (reason %d)", resp.RevocationReason)
	}
	return nil
}
