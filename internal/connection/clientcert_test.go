// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedCertAndUnencryptedKeyPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mongowire-test-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestLoadClientCertificateParsesUnencryptedKey(t *testing.T) {
	certPEM, keyPEM := selfSignedCertAndUnencryptedKeyPEM(t)

	cert, err := LoadClientCertificate(certPEM, keyPEM, nil)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	require.Equal(t, "mongowire-test-client", cert.Leaf.Subject.CommonName)
}

func TestLoadClientCertificateRejectsMissingCertBlock(t *testing.T) {
	_, keyPEM := selfSignedCertAndUnencryptedKeyPEM(t)
	_, err := LoadClientCertificate(nil, keyPEM, nil)
	require.Error(t, err)
}
