// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/youmark/pkcs8"
)

// LoadClientCertificate parses a PEM-encoded certificate and private key
// pair for MONGODB-X509 mutual TLS. If the key block is password-encrypted
// PKCS8 (common for keys exported by a KMS or an ops tool), password
// decrypts it via youmark/pkcs8, since Go's stdlib tls/x509 only parses
// unencrypted PKCS8 and legacy encrypted PKCS1.
func LoadClientCertificate(certPEM, keyPEM []byte, password []byte) (tls.Certificate, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return tls.Certificate{}, errors.New("connection: no certificate PEM block found")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("connection: parsing client certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return tls.Certificate{}, errors.New("connection: no private key PEM block found")
	}

	key, err := pkcs8.ParsePKCS8PrivateKey(keyBlock.Bytes, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("connection: parsing client private key: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certBlock.Bytes},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}
