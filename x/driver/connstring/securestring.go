// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connstring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
)

// secureString keeps a connection-string password AES-GCM-encrypted under a
// process-ephemeral key rather than as a plain string field, so an
// accidental %+v or struct dump never prints it in the clear (spec.md §6
// "stored in an in-memory safe (encrypted with a process-ephemeral key)").
type secureString struct {
	gcm        cipher.AEAD
	nonce      []byte
	ciphertext []byte
}

func newSecureString(plaintext string) *secureString {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	return &secureString{
		gcm:        gcm,
		nonce:      nonce,
		ciphertext: gcm.Seal(nil, nonce, []byte(plaintext), nil),
	}
}

func (s *secureString) reveal() string {
	plaintext, err := s.gcm.Open(nil, s.nonce, s.ciphertext, nil)
	if err != nil {
		return ""
	}
	return string(plaintext)
}

// String implements fmt.Stringer so logging a ConnString by accident never
// leaks the password.
func (s *secureString) String() string {
	return "[redacted]"
}
