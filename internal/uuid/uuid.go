// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package uuid wraps google/uuid to produce the session identifiers used by
// ServerSession (spec.md §3); kept as a thin seam so the rest of the driver
// depends on a narrow interface rather than the third-party package
// directly.
package uuid

import "github.com/google/uuid"

// UUID is a 128-bit universally unique identifier.
type UUID [16]byte

// New returns a new random (version 4) UUID.
func New() UUID {
	var u UUID
	copy(u[:], uuid.New()[:])
	return u
}

func (u UUID) String() string {
	return uuid.UUID(u).String()
}
