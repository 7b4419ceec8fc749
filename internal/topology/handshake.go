// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/auth"
	"github.com/driftwood-db/mongowire/internal/connection"
	"github.com/driftwood-db/mongowire/internal/description"
	"github.com/driftwood-db/mongowire/internal/wirecmd"
)

// poolHandshaker implements connection.Handshaker for pooled connections:
// hello followed by credential authentication (spec.md §4.2, §4.3).
type poolHandshaker struct {
	appName     string
	compressors []string
	cred        *auth.Cred
}

func (h *poolHandshaker) Handshake(ctx context.Context, addr address.Address, c *connection.Connection) (description.Server, error) {
	cmd := buildHelloCommand(h.appName, h.compressors, nil, 0)
	reply, err := wirecmd.Run(ctx, c, "hello", cmd)
	if err != nil {
		return description.Server{}, err
	}
	desc := parseHelloReply(addr, reply)

	if h.cred != nil {
		authr, err := auth.CreateAuthenticator(h.cred.AuthMechanism, h.cred)
		if err != nil {
			return description.Server{}, err
		}
		if err := authr.Auth(ctx, &auth.Config{Conn: c}); err != nil {
			return description.Server{}, err
		}
	}

	return desc, nil
}

var _ connection.Handshaker = (*poolHandshaker)(nil)
