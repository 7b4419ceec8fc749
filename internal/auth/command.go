// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/driftwood-db/mongowire/internal/connection"
	"github.com/driftwood-db/mongowire/internal/wirecmd"
)

// commandConn is the slice of *connection.Connection that auth needs. It
// exists so tests can substitute a fake without dragging in a real socket.
type commandConn = wirecmd.Conn

var _ commandConn = (*connection.Connection)(nil)

// runCommand sends a single OP_MSG command and returns its reply document.
// Authentication happens before a Topology exists to route through, so this
// bypasses the (not yet constructed at handshake time) command dispatcher
// and talks to the wire codec directly, the same way the handshake itself
// must (spec.md §4.2, §4.3).
func runCommand(ctx context.Context, conn commandConn, commandName string, cmd bsoncore.Document) (bsoncore.Document, error) {
	return wirecmd.Run(ctx, conn, commandName, cmd)
}
