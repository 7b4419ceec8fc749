// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"crypto/tls"
	"net"
)

func tlsClient(nc net.Conn, cfg *tls.Config) *tls.Conn {
	return tls.Client(nc, cfg.Clone())
}
