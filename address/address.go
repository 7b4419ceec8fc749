// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package address provides the address type used to identify a MongoDB
// server within a topology.
package address

import "strings"

// Address is a network address for a MongoDB server. It may be a
// "host:port" pair or, for Unix domain sockets, a filesystem path ending in
// ".sock".
type Address string

// Network returns the network to use for the address. Unix domain socket
// paths use "unix"; everything else uses "tcp".
func (a Address) Network() string {
	if strings.HasSuffix(string(a), ".sock") {
		return "unix"
	}
	return "tcp"
}

// String returns the address, appending the default port 27017 when none is
// present and the address is not a Unix domain socket.
func (a Address) String() string {
	str := string(a)
	if a.Network() == "unix" {
		return str
	}
	if str == "" {
		return "localhost:27017"
	}
	if !strings.Contains(str, ":") {
		str += ":27017"
	}
	return str
}

// Hostname returns the address without its port, or the raw socket path for
// Unix domain socket addresses.
func (a Address) Hostname() string {
	if a.Network() == "unix" {
		return string(a)
	}
	s := a.String()
	if idx := strings.LastIndex(s, ":"); idx != -1 {
		return s[:idx]
	}
	return s
}
