// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description implements the SDAM data model: ServerDescription and
// TopologyDescription, their update rules, and server selection (spec.md
// §3, §4.6).
package description

import (
	"time"

	"github.com/driftwood-db/mongowire/address"
)

// Kind represents the type of a single server, as reported by its hello
// response (spec.md §3).
type Kind uint32

// Server kinds.
const (
	Unknown Kind = iota
	Standalone
	Mongos
	PossiblePrimary
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
)

func (k Kind) String() string {
	switch k {
	case Standalone:
		return "Standalone"
	case Mongos:
		return "Mongos"
	case PossiblePrimary:
		return "PossiblePrimary"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	default:
		return "Unknown"
	}
}

// TopologyVersion tracks the monotonic (processId, counter) pair a server
// advertises; it is used to discard stale error-driven descriptions
// (spec.md §3 supplemental field, SPEC_FULL §3).
type TopologyVersion struct {
	ProcessID [12]byte
	Counter   int64
}

// CompareTopologyVersion returns -1, 0, or 1 according to whether v1 is
// older than, equal to, or newer than v2. A nil TopologyVersion compares as
// older than any non-nil value and equal to another nil value.
func CompareTopologyVersion(v1, v2 *TopologyVersion) int {
	if v1 == nil || v2 == nil {
		if v1 == v2 {
			return 0
		}
		if v1 == nil {
			return -1
		}
		return 1
	}
	if v1.ProcessID != v2.ProcessID {
		return -1
	}
	switch {
	case v1.Counter < v2.Counter:
		return -1
	case v1.Counter > v2.Counter:
		return 1
	default:
		return 0
	}
}

// TagSet is a set of key/value tags a secondary is annotated with, used for
// read-preference filtering (spec.md §4.6).
type TagSet map[string]string

// ContainsAll reports whether ts contains every key/value pair in other.
func (ts TagSet) ContainsAll(other TagSet) bool {
	for k, v := range other {
		if ts[k] != v {
			return false
		}
	}
	return true
}

// Server is a point-in-time snapshot of one server in the deployment
// (spec.md §3 "ServerDescription").
type Server struct {
	Addr address.Address
	Kind Kind

	MinWireVersion int32
	MaxWireVersion int32

	MaxBsonObjectSize   int64
	MaxMessageSizeBytes int64
	MaxWriteBatchSize   int64

	SetName    string
	SetVersion *int64
	ElectionID *[12]byte
	Me         address.Address
	Hosts      []address.Address
	Passives   []address.Address
	Arbiters   []address.Address
	Primary    address.Address
	Tags       TagSet

	AverageRTTSet bool
	AverageRTT    time.Duration
	LastUpdateTime time.Time
	LastWriteDate  time.Time

	LogicalSessionTimeoutMinutes *int64

	TopologyVersion *TopologyVersion
	HelloOK         bool
	Compression     []string

	HeartbeatInterval time.Duration

	LastError error
}

// NewDefaultServer returns the initial Unknown description for a freshly
// added seed address.
func NewDefaultServer(addr address.Address) Server {
	return Server{Addr: addr, Kind: Unknown}
}

// NewServerFromError returns an Unknown server description carrying err,
// used whenever a monitor or command-error handler invalidates a server
// (spec.md §4.4 "Failure semantics", §4.6 SDAM transition rule 3).
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		Kind:            Unknown,
		LastError:       err,
		TopologyVersion: tv,
		LastUpdateTime:  time.Now(),
	}
}

// SetAverageRTT returns a copy of s with AverageRTT set to rtt as given; the
// EMA (spec.md §3: "new = 0.2*sample + 0.8*previous") is computed by
// UpdateRTT.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// UpdateRTT folds a newly observed round-trip time into the EMA.
func UpdateRTT(previous time.Duration, previousSet bool, sample time.Duration) time.Duration {
	if !previousSet {
		return sample
	}
	const alpha = 0.2
	return time.Duration(alpha*float64(sample) + (1-alpha)*float64(previous))
}

// SupportsRetryableWrites reports whether this server can participate in
// retryable writes (spec.md §3: "type != standalone and maxWire >= 6 and
// timeout present").
func (s Server) SupportsRetryableWrites() bool {
	return s.Kind != Standalone &&
		s.Kind != Unknown &&
		s.MaxWireVersion >= 6 &&
		s.LogicalSessionTimeoutMinutes != nil
}

// DataBearing reports whether the server can be selected to run a command,
// i.e. it is neither Unknown nor a non-data-bearing replica set role.
func (s Server) DataBearing() bool {
	switch s.Kind {
	case Standalone, Mongos, RSPrimary, RSSecondary:
		return true
	default:
		return false
	}
}

// WireRangeCompatible reports whether s's advertised wire version range
// overlaps the client's supported range (spec.md §3 "compatible").
func (s Server) WireRangeCompatible(clientMin, clientMax int32) bool {
	if s.Kind == Unknown {
		return true
	}
	return s.MinWireVersion <= clientMax && s.MaxWireVersion >= clientMin
}

// staleness computes the approximate staleness of a secondary relative to
// the primary (or, with no primary, relative to the freshest known
// secondary), per the SDAM staleness formula in spec.md §4.6.
func staleness(secondary, reference Server, withPrimary bool, heartbeatInterval time.Duration) time.Duration {
	if withPrimary {
		secondaryLag := secondary.LastUpdateTime.Sub(secondary.LastWriteDate)
		primaryLag := reference.LastUpdateTime.Sub(reference.LastWriteDate)
		return secondaryLag - primaryLag + heartbeatInterval
	}
	return reference.LastWriteDate.Sub(secondary.LastWriteDate) + heartbeatInterval
}
