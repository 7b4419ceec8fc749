// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"math/rand"
	"time"
)

// ReadPreferenceMode selects among the five read-preference modes
// (spec.md §4.6, §6).
type ReadPreferenceMode uint8

// Read preference modes.
const (
	PrimaryMode ReadPreferenceMode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ReadPreference configures how candidate servers are filtered for a read
// (spec.md §6 "readPreference"/"readPreferenceTags"/"maxStalenessSeconds").
type ReadPreference struct {
	Mode           ReadPreferenceMode
	TagSets        []TagSet
	MaxStaleness   time.Duration // zero means unset
}

// OperationKind distinguishes read from write server selection (spec.md
// §4.6 "Candidates by request kind").
type OperationKind uint8

// Operation kinds.
const (
	WriteOp OperationKind = iota
	ReadOp
)

// Selector narrows a Topology down to the servers eligible for an
// operation. It is implemented directly rather than via a typeclass
// hierarchy per spec.md §9 ("explicit enum ... switch on state").
func Select(t Topology, kind OperationKind, rp ReadPreference) []Server {
	switch t.Kind {
	case Single:
		for _, s := range t.Servers {
			return []Server{s}
		}
		return nil
	case Sharded:
		return filterByKind(t, Mongos)
	case ReplicaSetWithPrimary, ReplicaSetNoPrimary:
		return selectReplicaSet(t, kind, rp)
	default:
		return nil
	}
}

func filterByKind(t Topology, kind Kind) []Server {
	var out []Server
	for _, s := range t.Servers {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func selectReplicaSet(t Topology, kind OperationKind, rp ReadPreference) []Server {
	if kind == WriteOp {
		if p, ok := t.Primary(); ok {
			return []Server{p}
		}
		return nil
	}

	switch rp.Mode {
	case PrimaryMode:
		if p, ok := t.Primary(); ok {
			return []Server{p}
		}
		return nil
	case PrimaryPreferredMode:
		if p, ok := t.Primary(); ok {
			return []Server{p}
		}
		return filterSecondaries(t, rp)
	case SecondaryMode:
		return filterSecondaries(t, rp)
	case SecondaryPreferredMode:
		if secs := filterSecondaries(t, rp); len(secs) > 0 {
			return secs
		}
		if p, ok := t.Primary(); ok {
			return []Server{p}
		}
		return nil
	case NearestMode:
		return filterNearest(t, rp)
	default:
		return nil
	}
}

func filterSecondaries(t Topology, rp ReadPreference) []Server {
	primary, hasPrimary := t.Primary()
	var freshest Server
	if !hasPrimary {
		for _, s := range t.Servers {
			if s.Kind == RSSecondary && s.LastWriteDate.After(freshest.LastWriteDate) {
				freshest = s
			}
		}
	}

	var out []Server
	for _, s := range t.Servers {
		if s.Kind != RSSecondary {
			continue
		}
		if !matchesTags(s, rp.TagSets) {
			continue
		}
		if rp.MaxStaleness > 0 {
			var st time.Duration
			if hasPrimary {
				st = staleness(s, primary, true, t.HeartbeatInterval)
			} else {
				st = staleness(s, freshest, false, t.HeartbeatInterval)
			}
			if st > rp.MaxStaleness {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func filterNearest(t Topology, rp ReadPreference) []Server {
	primary, hasPrimary := t.Primary()
	candidates := filterSecondaries(t, rp)
	if hasPrimary && matchesTags(primary, rp.TagSets) {
		candidates = append(candidates, primary)
	}
	return candidates
}

func matchesTags(s Server, tagSets []TagSet) bool {
	if len(tagSets) == 0 {
		return true
	}
	for _, ts := range tagSets {
		if s.Tags.ContainsAll(ts) {
			return true
		}
	}
	return false
}

// ApplyLatencyWindow keeps only the candidates within [minRTT, minRTT +
// localThreshold] (spec.md §4.6 step 3, glossary "Latency window").
func ApplyLatencyWindow(candidates []Server, localThreshold time.Duration) []Server {
	if len(candidates) == 0 {
		return candidates
	}
	min := candidates[0].AverageRTT
	for _, c := range candidates[1:] {
		if c.AverageRTT < min {
			min = c.AverageRTT
		}
	}
	max := min + localThreshold
	var out []Server
	for _, c := range candidates {
		if c.AverageRTT <= max {
			out = append(out, c)
		}
	}
	return out
}

// PickRandom selects one server uniformly at random from candidates, or the
// zero value and false if candidates is empty (spec.md §4.6 step 4).
func PickRandom(candidates []Server, rnd *rand.Rand) (Server, bool) {
	if len(candidates) == 0 {
		return Server{}, false
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return candidates[rnd.Intn(len(candidates))], true
}
