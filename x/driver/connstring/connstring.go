// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package connstring parses mongodb:// and mongodb+srv:// connection
// strings (spec.md §6 "Connection string grammar"). Parsing and SRV/TXT
// resolution use net/url and net.Resolver directly: no third-party URI or
// DNS library appears anywhere in the retrieved pack, so the standard
// library is the only grounded choice here.
package connstring

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ReadPreferenceMode mirrors the five connection-string read preference
// names (spec.md §6 "readPreference").
type ReadPreferenceMode string

// Recognized read preference modes.
const (
	Primary            ReadPreferenceMode = "primary"
	PrimaryPreferred   ReadPreferenceMode = "primaryPreferred"
	Secondary          ReadPreferenceMode = "secondary"
	SecondaryPreferred ReadPreferenceMode = "secondaryPreferred"
	Nearest            ReadPreferenceMode = "nearest"
)

// ConnString is the parsed, typed form of a connection string. The password
// is held encrypted in a secureString whose String method prints
// "[redacted]"; Username is a plain field (spec.md §6 "Passwords ...
// stored in an in-memory safe").
type ConnString struct {
	Hosts      []string
	Database   string
	Username   string
	password   *secureString
	AuthSource string
	AuthMechanism string

	ReplicaSet  string
	TLS         bool
	DirectConnection bool

	ConnectTimeout         time.Duration
	SocketTimeout          time.Duration
	HeartbeatInterval      time.Duration
	ServerSelectionTimeout time.Duration
	LocalThreshold         time.Duration
	MaxIdleTime            time.Duration

	MaxPoolSize uint64
	MinPoolSize uint64

	W             string
	WTimeout      time.Duration
	Journal       bool
	JournalSet    bool
	ReadConcern   string
	ReadPreference ReadPreferenceMode
	ReadPreferenceTags []map[string]string
	MaxStaleness  time.Duration

	RetryWrites bool
	RetryReads  bool

	Compressors []string
}

// Password returns the decoded password in plaintext. Callers should hold
// it only as long as needed to build a credential and let it go out of
// scope immediately after.
func (c *ConnString) Password() (string, bool) {
	if c.password == nil {
		return "", false
	}
	return c.password.reveal(), true
}

// srvResolver is the subset of net.Resolver Parse needs; overridable in
// tests so SRV parsing doesn't require a live DNS server.
type srvResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Parse parses uri, resolving a +srv host through resolver (pass nil to use
// net.DefaultResolver).
func Parse(ctx context.Context, uri string, resolver srvResolver) (*ConnString, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("connstring: %w", err)
	}

	srv := false
	switch u.Scheme {
	case "mongodb":
	case "mongodb+srv":
		srv = true
	default:
		return nil, fmt.Errorf("connstring: unsupported scheme %q", u.Scheme)
	}

	cs := &ConnString{
		ReadPreference: Primary,
		MaxPoolSize:    100,
	}
	if u.User != nil {
		cs.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cs.password = newSecureString(pw)
		}
	}
	cs.Database = strings.TrimPrefix(u.Path, "/")

	if srv {
		cs.TLS = true
		if err := resolveSRV(ctx, resolver, u.Host, cs); err != nil {
			return nil, err
		}
	} else {
		cs.Hosts = strings.Split(u.Host, ",")
	}

	if err := applyOptions(cs, u.Query()); err != nil {
		return nil, err
	}
	return cs, nil
}

func resolveSRV(ctx context.Context, resolver srvResolver, host string, cs *ConnString) error {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, addrs, err := resolver.LookupSRV(ctx, "mongodb", "tcp", host)
	if err != nil {
		return fmt.Errorf("connstring: SRV lookup for %q: %w", host, err)
	}
	for _, a := range addrs {
		cs.Hosts = append(cs.Hosts, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
	}

	txts, err := resolver.LookupTXT(ctx, host)
	if err != nil {
		// TXT records are optional; absence is not an error.
		return nil
	}
	for _, txt := range txts {
		values, err := url.ParseQuery(txt)
		if err != nil {
			continue
		}
		if err := applyOptions(cs, values); err != nil {
			return err
		}
	}
	return nil
}

func applyOptions(cs *ConnString, q url.Values) error {
	get := func(key string) (string, bool) {
		v := q.Get(key)
		return v, v != ""
	}
	getDuration := func(key string, dst *time.Duration) error {
		if v, ok := get(key); ok {
			ms, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("connstring: invalid %s: %w", key, err)
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
		return nil
	}
	getUint := func(key string, dst *uint64) error {
		if v, ok := get(key); ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("connstring: invalid %s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	getBool := func(key string, dst *bool) error {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("connstring: invalid %s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}

	if v, ok := get("replicaSet"); ok {
		cs.ReplicaSet = v
	}
	if v, ok := get("ssl"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("connstring: invalid ssl: %w", err)
		}
		cs.TLS = b
	}
	if v, ok := get("tls"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("connstring: invalid tls: %w", err)
		}
		cs.TLS = b
	}
	if err := getDuration("connectTimeoutMS", &cs.ConnectTimeout); err != nil {
		return err
	}
	if err := getDuration("socketTimeoutMS", &cs.SocketTimeout); err != nil {
		return err
	}
	if err := getDuration("heartbeatFrequencyMS", &cs.HeartbeatInterval); err != nil {
		return err
	}
	if err := getDuration("serverSelectionTimeoutMS", &cs.ServerSelectionTimeout); err != nil {
		return err
	}
	if err := getDuration("localThresholdMS", &cs.LocalThreshold); err != nil {
		return err
	}
	if err := getDuration("maxIdleTimeMS", &cs.MaxIdleTime); err != nil {
		return err
	}
	if err := getUint("maxPoolSize", &cs.MaxPoolSize); err != nil {
		return err
	}
	if err := getUint("minPoolSize", &cs.MinPoolSize); err != nil {
		return err
	}
	if v, ok := get("w"); ok {
		cs.W = v
	}
	if err := getDuration("wtimeoutMS", &cs.WTimeout); err != nil {
		return err
	}
	if _, ok := get("journal"); ok {
		cs.JournalSet = true
		if err := getBool("journal", &cs.Journal); err != nil {
			return err
		}
	}
	if v, ok := get("readConcernLevel"); ok {
		cs.ReadConcern = v
	}
	if v, ok := get("readPreference"); ok {
		cs.ReadPreference = ReadPreferenceMode(v)
	}
	if tags, ok := q["readPreferenceTags"]; ok {
		for _, raw := range tags {
			set := map[string]string{}
			for _, kv := range strings.Split(raw, ",") {
				parts := strings.SplitN(kv, ":", 2)
				if len(parts) == 2 {
					set[parts[0]] = parts[1]
				}
			}
			cs.ReadPreferenceTags = append(cs.ReadPreferenceTags, set)
		}
	}
	if v, ok := get("maxStalenessSeconds"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("connstring: invalid maxStalenessSeconds: %w", err)
		}
		cs.MaxStaleness = time.Duration(secs) * time.Second
	}
	if v, ok := get("authSource"); ok {
		cs.AuthSource = v
	}
	if v, ok := get("authMechanism"); ok {
		cs.AuthMechanism = v
	}
	if err := getBool("retryWrites", &cs.RetryWrites); err != nil {
		return err
	}
	if err := getBool("retryReads", &cs.RetryReads); err != nil {
		return err
	}
	if v, ok := get("compressors"); ok {
		cs.Compressors = strings.Split(v, ",")
	}
	if err := getBool("directConnection", &cs.DirectConnection); err != nil {
		return err
	}
	return nil
}
