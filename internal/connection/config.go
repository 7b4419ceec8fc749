// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package connection

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/driftwood-db/mongowire/address"
	"github.com/driftwood-db/mongowire/internal/description"
)

// Handshaker runs the post-dial MongoDB handshake (spec.md §4.2) and,
// where applicable, SASL authentication (spec.md §4.3) on a freshly dialed
// Connection.
type Handshaker interface {
	Handshake(ctx context.Context, addr address.Address, c *Connection) (description.Server, error)
}

type dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type config struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	tlsConfig      *tls.Config
	dialer         dialer
	handshaker     Handshaker
	compressors    []string
	appName        string
	idleTimeout    time.Duration
}

// Option configures a Connection or pool.
type Option func(*config)

func newConfig(opts ...Option) *config {
	cfg := &config{
		connectTimeout: 30 * time.Second,
		dialer:         &net.Dialer{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(d time.Duration) Option { return func(c *config) { c.connectTimeout = d } }

// WithReadTimeout sets the default per-read timeout (spec.md §5: "every
// network call has a per-operation timeout from opts").
func WithReadTimeout(d time.Duration) Option { return func(c *config) { c.readTimeout = d } }

// WithWriteTimeout sets the default per-write timeout.
func WithWriteTimeout(d time.Duration) Option { return func(c *config) { c.writeTimeout = d } }

// WithTLSConfig enables TLS using the given configuration.
func WithTLSConfig(tlsCfg *tls.Config) Option { return func(c *config) { c.tlsConfig = tlsCfg } }

// WithHandshaker sets the handshake/authentication implementation run once
// after dial.
func WithHandshaker(h Handshaker) Option { return func(c *config) { c.handshaker = h } }

// WithCompressors sets the compressors advertised during the handshake.
func WithCompressors(names []string) Option { return func(c *config) { c.compressors = names } }

// WithAppName sets the application name advertised in client metadata.
func WithAppName(name string) Option { return func(c *config) { c.appName = name } }

// WithIdleTimeout sets the duration after which an idle pooled connection
// is eligible for reaping. The default is zero, which disables expiry; the
// pool looks for expired connections every PoolConfig.ReapInterval (5s by
// default).
func WithIdleTimeout(d time.Duration) Option { return func(c *config) { c.idleTimeout = d } }
