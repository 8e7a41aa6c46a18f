// Copyright 2024-2025 The porterhttp Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// ClientOption is an option used to customize the behavior of a [Client].
type ClientOption interface {
	apply(*clientOptions)
}

// WithRootContext configures the root context used for background work the
// client may start, such as connection establishment for queued
// acquisitions and the pool's idle sweeper. If not specified,
// [context.Background] is used. It should only be cancelled after the
// client is no longer in use.
func WithRootContext(ctx context.Context) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.rootCtx = ctx
	})
}

// WithPipelining controls HTTP/1.1 pipelining. When enabled, a
// non-multiplexed connection is returned to the pool as soon as the
// request has been fully sent, so the next queued request can be written
// before the current response completes. When disabled (the default), the
// connection is held until the response reaches its terminal state.
//
// Sessions that cannot write a new request while a response is outstanding
// (including the built-in transport's) fall back to releasing at response
// completion even when pipelining is enabled.
func WithPipelining(enabled bool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.pipelining = enabled
	})
}

// WithDefaultHeaders configures headers merged into every request before
// dispatch. Defaults only fill gaps: a header already present on a request
// is never overridden.
func WithDefaultHeaders(headers *Headers) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultHeaders = headers
	})
}

// WithLogger configures the logger used for connection bookkeeping
// messages. If not specified, the logrus standard logger is used.
func WithLogger(logger logrus.FieldLogger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithResolver configures the endpoint resolver consulted before each
// dispatch. If not specified, request targets are used as-is.
func WithResolver(resolver Resolver) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.resolver = resolver
	})
}

// WithPool configures the connection pool. If not specified, the client
// creates its own [KeyedPool] and closes it on [Client.Close].
func WithPool(pool Pool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.pool = pool
	})
}

// WithConnector configures how the client's own pool establishes
// connections. Ignored when WithPool is used.
func WithConnector(connector Connector) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.connector = connector
	})
}

// WithMaxConnsPerHost caps the number of connections the client's own pool
// establishes per destination and protocol. Ignored when WithPool is used.
func WithMaxConnsPerHost(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxConnsPerHost = limit
	})
}

// WithIdleConnectionTimeout configures how long an idle pooled connection
// remains open. If backend servers or intermediaries place time limits on
// idle connections, this should be configured to be less than that limit.
// Ignored when WithPool is used.
func WithIdleConnectionTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.idleConnTimeout = duration
	})
}

// WithDialer configures the client to use the given function to establish
// network connections. If not specified, a default [net.Dialer] is used
// with a 30-second dial timeout and TCP keep-alive every 30 seconds.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig adds custom TLS configuration, used when connecting over a
// TLS session protocol. The given timeout applies to the TLS handshake; if
// zero, a default of 10 seconds is used.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.tlsConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	rootCtx             context.Context //nolint:containedctx
	pipelining          bool
	defaultHeaders      *Headers
	logger              logrus.FieldLogger
	resolver            Resolver
	pool                Pool
	connector           Connector
	maxConnsPerHost     int
	idleConnTimeout     time.Duration
	dialFunc            func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig           *tls.Config
	tlsHandshakeTimeout time.Duration
}

func (opts *clientOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.logger == nil {
		opts.logger = logrus.StandardLogger()
	}
	if opts.resolver == nil {
		opts.resolver = passthroughResolver{}
	}
	if opts.dialFunc == nil {
		opts.dialFunc = defaultDialer.DialContext
	}
	if opts.tlsHandshakeTimeout == 0 {
		opts.tlsHandshakeTimeout = 10 * time.Second
	}
}

// Client dispatches outbound requests over pooled connections. Use
// [NewClient] to create one; the zero value is not usable.
type Client struct {
	pool           Pool
	resolver       Resolver
	defaultHeaders *Headers
	pipelining     bool
	log            logrus.FieldLogger
	ownsPool       bool
}

// NewClient returns a new client that uses the given options.
func NewClient(options ...ClientOption) *Client {
	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()

	pool := opts.pool
	ownsPool := false
	if pool == nil {
		connector := opts.connector
		if connector == nil {
			connector = newHTTPConnector(&opts)
		}
		pool = NewPool(connector, PoolOptions{
			MaxConnsPerKey: opts.maxConnsPerHost,
			IdleTimeout:    opts.idleConnTimeout,
			Logger:         opts.logger,
			RootContext:    opts.rootCtx,
		})
		ownsPool = true
	}

	return &Client{
		pool:           pool,
		resolver:       opts.resolver,
		defaultHeaders: opts.defaultHeaders,
		pipelining:     opts.pipelining,
		log:            opts.logger,
		ownsPool:       ownsPool,
	}
}

// Close releases the client's resources. A pool supplied via [WithPool] is
// left untouched; a pool the client created itself is closed.
func (c *Client) Close() error {
	if !c.ownsPool {
		return nil
	}
	if closer, ok := c.pool.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
