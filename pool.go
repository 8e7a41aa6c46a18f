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
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/porterhttp/dispatch/internal"
	"github.com/porterhttp/dispatch/protocol"
)

const (
	defaultMaxConnsPerKey = 512
	defaultIdleTimeout    = 10 * time.Second
)

// Key identifies a class of interchangeable pooled connections: the
// unresolved destination plus the session protocol. Two requests to the
// same logical destination and protocol yield equal keys regardless of
// DNS resolution timing.
type Key struct {
	Host     string
	Port     int
	Protocol protocol.Protocol
}

func newKey(endpoint Endpoint, proto protocol.Protocol) Key {
	return Key{Host: endpoint.Host, Port: endpoint.Port, Protocol: proto}
}

func (k Key) String() string {
	return k.Protocol.ID() + "://" + Endpoint{Host: k.Host, Port: k.Port}.String()
}

// Pending is the single-resolution future returned by a pool acquisition.
// It resolves exactly once, to either a connection or an error.
type Pending struct {
	mu       sync.Mutex
	resolved bool
	conn     Connection
	err      error
	cont     func(Connection, error)
}

// NewPending returns an unresolved acquisition.
func NewPending() *Pending {
	return &Pending{}
}

// ResolvedPending returns an acquisition already resolved to conn.
func ResolvedPending(conn Connection) *Pending {
	return &Pending{resolved: true, conn: conn}
}

// FailedPending returns an acquisition already resolved to err.
func FailedPending(err error) *Pending {
	return &Pending{resolved: true, err: err}
}

// Resolve delivers the outcome. Only the first call takes effect.
func (p *Pending) Resolve(conn Connection, err error) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	p.conn, p.err = conn, err
	cont := p.cont
	p.cont = nil
	p.mu.Unlock()
	if cont != nil {
		cont(conn, err)
	}
}

// OnResolved registers the continuation for the acquisition. If the
// acquisition is already resolved, the continuation runs synchronously on
// the caller's stack; otherwise it runs on whatever goroutine resolves it.
// At most one continuation may be registered.
func (p *Pending) OnResolved(cont func(Connection, error)) {
	p.mu.Lock()
	if p.resolved {
		conn, err := p.conn, p.err
		p.mu.Unlock()
		cont(conn, err)
		return
	}
	p.cont = cont
	p.mu.Unlock()
}

// Pool is the keyed connection pool collaborator used by the dispatcher.
// Release must tolerate being handed a connection the pool is not currently
// tracking.
type Pool interface {
	Acquire(key Key) *Pending
	Release(key Key, conn Connection) error
}

// PoolOptions configures a [KeyedPool].
type PoolOptions struct {
	// MaxConnsPerKey caps the number of connections established per key.
	// Acquisitions beyond the cap wait for a release. Defaults to 512.
	MaxConnsPerKey int
	// IdleTimeout is how long a parked connection may sit unused before the
	// sweeper closes it. Defaults to 10 seconds.
	IdleTimeout time.Duration
	// Logger receives sweep and close bookkeeping messages. Defaults to the
	// logrus standard logger.
	Logger logrus.FieldLogger
	// RootContext bounds the pool's background work. Defaults to
	// context.Background().
	RootContext context.Context //nolint:containedctx
}

func (o *PoolOptions) applyDefaults() {
	if o.MaxConnsPerKey <= 0 {
		o.MaxConnsPerKey = defaultMaxConnsPerKey
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.RootContext == nil {
		o.RootContext = context.Background()
	}
}

// KeyedPool is the default [Pool] implementation. Parked connections are
// reused most-recently-released first; acquisitions past the per-key cap
// queue in FIFO order and are handed released connections directly.
type KeyedPool struct {
	connector   Connector
	log         logrus.FieldLogger
	clock       internal.Clock
	maxPerKey   int
	idleTimeout time.Duration
	rootCtx     context.Context //nolint:containedctx
	cancel      context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sweeping bool
	byKey    map[Key]*poolEntry
}

type poolEntry struct {
	idle     []idleConn   // LIFO
	waiters  *queue.Queue // FIFO of *Pending
	borrowed map[Connection]struct{}
	active   int
}

type idleConn struct {
	conn     Connection
	parkedAt time.Time
}

// NewPool returns a keyed pool that establishes new connections with the
// given connector.
func NewPool(connector Connector, opts PoolOptions) *KeyedPool {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(opts.RootContext)
	return &KeyedPool{
		connector:   connector,
		log:         opts.Logger,
		clock:       internal.NewRealClock(),
		maxPerKey:   opts.MaxConnsPerKey,
		idleTimeout: opts.IdleTimeout,
		rootCtx:     ctx,
		cancel:      cancel,
		byKey:       map[Key]*poolEntry{},
	}
}

func (p *KeyedPool) entryLocked(key Key) *poolEntry {
	e := p.byKey[key]
	if e == nil {
		e = &poolEntry{waiters: queue.New(), borrowed: map[Connection]struct{}{}}
		p.byKey[key] = e
	}
	return e
}

// Acquire returns an acquisition for the given key. The result is already
// resolved when a parked connection is available; otherwise it resolves
// once a new connection is established or a borrowed one is released.
func (p *KeyedPool) Acquire(key Key) *Pending {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return FailedPending(ErrPoolClosed)
	}
	e := p.entryLocked(key)

	// Prefer the most recently parked connection; drop any whose session
	// has since been closed by the peer.
	for n := len(e.idle); n > 0; n = len(e.idle) {
		ic := e.idle[n-1]
		e.idle = e.idle[:n-1]
		if ic.conn.Session().State() != protocol.Ready {
			p.mu.Unlock()
			p.closeConn(ic.conn)
			p.mu.Lock()
			continue
		}
		e.active++
		e.borrowed[ic.conn] = struct{}{}
		p.mu.Unlock()
		return ResolvedPending(ic.conn)
	}

	if e.active < p.maxPerKey {
		e.active++
		p.mu.Unlock()
		pending := NewPending()
		go p.establish(key, pending)
		return pending
	}

	pending := NewPending()
	e.waiters.Add(pending)
	p.mu.Unlock()
	return pending
}

func (p *KeyedPool) establish(key Key, pending *Pending) {
	conn, err := p.connector.Connect(p.rootCtx, key)
	if err == nil {
		p.mu.Lock()
		p.entryLocked(key).borrowed[conn] = struct{}{}
		p.mu.Unlock()
		pending.Resolve(conn, nil)
		return
	}
	// The slot freed by this failure may unblock a queued acquisition.
	var next *Pending
	p.mu.Lock()
	e := p.entryLocked(key)
	e.active--
	if !p.closed && e.waiters.Length() > 0 && e.active < p.maxPerKey {
		next = e.waiters.Remove().(*Pending)
		e.active++
	}
	p.mu.Unlock()
	pending.Resolve(nil, err)
	if next != nil {
		go p.establish(key, next)
	}
}

// Release returns a borrowed connection to the pool. A queued acquisition,
// if any, receives the connection directly; otherwise it is parked for
// reuse. Connections whose session is no longer ready are closed instead.
// Releasing a connection the pool is not tracking is safe; it does not free
// a capacity slot.
func (p *KeyedPool) Release(key Key, conn Connection) error {
	if conn == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return conn.Close()
	}
	e := p.entryLocked(key)
	if _, tracked := e.borrowed[conn]; tracked {
		delete(e.borrowed, conn)
		e.active--
	}

	if conn.Session().State() != protocol.Ready {
		p.mu.Unlock()
		p.closeConn(conn)
		return nil
	}

	if e.waiters.Length() > 0 {
		pending := e.waiters.Remove().(*Pending)
		e.active++
		e.borrowed[conn] = struct{}{}
		p.mu.Unlock()
		pending.Resolve(conn, nil)
		return nil
	}

	e.idle = append(e.idle, idleConn{conn: conn, parkedAt: p.clock.Now()})
	startSweeper := !p.sweeping
	p.sweeping = true
	p.mu.Unlock()
	if startSweeper {
		go p.sweepIdle()
	}
	return nil
}

// Discard tells the pool that a borrowed connection was destroyed instead
// of returned, freeing its slot. The connection is closed if it is not
// already.
func (p *KeyedPool) Discard(key Key, conn Connection) {
	var next *Pending
	p.mu.Lock()
	e := p.entryLocked(key)
	if _, tracked := e.borrowed[conn]; tracked {
		delete(e.borrowed, conn)
		e.active--
	}
	if !p.closed && e.waiters.Length() > 0 && e.active < p.maxPerKey {
		next = e.waiters.Remove().(*Pending)
		e.active++
	}
	p.mu.Unlock()
	if conn != nil {
		p.closeConn(conn)
	}
	if next != nil {
		go p.establish(key, next)
	}
}

// sweepIdle closes parked connections that have outlived the idle timeout.
// The sweeper runs only while parked connections exist.
func (p *KeyedPool) sweepIdle() {
	ticker := p.clock.NewTicker(p.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			var expired []Connection
			p.mu.Lock()
			remaining := 0
			for _, e := range p.byKey {
				kept := e.idle[:0]
				for _, ic := range e.idle {
					if p.clock.Since(ic.parkedAt) >= p.idleTimeout {
						expired = append(expired, ic.conn)
					} else {
						kept = append(kept, ic)
					}
				}
				e.idle = kept
				remaining += len(kept)
			}
			stop := remaining == 0
			if stop {
				p.sweeping = false
			}
			p.mu.Unlock()
			for _, conn := range expired {
				p.closeConn(conn)
			}
			if stop {
				return
			}
		case <-p.rootCtx.Done():
			return
		}
	}
}

// Close closes the pool. Parked connections are torn down concurrently and
// queued acquisitions fail with ErrPoolClosed.
func (p *KeyedPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var conns []Connection
	var waiters []*Pending
	for _, e := range p.byKey {
		for _, ic := range e.idle {
			conns = append(conns, ic.conn)
		}
		e.idle = nil
		for e.waiters.Length() > 0 {
			waiters = append(waiters, e.waiters.Remove().(*Pending))
		}
	}
	p.mu.Unlock()
	p.cancel()
	for _, pending := range waiters {
		pending.Resolve(nil, ErrPoolClosed)
	}
	grp, _ := errgroup.WithContext(context.Background())
	for _, conn := range conns {
		conn := conn
		grp.Go(conn.Close)
	}
	return grp.Wait()
}

func (p *KeyedPool) closeConn(conn Connection) {
	if err := conn.Close(); err != nil {
		p.log.WithError(err).Debug("error closing pooled connection")
	}
}
