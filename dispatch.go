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

import "context"

// Do dispatches req and returns the response placeholder immediately,
// before any network activity completes. The placeholder reaches its
// terminal state asynchronously; once Do has returned it, every failure is
// surfaced through the placeholder and never raised synchronously.
//
// Normalization runs before the connection is requested. When the pool has
// a connection ready, invocation proceeds on the caller's stack; otherwise
// it runs as a continuation on the goroutine that resolves the
// acquisition.
//
// Cancelling ctx before the acquisition resolves fails the placeholder; a
// connection that arrives afterwards is returned to the pool unused.
func (c *Client) Do(ctx context.Context, req *Request) *Response {
	res := newResponse()

	proto := req.Protocol
	if proto.IsZero() {
		res.Fail(ErrProtocolRequired)
		return res
	}

	endpoint, err := c.resolver.Resolve(ctx, req.Target)
	if err != nil {
		res.Fail(err)
		return res
	}
	endpoint = endpoint.WithDefaultPort(proto.DefaultPort())

	normalizeRequest(req, endpoint, proto, c.defaultHeaders)
	key := newKey(endpoint, proto)

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				res.Fail(ctx.Err())
			case <-res.Done():
			}
		}()
	}

	pending := c.pool.Acquire(key)
	pending.OnResolved(func(conn Connection, err error) {
		if err != nil {
			res.Fail(err)
			return
		}
		if res.terminated() {
			// The caller abandoned the exchange while the acquisition was
			// pending; hand the unused connection straight back.
			c.release(key, conn)
			return
		}
		c.invoke(key, conn, req, res)
	})
	return res
}

// invoke hands the request to the connection's session and applies the
// release policy. The borrowed connection is returned to the pool exactly
// once, or destroyed when the session turns out to be unusable.
func (c *Client) invoke(key Key, conn Connection, req *Request, res *Response) {
	needsRelease := true
	defer func() {
		if needsRelease {
			c.release(key, conn)
		}
	}()

	sess := conn.Session()
	res.init(sess.Flow())

	proto, ok := sess.Protocol()
	if !ok {
		// The connection never completed negotiation or was invalidated.
		// It is not reusable: destroy it instead of recycling it.
		needsRelease = false
		res.Fail(ErrSessionClosed)
		c.destroy(key, conn)
		return
	}

	if !sess.Invoke(req, res) {
		// The session refused the exchange; the deferred release returns
		// the borrow.
		return
	}
	needsRelease = false

	switch {
	case proto.Multiplexed():
		// The connection can serve other exchanges concurrently; return it
		// right away.
		c.release(key, conn)
	case c.pipelining && sessionPipelines(sess):
		// Return once the request is fully sent so the next queued request
		// can be written ahead of this response's completion.
		req.sent.onComplete(func() { c.release(key, conn) })
	default:
		// Strict one-exchange-at-a-time: return only once the response
		// reaches its terminal state.
		res.done.onComplete(func() { c.release(key, conn) })
	}
}

// sessionPipelines reports whether the session can accept a new request
// while a previous response on the same connection is still outstanding.
// Sessions that cannot opt out via a SupportsPipelining method; for them the
// early request-sent release would hand back a connection that refuses the
// next exchange.
func sessionPipelines(sess Session) bool {
	p, ok := sess.(interface{ SupportsPipelining() bool })
	return !ok || p.SupportsPipelining()
}

// release returns a connection to the pool. Bookkeeping errors are logged
// and swallowed; they never alter the outcome of the in-flight exchange.
func (c *Client) release(key Key, conn Connection) {
	if err := c.pool.Release(key, conn); err != nil {
		c.log.WithError(err).WithField("key", key.String()).
			Warn("failed to return connection to pool")
	}
}

// destroy tears down a connection that must not be reused. Pools that track
// per-key capacity are informed so the slot is freed.
func (c *Client) destroy(key Key, conn Connection) {
	if discarder, ok := c.pool.(interface{ Discard(Key, Connection) }); ok {
		discarder.Discard(key, conn)
		return
	}
	if err := conn.Close(); err != nil {
		c.log.WithError(err).WithField("key", key.String()).
			Debug("error closing connection")
	}
}
