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
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/porterhttp/dispatch/protocol"
)

// Endpoint identifies a logical destination host and port. The host is kept
// in unresolved form so that pooled connections are keyed by destination,
// not by whatever address DNS happened to return.
type Endpoint struct {
	Host string
	Port int
}

// WithDefaultPort returns the endpoint with the port filled in from def
// when unset.
func (e Endpoint) WithDefaultPort(def int) Endpoint {
	if e.Port == 0 {
		e.Port = def
	}
	return e
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Resolver supplies the resolved endpoint for a request's target. The
// default resolver passes the target through unchanged; callers that need
// service discovery can plug their own via [WithResolver].
type Resolver interface {
	Resolve(ctx context.Context, target Endpoint) (Endpoint, error)
}

type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, target Endpoint) (Endpoint, error) {
	return target, nil
}

// Request is the envelope for a single outbound exchange. Headers may be
// modified until the request is dispatched. The Sent channel is closed once
// the request body has been fully transmitted, which is the release trigger
// for pipelined HTTP/1.1 connections.
type Request struct {
	Method   string
	Target   Endpoint
	Protocol protocol.Protocol
	Path     string
	Headers  *Headers
	Body     io.Reader

	sent *completion
}

// NewRequest returns a request for the given method, destination, protocol
// and path.
func NewRequest(method string, target Endpoint, proto protocol.Protocol, path string) *Request {
	return &Request{
		Method:   method,
		Target:   target,
		Protocol: proto,
		Path:     path,
		Headers:  NewHeaders(),
		sent:     newCompletion(),
	}
}

// Sent returns a channel that is closed once the request body has been
// fully transmitted.
func (r *Request) Sent() <-chan struct{} {
	return r.sent.channel()
}

// FinishSend marks the request body as fully transmitted. It is called by
// the session driving the exchange and is safe to call more than once.
func (r *Request) FinishSend() {
	r.sent.complete()
}

// completion is a one-shot completion signal. Callbacks registered before
// the signal fires run on the goroutine that fires it; callbacks registered
// after run synchronously on the registering goroutine.
type completion struct {
	mu        sync.Mutex
	fired     bool
	ch        chan struct{}
	callbacks []func()
}

func newCompletion() *completion {
	return &completion{ch: make(chan struct{})}
}

func (c *completion) channel() <-chan struct{} {
	return c.ch
}

func (c *completion) completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

func (c *completion) complete() {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return
	}
	c.fired = true
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.ch)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (c *completion) onComplete(fn func()) {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}
