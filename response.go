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
	"io"
	"sync"
	"sync/atomic"
)

// FlowController lets a response consumer apply backpressure to inbound
// data delivery for exchanges on a session. Pause suspends delivery and
// Resume lifts the suspension. Implementations are provided by sessions.
type FlowController interface {
	Pause()
	Resume()
}

// Response is the placeholder returned to a caller before any network
// activity completes. The response head becomes available when the Ready
// channel is closed; the Done channel is closed when the exchange reaches
// its terminal state, which for a successful exchange is the point at which
// the body has been fully consumed or closed.
type Response struct {
	mu      sync.Mutex
	flow    FlowController
	flowSet bool
	status  int
	headers *Headers
	body    io.ReadCloser

	err   error
	ready *completion
	done  *completion
}

func newResponse() *Response {
	return &Response{
		ready: newCompletion(),
		done:  newCompletion(),
	}
}

// Ready returns a channel that is closed once the response head (status
// and headers) is available, or once the exchange fails.
func (r *Response) Ready() <-chan struct{} {
	return r.ready.channel()
}

// Done returns a channel that is closed when the exchange reaches its
// terminal state: success, protocol-level close, or transport failure.
func (r *Response) Done() <-chan struct{} {
	return r.done.channel()
}

// Err returns the terminal error of the exchange, or nil if the exchange
// succeeded or has not yet finished.
func (r *Response) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// StatusCode returns the response status. Valid once Ready is closed.
func (r *Response) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Headers returns the response headers. Valid once Ready is closed.
func (r *Response) Headers() *Headers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers
}

// Body returns the response body. Valid once Ready is closed. The exchange
// reaches its terminal state when the body is fully read or closed; callers
// must close it.
func (r *Response) Body() io.ReadCloser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

// Flow returns the backpressure controller for the exchange, or nil if the
// response has not been bound to a session yet.
func (r *Response) Flow() FlowController {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flow
}

// init installs the session's flow controller. It is called exactly once
// per dispatch, before the session's protocol is inspected; later calls are
// ignored.
func (r *Response) init(flow FlowController) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flowSet {
		return
	}
	r.flowSet = true
	r.flow = flow
}

// Complete records the response head and body. If body is nil, the exchange
// is terminal immediately; otherwise it becomes terminal once the body has
// been fully consumed or closed. Complete and Fail are mutually exclusive;
// whichever happens first wins.
func (r *Response) Complete(status int, headers *Headers, body io.ReadCloser) {
	r.mu.Lock()
	if r.ready.completed() {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.headers = headers
	if body != nil {
		body = &completionReadCloser{ReadCloser: body, hook: r.done.complete}
	}
	r.body = body
	r.mu.Unlock()
	r.ready.complete()
	if body == nil {
		r.done.complete()
	}
}

// Fail moves the exchange to its terminal state with the given error. Only
// the first terminal transition takes effect.
func (r *Response) Fail(err error) {
	r.mu.Lock()
	if r.done.completed() {
		r.mu.Unlock()
		return
	}
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.ready.complete()
	r.done.complete()
}

func (r *Response) terminated() bool {
	return r.done.completed()
}

// completionReadCloser fires its hook exactly once, when the wrapped body
// is exhausted or closed.
type completionReadCloser struct {
	io.ReadCloser
	hook func()

	fired atomic.Bool
}

func (c *completionReadCloser) finish() {
	if c.fired.CompareAndSwap(false, true) {
		c.hook()
	}
}

func (c *completionReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err != nil {
		c.finish()
	}
	return n, err
}

func (c *completionReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.finish()
	return err
}
