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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/porterhttp/dispatch/protocol"
)

var errConnInUse = errors.New("transport connection already handed out")

// httpConnector establishes transport connections and negotiates the
// session protocol for them. HTTP/1.1 sessions are backed by a
// per-connection http.Transport; HTTP/2 sessions by an http2.ClientConn
// over the established connection.
type httpConnector struct {
	dialFunc            func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsConfig           *tls.Config
	tlsHandshakeTimeout time.Duration
}

func newHTTPConnector(opts *clientOptions) *httpConnector {
	return &httpConnector{
		dialFunc:            opts.dialFunc,
		tlsConfig:           opts.tlsConfig,
		tlsHandshakeTimeout: opts.tlsHandshakeTimeout,
	}
}

func (c *httpConnector) Connect(ctx context.Context, key Key) (Connection, error) {
	addr := net.JoinHostPort(key.Host, strconv.Itoa(key.Port))
	raw, err := c.dialFunc(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	proto := key.Protocol
	if proto.TLS() {
		raw, err = c.handshake(ctx, raw, key.Host, proto)
		if err != nil {
			return nil, err
		}
	}

	sess, err := newHTTPSession(proto, raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &httpConn{raw: raw, sess: sess}, nil
}

func (c *httpConnector) handshake(ctx context.Context, raw net.Conn, host string, proto protocol.Protocol) (net.Conn, error) {
	cfg := c.tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if proto.Multiplexed() {
		cfg.NextProtos = []string{"h2"}
	} else {
		cfg.NextProtos = []string{"http/1.1"}
	}

	tlsConn := tls.Client(raw, cfg)
	hctx, cancel := context.WithTimeout(ctx, c.tlsHandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	if proto.Multiplexed() && tlsConn.ConnectionState().NegotiatedProtocol != "h2" {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("server did not negotiate %s", proto)
	}
	return tlsConn, nil
}

// httpConn is a pooled connection with its bound session.
type httpConn struct {
	raw  net.Conn
	sess *httpSession

	closed atomic.Bool
}

func (c *httpConn) Session() Session {
	return c.sess
}

func (c *httpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.sess.markClosed()
	return c.raw.Close()
}

// httpSession drives exchanges over a single negotiated connection.
type httpSession struct {
	proto  protocol.Protocol
	state  atomic.Int32
	rt     http.RoundTripper
	h2conn *http2.ClientConn
	flow   *inboundFlow
}

func newHTTPSession(proto protocol.Protocol, conn net.Conn) (*httpSession, error) {
	sess := &httpSession{proto: proto, flow: newInboundFlow()}
	sess.state.Store(int32(protocol.Negotiating))

	if proto.Multiplexed() {
		transport := &http2.Transport{AllowHTTP: !proto.TLS()}
		clientConn, err := transport.NewClientConn(conn)
		if err != nil {
			return nil, err
		}
		sess.rt = clientConn
		sess.h2conn = clientConn
	} else {
		dial := singleConnDialer(conn)
		transport := &http.Transport{
			MaxIdleConns:          1,
			MaxIdleConnsPerHost:   1,
			ExpectContinueTimeout: 1 * time.Second,
		}
		if proto.TLS() {
			transport.DialTLSContext = dial
		} else {
			transport.DialContext = dial
		}
		sess.rt = transport
	}

	sess.state.Store(int32(protocol.Ready))
	return sess, nil
}

// singleConnDialer hands out the already-established connection on the
// first dial and refuses any further dials, so the per-connection
// http.Transport cannot silently open new sockets.
func singleConnDialer(conn net.Conn) func(ctx context.Context, network, addr string) (net.Conn, error) {
	var used atomic.Bool
	return func(_ context.Context, _, _ string) (net.Conn, error) {
		if used.CompareAndSwap(false, true) {
			return conn, nil
		}
		return nil, errConnInUse
	}
}

// State reports the session lifecycle state. For HTTP/2 sessions the
// underlying client connection is the source of truth for liveness: once it
// can no longer take new requests (GOAWAY received, closed by the peer) the
// session is Closed even though nothing called markClosed.
func (s *httpSession) State() protocol.State {
	state := protocol.State(s.state.Load())
	if state == protocol.Ready && s.h2conn != nil && !s.h2conn.CanTakeNewRequest() {
		s.markClosed()
		return protocol.Closed
	}
	return state
}

func (s *httpSession) Protocol() (protocol.Protocol, bool) {
	if s.State() != protocol.Ready {
		return protocol.Protocol{}, false
	}
	return s.proto, true
}

func (s *httpSession) Flow() FlowController {
	return s.flow
}

// SupportsPipelining reports false: the per-connection transport serializes
// exchanges and cannot write a new request while a response is outstanding.
func (s *httpSession) SupportsPipelining() bool {
	return false
}

func (s *httpSession) markClosed() {
	s.state.Store(int32(protocol.Closed))
}

// Invoke hands the exchange to the session. The round trip runs on its own
// goroutine and reports through the response placeholder.
func (s *httpSession) Invoke(req *Request, res *Response) bool {
	if s.State() != protocol.Ready {
		return false
	}
	httpReq, err := s.buildRequest(req)
	if err != nil {
		// Refuse the exchange; the dispatcher still owns the borrow.
		res.Fail(err)
		return false
	}
	go s.roundTrip(httpReq, req, res)
	return true
}

func (s *httpSession) buildRequest(req *Request) (*http.Request, error) {
	authority, _ := req.Headers.Get(HeaderAuthority)
	scheme, ok := req.Headers.Get(HeaderScheme)
	if !ok {
		scheme = s.proto.Scheme()
	}
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = &sentTracker{reader: req.Body, done: req.FinishSend}
	}
	httpReq, err := http.NewRequest(method, scheme+"://"+authority+path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Host = authority
	req.Headers.Range(func(name, value string) bool {
		if !strings.HasPrefix(name, ":") {
			httpReq.Header.Set(name, value)
		}
		return true
	})
	return httpReq, nil
}

func (s *httpSession) roundTrip(httpReq *http.Request, req *Request, res *Response) {
	resp, err := s.rt.RoundTrip(httpReq)
	// Whatever the outcome, the request is no longer being transmitted.
	req.FinishSend()
	if err != nil {
		if !s.proto.Multiplexed() {
			// An HTTP/1.1 session has exactly one connection behind it; a
			// transport-level failure means that connection is unusable. Mark
			// the session closed so the release destroys it instead of
			// parking a dead connection.
			s.markClosed()
		}
		res.Fail(err)
		return
	}
	if resp.Close {
		// The server announced it will close the connection after this
		// response. Destroy on release rather than recycling.
		s.markClosed()
	}
	headers := NewHeaders()
	for name, values := range resp.Header {
		if len(values) > 0 {
			headers.Set(name, values[0])
		}
	}
	res.Complete(resp.StatusCode, headers, &flowReadCloser{body: resp.Body, flow: s.flow})
}

// sentTracker marks the request body as fully transmitted once it has been
// read to EOF by the transport.
type sentTracker struct {
	reader io.Reader
	done   func()
}

func (t *sentTracker) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	if err != nil {
		t.done()
	}
	return n, err
}

func (t *sentTracker) Close() error {
	t.done()
	if closer, ok := t.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// inboundFlow gates delivery of inbound body data. While paused, readers
// block until Resume is called.
type inboundFlow struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newInboundFlow() *inboundFlow {
	return &inboundFlow{}
}

func (f *inboundFlow) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paused {
		f.paused = true
		f.resume = make(chan struct{})
	}
}

func (f *inboundFlow) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused {
		f.paused = false
		close(f.resume)
	}
}

func (f *inboundFlow) wait() {
	f.mu.Lock()
	resume := f.resume
	paused := f.paused
	f.mu.Unlock()
	if paused {
		<-resume
	}
}

// flowReadCloser applies the session's flow controller to body reads.
type flowReadCloser struct {
	body io.ReadCloser
	flow *inboundFlow
}

func (r *flowReadCloser) Read(p []byte) (int, error) {
	r.flow.wait()
	return r.body.Read(p)
}

func (r *flowReadCloser) Close() error {
	return r.body.Close()
}
