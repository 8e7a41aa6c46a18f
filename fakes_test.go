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
	"sync/atomic"

	"github.com/porterhttp/dispatch/protocol"
)

type fakeFlow struct {
	pauses  atomic.Int32
	resumes atomic.Int32
}

func (f *fakeFlow) Pause()  { f.pauses.Add(1) }
func (f *fakeFlow) Resume() { f.resumes.Add(1) }

type fakeSession struct {
	mu      sync.Mutex
	state   protocol.State
	proto   protocol.Protocol
	accept  bool
	flow    FlowController
	invoked []*Request
}

func newFakeSession(proto protocol.Protocol) *fakeSession {
	return &fakeSession{
		state:  protocol.Ready,
		proto:  proto,
		accept: true,
		flow:   &fakeFlow{},
	}
}

func (s *fakeSession) State() protocol.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Protocol() (protocol.Protocol, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != protocol.Ready {
		return protocol.Protocol{}, false
	}
	return s.proto, true
}

func (s *fakeSession) Flow() FlowController {
	return s.flow
}

func (s *fakeSession) Invoke(req *Request, _ *Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoked = append(s.invoked, req)
	return s.accept
}

func (s *fakeSession) invokeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invoked)
}

func (s *fakeSession) setState(state protocol.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

type fakeConn struct {
	sess   Session
	closes atomic.Int32
}

func newFakeConn(sess Session) *fakeConn {
	return &fakeConn{sess: sess}
}

func (c *fakeConn) Session() Session { return c.sess }

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	if closer, ok := c.sess.(*fakeSession); ok {
		closer.setState(protocol.Closed)
	}
	return nil
}

type poolRelease struct {
	key  Key
	conn Connection
}

type fakePool struct {
	mu         sync.Mutex
	next       *Pending
	acquired   []Key
	released   []poolRelease
	releaseErr error
}

func (p *fakePool) Acquire(key Key) *Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired = append(p.acquired, key)
	return p.next
}

func (p *fakePool) Release(key Key, conn Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, poolRelease{key: key, conn: conn})
	return p.releaseErr
}

func (p *fakePool) releases() []poolRelease {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]poolRelease, len(p.released))
	copy(out, p.released)
	return out
}

func (p *fakePool) acquires() []Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Key, len(p.acquired))
	copy(out, p.acquired)
	return out
}

type fakeConnector struct {
	mu      sync.Mutex
	dials   int
	connect func(ctx context.Context, key Key) (Connection, error)
}

func (c *fakeConnector) Connect(ctx context.Context, key Key) (Connection, error) {
	c.mu.Lock()
	c.dials++
	c.mu.Unlock()
	return c.connect(ctx, key)
}

func (c *fakeConnector) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}
