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
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/porterhttp/dispatch/protocol"
)

func newTestRequest(proto protocol.Protocol) *Request {
	return NewRequest("GET", Endpoint{Host: "example.com"}, proto, "/test")
}

func TestDispatchMultiplexedReleasesImmediately(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H2)
	conn := newFakeConn(sess)
	pool := &fakePool{next: ResolvedPending(conn)}
	client := NewClient(WithPool(pool))

	res := client.Do(context.Background(), newTestRequest(protocol.H2))

	// The pending acquisition was already resolved, so invocation and the
	// multiplexed release both happened on the Do call stack.
	require.Equal(t, 1, sess.invokeCount())
	releases := pool.releases()
	require.Len(t, releases, 1)
	require.Same(t, conn, releases[0].conn)
	require.False(t, res.terminated())

	// Completing the exchange later must not trigger another release.
	res.Complete(200, NewHeaders(), nil)
	<-res.Done()
	require.Len(t, pool.releases(), 1)
}

func TestDispatchPipeliningReleasesAtRequestSent(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H1C)
	conn := newFakeConn(sess)
	pool := &fakePool{next: ResolvedPending(conn)}
	client := NewClient(WithPool(pool), WithPipelining(true))

	req := newTestRequest(protocol.H1C)
	res := client.Do(context.Background(), req)

	require.Equal(t, 1, sess.invokeCount())
	require.Empty(t, pool.releases())

	req.FinishSend()
	require.Len(t, pool.releases(), 1)

	// The response finishing afterwards must not release again.
	res.Complete(200, NewHeaders(), nil)
	require.Len(t, pool.releases(), 1)
}

type serialOnlySession struct {
	*fakeSession
}

func (serialOnlySession) SupportsPipelining() bool { return false }

func TestDispatchPipeliningFallsBackWhenSessionIsSerialOnly(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H1C)
	conn := newFakeConn(serialOnlySession{sess})
	pool := &fakePool{next: ResolvedPending(conn)}
	client := NewClient(WithPool(pool), WithPipelining(true))

	req := newTestRequest(protocol.H1C)
	res := client.Do(context.Background(), req)
	require.Equal(t, 1, sess.invokeCount())

	// The request is fully sent, but the session cannot take another
	// exchange yet; the borrow is held until the response terminates.
	req.FinishSend()
	require.Empty(t, pool.releases())

	res.Complete(200, NewHeaders(), nil)
	<-res.Done()
	require.Len(t, pool.releases(), 1)
}

func TestDispatchWithoutPipeliningReleasesAtResponseDone(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H1C)
	conn := newFakeConn(sess)
	pool := &fakePool{next: ResolvedPending(conn)}
	client := NewClient(WithPool(pool))

	req := newTestRequest(protocol.H1C)
	res := client.Do(context.Background(), req)

	// Even after the request has been fully sent, the connection stays
	// borrowed until the response reaches its terminal state.
	req.FinishSend()
	require.Empty(t, pool.releases())

	res.Complete(200, NewHeaders(), nil)
	<-res.Done()
	require.Len(t, pool.releases(), 1)
}

func TestDispatchFailedResponseStillReleases(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H1C)
	conn := newFakeConn(sess)
	pool := &fakePool{next: ResolvedPending(conn)}
	client := NewClient(WithPool(pool))

	res := client.Do(context.Background(), newTestRequest(protocol.H1C))
	require.Empty(t, pool.releases())

	res.Fail(errors.New("connection reset"))
	require.Len(t, pool.releases(), 1)
}

func TestDispatchSessionRefusalReturnsBorrow(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H1C)
	sess.accept = false
	conn := newFakeConn(sess)
	pool := &fakePool{next: ResolvedPending(conn)}
	client := NewClient(WithPool(pool))

	client.Do(context.Background(), newTestRequest(protocol.H1C))

	require.Equal(t, 1, sess.invokeCount())
	require.Len(t, pool.releases(), 1)
	require.Equal(t, int32(0), conn.closes.Load())
}

func TestDispatchClosedSessionDestroysConnection(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H1C)
	sess.setState(protocol.Closed)
	conn := newFakeConn(sess)
	pool := &fakePool{next: ResolvedPending(conn)}
	client := NewClient(WithPool(pool))

	res := client.Do(context.Background(), newTestRequest(protocol.H1C))

	<-res.Done()
	require.ErrorIs(t, res.Err(), ErrSessionClosed)
	require.Equal(t, 0, sess.invokeCount())
	require.Equal(t, int32(1), conn.closes.Load())
	// Destroyed, never recycled.
	require.Empty(t, pool.releases())
}

func TestDispatchAcquisitionFailure(t *testing.T) {
	t.Parallel()
	acquireErr := errors.New("no route to host")
	pool := &fakePool{next: FailedPending(acquireErr)}
	client := NewClient(WithPool(pool))

	res := client.Do(context.Background(), newTestRequest(protocol.H1C))

	<-res.Done()
	require.ErrorIs(t, res.Err(), acquireErr)
	require.Empty(t, pool.releases())
}

func TestDispatchPendingAcquisitionRunsAsContinuation(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H2)
	conn := newFakeConn(sess)
	pending := NewPending()
	pool := &fakePool{next: pending}
	client := NewClient(WithPool(pool))

	res := client.Do(context.Background(), newTestRequest(protocol.H2))

	// Do returned without waiting for the acquisition.
	require.Equal(t, 0, sess.invokeCount())
	require.False(t, res.terminated())

	pending.Resolve(conn, nil)
	require.Equal(t, 1, sess.invokeCount())
	require.Len(t, pool.releases(), 1)
}

func TestDispatchAbandonedAcquisitionReleasesUnused(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H1C)
	conn := newFakeConn(sess)
	pending := NewPending()
	pool := &fakePool{next: pending}
	client := NewClient(WithPool(pool))

	ctx, cancel := context.WithCancel(context.Background())
	res := client.Do(ctx, newTestRequest(protocol.H1C))

	cancel()
	<-res.Done()
	require.ErrorIs(t, res.Err(), context.Canceled)

	// The late-arriving connection goes straight back to the pool.
	pending.Resolve(conn, nil)
	require.Equal(t, 0, sess.invokeCount())
	require.Len(t, pool.releases(), 1)
}

func TestDispatchReleaseErrorDoesNotAffectExchange(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H2)
	conn := newFakeConn(sess)
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	pool := &fakePool{next: ResolvedPending(conn), releaseErr: errors.New("pool bookkeeping")}
	client := NewClient(WithPool(pool), WithLogger(logger))

	res := client.Do(context.Background(), newTestRequest(protocol.H2))

	require.Len(t, pool.releases(), 1)
	require.False(t, res.terminated())
	res.Complete(200, NewHeaders(), nil)
	<-res.Done()
	require.NoError(t, res.Err())

	require.NotEmpty(t, hook.Entries)
	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestDispatchResolverFailure(t *testing.T) {
	t.Parallel()
	resolveErr := errors.New("unknown service")
	pool := &fakePool{}
	client := NewClient(WithPool(pool), WithResolver(resolverFunc(
		func(context.Context, Endpoint) (Endpoint, error) {
			return Endpoint{}, resolveErr
		})))

	res := client.Do(context.Background(), newTestRequest(protocol.H1C))

	<-res.Done()
	require.ErrorIs(t, res.Err(), resolveErr)
	require.Empty(t, pool.acquires())
}

type resolverFunc func(ctx context.Context, target Endpoint) (Endpoint, error)

func (f resolverFunc) Resolve(ctx context.Context, target Endpoint) (Endpoint, error) {
	return f(ctx, target)
}

func TestDispatchMissingProtocol(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	client := NewClient(WithPool(pool))

	req := NewRequest("GET", Endpoint{Host: "example.com"}, protocol.Protocol{}, "/")
	res := client.Do(context.Background(), req)

	<-res.Done()
	require.ErrorIs(t, res.Err(), ErrProtocolRequired)
	require.Empty(t, pool.acquires())
}

func TestDispatchNormalizesBeforeAcquiring(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H1C)
	conn := newFakeConn(sess)
	pool := &fakePool{next: ResolvedPending(conn)}
	client := NewClient(WithPool(pool))

	req := NewRequest("GET", Endpoint{Host: "example.com", Port: 8080}, protocol.H1C, "//a//b")
	client.Do(context.Background(), req)

	keys := pool.acquires()
	require.Len(t, keys, 1)
	require.Equal(t, Key{Host: "example.com", Port: 8080, Protocol: protocol.H1C}, keys[0])
	require.Equal(t, "/a/b", req.Path)
	authority, ok := req.Headers.Get(HeaderAuthority)
	require.True(t, ok)
	require.Equal(t, "example.com:8080", authority)
}

func TestDispatchInitializesFlowBeforeProtocolCheck(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(protocol.H1C)
	sess.setState(protocol.Closed)
	conn := newFakeConn(sess)
	pool := &fakePool{next: ResolvedPending(conn)}
	client := NewClient(WithPool(pool))

	res := client.Do(context.Background(), newTestRequest(protocol.H1C))

	<-res.Done()
	// Even for an unusable session, the placeholder was bound to the
	// session's flow controller first.
	require.Same(t, sess.flow, res.Flow())
}

func TestDispatchDoNeverBlocks(t *testing.T) {
	t.Parallel()
	pending := NewPending()
	pool := &fakePool{next: pending}
	client := NewClient(WithPool(pool))

	start := time.Now()
	res := client.Do(context.Background(), newTestRequest(protocol.H1C))
	require.Less(t, time.Since(start), time.Second)
	require.False(t, res.terminated())
	pending.Resolve(nil, errors.New("late failure"))
	<-res.Done()
}
