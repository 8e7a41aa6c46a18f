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

	"github.com/porterhttp/dispatch/protocol"
)

// Session is the protocol-negotiated wrapper bound one-to-one to a
// connection. Sessions for multiplexed protocols must accept concurrent
// Invoke calls and serialize internally.
type Session interface {
	// State reports the negotiation lifecycle state of the session.
	State() protocol.State

	// Protocol returns the negotiated protocol. The second return value is
	// false unless the session state is Ready.
	Protocol() (protocol.Protocol, bool)

	// Flow returns the controller governing inbound data delivery for
	// exchanges on this session.
	Flow() FlowController

	// Invoke hands the request/response pair to the session. It returns
	// true when the session has taken ownership of the exchange and will
	// drive it to completion, reporting the outcome through the response
	// placeholder. When it returns false the caller still owns the
	// borrowed connection and must release it.
	Invoke(req *Request, res *Response) bool
}

// Connection is a borrowed handle to a pooled transport connection. The
// dispatcher never outlives a single dispatch holding one: a borrowed
// connection is returned to the pool exactly once, or destroyed via Close
// when its session turns out to be unusable.
type Connection interface {
	// Session returns the session bound to this connection.
	Session() Session
	// Close tears down the underlying transport. Safe to call more than
	// once.
	Close() error
}

// Connector establishes new connections on behalf of a pool.
type Connector interface {
	Connect(ctx context.Context, key Key) (Connection, error)
}
