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

import "errors"

var (
	// ErrSessionClosed indicates that the acquired connection's session
	// never completed protocol negotiation or was invalidated before use.
	// The connection is destroyed rather than returned to the pool.
	ErrSessionClosed = errors.New("session is closed")

	// ErrPoolClosed is reported for acquisitions against a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrProtocolRequired indicates a request was dispatched without a
	// session protocol.
	ErrProtocolRequired = errors.New("request has no session protocol")
)
