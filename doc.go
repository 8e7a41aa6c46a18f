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

// Package dispatch implements client-side dispatch of outbound HTTP
// requests over pooled, possibly multiplexed connections.
//
// A [Client] sits between a caller holding a logical [Request] and a keyed
// pool of reusable connections. For each dispatch it normalizes the request
// so it is protocol-legal, derives the pool [Key] for the destination,
// acquires a connection (synchronously when one is already available,
// asynchronously otherwise), hands the request to the connection's
// negotiated [Session], and returns the connection to the pool at the
// protocol-correct moment: immediately for multiplexed protocols, at
// request-sent time when HTTP/1.1 pipelining is enabled, and at response
// completion otherwise.
//
// [Client.Do] returns a [Response] placeholder before any network activity
// completes. All failures, including connection acquisition failures, are
// surfaced through the placeholder's terminal signal; Do itself never
// blocks and never fails synchronously.
//
// Retry and failover policy, load balancing across endpoints, and DNS
// resolution are out of scope and are expected to live above or beside
// this package.
package dispatch

// Version is the version of this module, reported in the default
// User-Agent header.
const Version = "1.0.0"
