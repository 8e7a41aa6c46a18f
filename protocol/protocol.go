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

// Package protocol describes the wire protocols that a client session may
// negotiate with a server, along with the lifecycle state of such a session.
package protocol

// Protocol is a value describing a negotiated session protocol. Protocol
// values are comparable and may be used as map keys. The zero value is not
// a valid protocol; use one of the package-level values.
type Protocol struct {
	id          string
	tls         bool
	multiplexed bool
	defaultPort int
}

// The protocols supported by this module.
var (
	// H1C is HTTP/1.1 over cleartext.
	H1C = Protocol{id: "h1c", defaultPort: 80}
	// H1 is HTTP/1.1 over TLS.
	H1 = Protocol{id: "h1", tls: true, defaultPort: 443}
	// H2C is HTTP/2 over cleartext.
	H2C = Protocol{id: "h2c", multiplexed: true, defaultPort: 80}
	// H2 is HTTP/2 over TLS.
	H2 = Protocol{id: "h2", tls: true, multiplexed: true, defaultPort: 443}
)

// ID returns the short identifier of the protocol, such as "h1" or "h2c".
func (p Protocol) ID() string { return p.id }

// TLS reports whether the protocol runs over TLS. The TLS flag is the sole
// source of truth for the request scheme and, together with DefaultPort,
// for authority synthesis.
func (p Protocol) TLS() bool { return p.tls }

// Multiplexed reports whether a single connection can interleave many
// concurrent exchanges.
func (p Protocol) Multiplexed() bool { return p.multiplexed }

// DefaultPort returns the port assumed when a destination does not name one.
func (p Protocol) DefaultPort() int { return p.defaultPort }

// Scheme returns "https" for TLS protocols and "http" otherwise.
func (p Protocol) Scheme() string {
	if p.tls {
		return "https"
	}
	return "http"
}

// IsZero reports whether p is the (invalid) zero value.
func (p Protocol) IsZero() bool { return p.id == "" }

func (p Protocol) String() string { return p.id }

// State is the negotiation lifecycle state of a session.
type State int

const (
	// Negotiating means the session has not yet completed protocol
	// negotiation and cannot carry exchanges.
	Negotiating State = iota
	// Ready means the session has a negotiated protocol and accepts
	// exchanges.
	Ready
	// Closed means the session was invalidated and its connection must not
	// be reused.
	Closed
)

func (s State) String() string {
	switch s {
	case Negotiating:
		return "negotiating"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
