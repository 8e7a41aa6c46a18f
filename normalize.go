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
	"net"
	"strconv"
	"strings"

	"github.com/porterhttp/dispatch/protocol"
)

const defaultUserAgent = "porterhttp-dispatch/" + Version

// normalizeRequest fills in the protocol metadata a request must carry
// before any bytes are sent and sanitizes its path. It is idempotent: a
// second pass over an already-normalized request changes nothing.
//
// The headers are rebuilt into a fresh collection rather than mutated in
// place, so a request can be re-dispatched (e.g. by a retry layer above)
// without aliasing a collection shared with a previous attempt.
func normalizeRequest(req *Request, endpoint Endpoint, proto protocol.Protocol, defaults *Headers) {
	headers := NewHeaders()
	if req.Headers != nil {
		headers = req.Headers.Clone()
	}

	if !headers.Contains(HeaderAuthority) {
		authority := endpoint.Host
		if endpoint.Port != proto.DefaultPort() {
			authority = net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port))
		}
		headers.Set(HeaderAuthority, authority)
	}

	if !headers.Contains(HeaderScheme) {
		headers.Set(HeaderScheme, proto.Scheme())
	}

	// Client-configured defaults fill gaps only; request values always win.
	if defaults != nil {
		defaults.Range(func(name, value string) bool {
			headers.SetIfAbsent(name, value)
			return true
		})
	}

	headers.SetIfAbsent(HeaderUserAgent, defaultUserAgent)

	req.Headers = headers
	req.Path = sanitizePath(req.Path)
}

// sanitizePath collapses every run of two or more consecutive slashes in
// the path component into a single slash. The query string, from the first
// '?' onward, is passed through byte-for-byte. An empty path becomes "/".
func sanitizePath(path string) string {
	if path == "" {
		return "/"
	}
	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i:]
	}
	if strings.Contains(path, "//") {
		var b strings.Builder
		b.Grow(len(path))
		var prev byte
		for i := 0; i < len(path); i++ {
			ch := path[i]
			if ch == '/' && prev == '/' {
				continue
			}
			b.WriteByte(ch)
			prev = ch
		}
		path = b.String()
	}
	return path + query
}
