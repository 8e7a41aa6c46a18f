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
	"net/textproto"
	"strings"
)

// Well-known header names. The authority and scheme fields use HTTP/2
// pseudo-header names; for HTTP/1.1 sessions they map to the Host header
// and the request URI scheme.
const (
	HeaderAuthority = ":authority"
	HeaderScheme    = ":scheme"
	HeaderUserAgent = "User-Agent"
)

// Headers is an ordered collection of header fields. Names are
// case-insensitive and stored in canonical form; the insertion order of
// first appearance is preserved. Each name holds a single value.
type Headers struct {
	fields []headerField
}

type headerField struct {
	name  string
	value string
}

// NewHeaders returns an empty header collection.
func NewHeaders() *Headers {
	return &Headers{}
}

func canonicalName(name string) string {
	if strings.HasPrefix(name, ":") {
		// pseudo-headers are always lowercase
		return strings.ToLower(name)
	}
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Len returns the number of header fields.
func (h *Headers) Len() int {
	return len(h.fields)
}

// Get returns the value for the given name and whether it is present.
func (h *Headers) Get(name string) (string, bool) {
	name = canonicalName(name)
	for _, f := range h.fields {
		if f.name == name {
			return f.value, true
		}
	}
	return "", false
}

// Contains reports whether the given name is present.
func (h *Headers) Contains(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Set sets the value for the given name. An existing field keeps its
// position; a new field is appended.
func (h *Headers) Set(name, value string) {
	name = canonicalName(name)
	for i := range h.fields {
		if h.fields[i].name == name {
			h.fields[i].value = value
			return
		}
	}
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// SetIfAbsent sets the value only if the name is not already present. It
// reports whether the value was set.
func (h *Headers) SetIfAbsent(name, value string) bool {
	if h.Contains(name) {
		return false
	}
	h.fields = append(h.fields, headerField{name: canonicalName(name), value: value})
	return true
}

// Clone returns a deep copy of the collection.
func (h *Headers) Clone() *Headers {
	clone := &Headers{fields: make([]headerField, len(h.fields))}
	copy(clone.fields, h.fields)
	return clone
}

// Range calls fn for each field in order. Iteration stops early if fn
// returns false.
func (h *Headers) Range(fn func(name, value string) bool) {
	for _, f := range h.fields {
		if !fn(f.name, f.value) {
			return
		}
	}
}
