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

// Package clocktest adapts the clockwork fake clock to our internal Clock
// interface. The adaptation is needed because Go interface compatibility is
// nominal for methods whose signatures mention other interfaces: the Clock
// methods returning Timer or Ticker must be re-boxed to return our types
// instead of the clockwork ones.
package clocktest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/porterhttp/dispatch/internal"
)

// FakeClock is a clock that can be manually advanced through time. It adapts
// *[clockwork.FakeClock] to the internal.Clock interface.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock backed by clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

// NewTicker re-boxes the clockwork.Ticker as an internal.Ticker. See the
// package comment for why this is necessary.
func (f fakeClock) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}

// NewTimer re-boxes the clockwork.Timer as an internal.Timer. See the
// package comment for why this is necessary.
func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	return f.FakeClock.NewTimer(d)
}
