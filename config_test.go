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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) { //nolint:paralleltest // uses process env
	t.Setenv("DISPATCH_HTTP1_PIPELINING", "true")
	t.Setenv("DISPATCH_MAX_CONNS_PER_HOST", "32")
	t.Setenv("DISPATCH_IDLE_CONN_TIMEOUT", "90s")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.True(t, cfg.Pipelining.Valid)
	assert.True(t, cfg.Pipelining.Bool)
	require.True(t, cfg.MaxConnsPerHost.Valid)
	assert.Equal(t, int64(32), cfg.MaxConnsPerHost.Int64)
	require.True(t, cfg.IdleConnTimeout.Valid)
	assert.Equal(t, 90*time.Second, cfg.IdleConnTimeout.Duration)

	assert.Len(t, cfg.Options(), 3)
}

func TestConfigUnsetFieldsProduceNoOptions(t *testing.T) { //nolint:paralleltest // uses process env
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Empty(t, cfg.Options())
}

func TestNullDuration(t *testing.T) {
	t.Parallel()
	var duration NullDuration
	require.NoError(t, duration.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, duration.Duration)
	assert.True(t, duration.Valid)

	require.NoError(t, duration.UnmarshalText(nil))
	assert.False(t, duration.Valid)

	require.Error(t, duration.UnmarshalText([]byte("not-a-duration")))

	text, err := NullDurationFrom(time.Minute).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m0s", string(text))
}
