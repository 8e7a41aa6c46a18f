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
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
)

// Config holds the environment-driven client configuration. Unset fields
// leave the corresponding option at its programmatic or built-in default.
type Config struct {
	Pipelining      null.Bool    `json:"pipelining" envconfig:"DISPATCH_HTTP1_PIPELINING"`
	MaxConnsPerHost null.Int     `json:"maxConnsPerHost" envconfig:"DISPATCH_MAX_CONNS_PER_HOST"`
	IdleConnTimeout NullDuration `json:"idleConnTimeout" envconfig:"DISPATCH_IDLE_CONN_TIMEOUT"`
}

// ConfigFromEnv reads the configuration from the process environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Options converts the set fields into client options, suitable for
// appending after programmatic options so the environment wins.
func (c Config) Options() []ClientOption {
	var opts []ClientOption
	if c.Pipelining.Valid {
		opts = append(opts, WithPipelining(c.Pipelining.Bool))
	}
	if c.MaxConnsPerHost.Valid {
		opts = append(opts, WithMaxConnsPerHost(int(c.MaxConnsPerHost.Int64)))
	}
	if c.IdleConnTimeout.Valid {
		opts = append(opts, WithIdleConnectionTimeout(c.IdleConnTimeout.Duration))
	}
	return opts
}

// NullDuration is a nullable time.Duration. It parses from the standard
// duration string form ("30s", "1m30s").
type NullDuration struct {
	Duration time.Duration
	Valid    bool
}

// NullDurationFrom returns a valid NullDuration holding d.
func NullDurationFrom(d time.Duration) NullDuration {
	return NullDuration{Duration: d, Valid: true}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *NullDuration) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*d = NullDuration{}
		return nil
	}
	parsed, err := time.ParseDuration(string(data))
	if err != nil {
		return err
	}
	*d = NullDurationFrom(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d NullDuration) MarshalText() ([]byte, error) {
	if !d.Valid {
		return nil, nil
	}
	return []byte(d.Duration.String()), nil
}
