// Copyright 2024 The mistnet Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"strings"
	"time"
)

// fetchDefaults is the shape viper unmarshals the optional config file and
// HTTPSS_* environment variables into. Method and Headers can also be given
// with the --method and --header flags; Timeout has no flag and falls back
// to a built-in default, so an invocation never needs a config file.
type fetchDefaults struct {
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

func loadFetchDefaults() fetchDefaults {
	defaultViper.SetDefault("method", "GET")
	defaultViper.SetDefault("timeout", 30*time.Second)

	var cfg fetchDefaults
	if err := defaultViper.Unmarshal(&cfg); err != nil {
		logger.Warn("failed to parse config, falling back to built-in defaults")
		return fetchDefaults{Method: "GET", Timeout: 30 * time.Second}
	}
	if cfg.Method == "" {
		cfg.Method = "GET"
	}
	return cfg
}

// pinSpec is one "host=path/to/leaf.der" --proxy-pin flag value.
type pinSpec struct {
	host string
	path string
}

// parsePinFlag splits a "host=path" token, rejecting malformed input rather
// than silently pinning the wrong host.
func parsePinFlag(raw string) (pinSpec, error) {
	idx := strings.IndexByte(raw, '=')
	if idx <= 0 || idx == len(raw)-1 {
		return pinSpec{}, fmt.Errorf("invalid --proxy-pin %q, want host=path/to/leaf.der", raw)
	}
	return pinSpec{host: raw[:idx], path: raw[idx+1:]}, nil
}

// parseHeaderFlag splits a "Name: value" or "Name=value" --header token.
func parseHeaderFlag(raw string) (name, value string, err error) {
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		return strings.TrimSpace(raw[:idx]), strings.TrimSpace(raw[idx+1:]), nil
	}
	if idx := strings.IndexByte(raw, '='); idx >= 0 {
		return strings.TrimSpace(raw[:idx]), strings.TrimSpace(raw[idx+1:]), nil
	}
	return "", "", fmt.Errorf("invalid --header %q, want \"Name: value\"", raw)
}
