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
	"go.uber.org/zap"

	"github.com/mistnet/httpss/tunnel"
)

// zapTunnelLogger adapts *zap.Logger to tunnel.Logger, grounded on
// bolucat-Archive/hysteria/app/cmd/speedtest.go's "package-level logger, one
// zap.Field per named value" idiom.
type zapTunnelLogger struct {
	base *zap.Logger
}

var _ tunnel.Logger = zapTunnelLogger{}

func newZapTunnelLogger(base *zap.Logger) zapTunnelLogger {
	return zapTunnelLogger{base: base}
}

func (l zapTunnelLogger) Event(name string, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	l.base.Debug(name, zf...)
}
