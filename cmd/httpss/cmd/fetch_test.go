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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPinTableEmpty(t *testing.T) {
	p, err := loadPinTable(nil)
	require.NoError(t, err)
	assert.False(t, p.HasPin("example.com"))
}

func TestLoadPinTableReadsDERFiles(t *testing.T) {
	dir := t.TempDir()
	leaf := []byte{0x30, 0x82, 0x01, 0x0a} // not a real cert, just opaque bytes to round-trip
	path := filepath.Join(dir, "proxy.der")
	require.NoError(t, os.WriteFile(path, leaf, 0o600))

	p, err := loadPinTable([]string{"proxy.example.com=" + path})
	require.NoError(t, err)
	assert.True(t, p.HasPin("proxy.example.com"))
	assert.False(t, p.HasPin("other.example.com"))
}

func TestLoadPinTableRejectsMissingFile(t *testing.T) {
	_, err := loadPinTable([]string{"proxy.example.com=/does/not/exist.der"})
	assert.Error(t, err)
}

func TestLoadPinTableRejectsMalformedFlag(t *testing.T) {
	_, err := loadPinTable([]string{"malformed"})
	assert.Error(t, err)
}
