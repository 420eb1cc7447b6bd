// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package obs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFallbackRules(t *testing.T) {
	table := NewFallbackTable(nil)
	defer table.Close()

	rule, ok := table.Resolve("/runs/stats")
	require.True(t, ok)
	assert.Equal(t, "POST", rule.AltMethod)
	assert.Equal(t, "/runs/query/stats", rule.AltPath)

	rule, ok = table.Resolve("/workspaces/current/stats")
	require.True(t, ok)
	assert.Equal(t, "/workspaces/stats", rule.AltPath)

	_, ok = table.Resolve("/datasets")
	assert.False(t, ok, "unlisted endpoints have no alternate")
}

func TestLoadFallbackTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallbacks.yaml")
	content := `
- path: /runs/stats
  alt_method: POST
  alt_path: /v2/runs/stats
- path: /custom/endpoint
  alt_path: /custom/alternate
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	table, err := LoadFallbackTable(path, nil)
	require.NoError(t, err)
	defer table.Close()

	// File rules replace the compiled-in defaults entirely.
	rule, ok := table.Resolve("/runs/stats")
	require.True(t, ok)
	assert.Equal(t, "/v2/runs/stats", rule.AltPath)

	rule, ok = table.Resolve("/custom/endpoint")
	require.True(t, ok)
	assert.Equal(t, "POST", rule.AltMethod, "alt_method defaults to POST")

	_, ok = table.Resolve("/workspaces/current/stats")
	assert.False(t, ok, "defaults are gone once a file is loaded")
	assert.Len(t, table.Rules(), 2)
}

func TestLoadFallbackTable_Invalid(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "nope.yaml")
	_, err := LoadFallbackTable(missing, nil)
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("- path: /runs/stats\n"), 0o644))
	_, err = LoadFallbackTable(bad, nil)
	require.Error(t, err, "a rule without alt_path must be rejected")
}

func TestFallbackTable_ReloadKeepsPreviousOnMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallbacks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- path: /a\n  alt_path: /b\n"), 0o644))

	table, err := LoadFallbackTable(path, nil)
	require.NoError(t, err)
	defer table.Close()

	require.NoError(t, os.WriteFile(path, []byte("{{{ not yaml"), 0o644))
	require.Error(t, table.reload())

	rule, ok := table.Resolve("/a")
	require.True(t, ok, "malformed reload must keep the previous rules")
	assert.Equal(t, "/b", rule.AltPath)
}

func TestFallbackTable_WatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallbacks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- path: /a\n  alt_path: /b\n"), 0o644))

	table, err := LoadFallbackTable(path, nil)
	require.NoError(t, err)
	require.NoError(t, table.Watch())
	defer table.Close()

	require.NoError(t, os.WriteFile(path, []byte("- path: /a\n  alt_path: /changed\n"), 0o644))

	assert.Eventually(t, func() bool {
		rule, ok := table.Resolve("/a")
		return ok && rule.AltPath == "/changed"
	}, 3*time.Second, 50*time.Millisecond, "watcher should pick up the rewrite")

	// Close is idempotent.
	require.NoError(t, table.Close())
	require.NoError(t, table.Close())
}
