// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package obs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FallbackRule maps an endpoint that is known to answer 405 to its documented
// alternate. The backend contract drifts; the table is data, not code.
type FallbackRule struct {
	Path      string `yaml:"path"`
	AltMethod string `yaml:"alt_method"`
	AltPath   string `yaml:"alt_path"`
}

// FallbackTable resolves 405 responses to alternate endpoints. It can be
// loaded from a YAML file and hot-reloads when that file changes.
type FallbackTable struct {
	mu    sync.RWMutex
	rules map[string]FallbackRule
	path  string

	logger  *zap.Logger
	watcher *fsnotify.Watcher

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
	stopMu  sync.Mutex
}

// DefaultFallbackRules covers the endpoints observed to 405 on GET.
func DefaultFallbackRules() []FallbackRule {
	return []FallbackRule{
		{Path: "/runs/stats", AltMethod: "POST", AltPath: "/runs/query/stats"},
		{Path: "/runs/group/stats", AltMethod: "POST", AltPath: "/runs/query/group/stats"},
		{Path: "/workspaces/current/stats", AltMethod: "POST", AltPath: "/workspaces/stats"},
	}
}

// NewFallbackTable builds a table from the compiled-in defaults.
func NewFallbackTable(logger *zap.Logger) *FallbackTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &FallbackTable{
		rules:  make(map[string]FallbackRule),
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	t.setRules(DefaultFallbackRules())
	return t
}

// LoadFallbackTable builds a table from a YAML file. The file holds a list of
// rules:
//
//	- path: /runs/stats
//	  alt_method: POST
//	  alt_path: /runs/query/stats
func LoadFallbackTable(path string, logger *zap.Logger) (*FallbackTable, error) {
	t := NewFallbackTable(logger)
	t.path = path
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Resolve returns the alternate for a path that answered 405, if one is
// configured.
func (t *FallbackTable) Resolve(path string) (FallbackRule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rule, ok := t.rules[path]
	return rule, ok
}

// Rules returns a copy of the active rules.
func (t *FallbackTable) Rules() []FallbackRule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]FallbackRule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	return out
}

func (t *FallbackTable) setRules(rules []FallbackRule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = make(map[string]FallbackRule, len(rules))
	for _, r := range rules {
		if r.AltMethod == "" {
			r.AltMethod = "POST"
		}
		t.rules[r.Path] = r
	}
}

// reload re-reads the table file and swaps the rules atomically. A malformed
// file keeps the previous rules.
func (t *FallbackTable) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read fallback table: %w", err)
	}

	var rules []FallbackRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("failed to parse fallback table: %w", err)
	}
	for _, r := range rules {
		if r.Path == "" || r.AltPath == "" {
			return fmt.Errorf("fallback rule needs both path and alt_path: %+v", r)
		}
	}

	t.setRules(rules)
	t.logger.Info("Loaded endpoint fallback table",
		zap.String("path", t.path),
		zap.Int("rules", len(rules)))
	return nil
}

// Watch starts hot-reloading the table file. Watch failures are non-fatal;
// the table keeps serving its current rules.
func (t *FallbackTable) Watch() error {
	if t.path == "" {
		return fmt.Errorf("fallback table was not loaded from a file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which drops
	// per-file watches.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch fallback table directory: %w", err)
	}
	t.watcher = watcher

	go t.watchLoop()
	return nil
}

func (t *FallbackTable) watchLoop() {
	defer close(t.doneCh)

	base := filepath.Base(t.path)
	for {
		select {
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasSuffix(event.Name, "~") {
				continue
			}
			t.debounce(func() {
				if err := t.reload(); err != nil {
					t.logger.Error("Fallback table reload failed, keeping previous rules",
						zap.Error(err))
				}
			})

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error("Fallback table watcher error", zap.Error(err))

		case <-t.stopCh:
			return
		}
	}
}

// debounce delays a reload until rapid-fire editor events settle.
func (t *FallbackTable) debounce(fn func()) {
	t.debounceMu.Lock()
	defer t.debounceMu.Unlock()
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
	}
	t.debounceTimer = time.AfterFunc(250*time.Millisecond, fn)
}

// Close stops the watcher. Idempotent.
func (t *FallbackTable) Close() error {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true

	if t.watcher == nil {
		return nil
	}
	close(t.stopCh)
	select {
	case <-t.doneCh:
	case <-time.After(5 * time.Second):
		t.logger.Warn("Fallback table watcher stop timed out")
	}
	return t.watcher.Close()
}
