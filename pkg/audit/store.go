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
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// DefaultFilePath is where the file store keeps the change history.
const DefaultFilePath = "audit_trails/ai_changes_history.json"

// RedisKey is the change-history key in the shared KV store. The name is
// part of the deployment contract; other services read it.
const RedisKey = "tilores:ai_changes_history"

// Store persists the change history. Save replaces the stored history with
// the given records; Load returns everything stored.
type Store interface {
	Name() string
	Load(ctx context.Context) ([]ChangeRecord, error)
	Save(ctx context.Context, records []ChangeRecord) error
	Close() error
}

// FileStore keeps the history as one canonical JSON document, replaced
// atomically on every save.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file store at path (default: DefaultFilePath).
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultFilePath
	}
	return &FileStore{path: path}
}

func (s *FileStore) Name() string { return "file:" + s.path }

// Load reads the stored history. A missing file is an empty history.
func (s *FileStore) Load(_ context.Context) ([]ChangeRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read change history: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []ChangeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse change history: %w", err)
	}
	return records, nil
}

// Save writes the history atomically: temp file then rename, so a crash
// mid-write never corrupts the document.
func (s *FileStore) Save(_ context.Context, records []ChangeRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	data, err := MarshalCanonical(records, true)
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write change history: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to replace change history: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// RedisStore keeps the history under a single KV key, shared with the rest
// of the deployment.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the KV store at url (redis://host:port/db) and
// verifies connectivity.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KV store URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to KV store: %w", err)
	}

	return &RedisStore{client: client, key: RedisKey}, nil
}

func (s *RedisStore) Name() string { return "redis:" + s.key }

// Load reads the stored history. A missing key is an empty history.
func (s *RedisStore) Load(ctx context.Context) ([]ChangeRecord, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read change history: %w", err)
	}

	var records []ChangeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse change history: %w", err)
	}
	return records, nil
}

// Save replaces the stored history. Redis SET is atomic on its own.
func (s *RedisStore) Save(ctx context.Context, records []ChangeRecord) error {
	data, err := MarshalCanonical(records, false)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write change history: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
