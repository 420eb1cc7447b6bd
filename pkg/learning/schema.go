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
package learning

import (
	"context"
	"database/sql"
	"fmt"
)

// InitSchema creates the tables backing strategy effectiveness tracking.
// Safe to call on every start; all statements are IF NOT EXISTS.
func InitSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	-- Current effectiveness per strategy. One row per catalog entry,
	-- refreshed by INSERT OR REPLACE on every flush.
	CREATE TABLE IF NOT EXISTS strategy_effectiveness (
		name TEXT PRIMARY KEY,
		model TEXT,     -- context of the most recent application
		spectrum TEXT,
		quality REAL,
		effectiveness REAL NOT NULL,
		sample_size INTEGER NOT NULL,
		confidence REAL NOT NULL,
		updated_at INTEGER NOT NULL  -- Unix timestamp
	);

	CREATE INDEX IF NOT EXISTS idx_strategy_effectiveness_updated
		ON strategy_effectiveness(updated_at);

	-- Raw outcome history, append-only. Kept so effectiveness can be
	-- re-derived offline and audited against the aggregate.
	CREATE TABLE IF NOT EXISTS strategy_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		model TEXT,
		spectrum TEXT,
		quality REAL,
		success INTEGER NOT NULL,  -- 0|1
		impact REAL,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_strategy_outcomes_name
		ON strategy_outcomes(name);
	CREATE INDEX IF NOT EXISTS idx_strategy_outcomes_recorded_at
		ON strategy_outcomes(recorded_at);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize learning schema: %w", err)
	}
	return nil
}
