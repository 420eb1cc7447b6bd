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

// Package audit is the append-only change history of the control plane. Every
// autonomous action — optimization cycles, rollbacks, manual triggers — is
// recorded as a ChangeRecord, mirrored to a durable store, and never silently
// rewritten: undoing a change appends its inverse.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Change types written by the control plane.
const (
	TypeOptimizationCycle   = "optimization_cycle"
	TypeOptimizationFailure = "optimization_failure"
	TypeRollbackExecution   = "rollback_execution"
	TypeManualTrigger       = "manual_trigger"
)

// Improvement is one concrete change inside an optimization cycle: what was
// adjusted, for which target, and the state on both sides.
type Improvement struct {
	Type   string         `json:"type"`
	Target string         `json:"target,omitempty"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// Invertible reports whether the improvement recorded both sides of the
// change, which a rollback needs.
func (im Improvement) Invertible() bool {
	return im.Before != nil && im.After != nil
}

// InverseEntry is one configuration restored by a rollback: the original
// improvement with before and after swapped, plus a rendered diff for
// operators.
type InverseEntry struct {
	Type   string         `json:"type"`
	Target string         `json:"target,omitempty"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Impact string         `json:"impact,omitempty"`
	Diff   string         `json:"diff,omitempty"`
}

// ChangeRecord is one entry in the change history.
type ChangeRecord struct {
	ChangeID     string         `json:"change_id"`
	Type         string         `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	CycleID      int64          `json:"cycle_id,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Impact       string         `json:"impact,omitempty"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	Improvements []Improvement  `json:"improvements,omitempty"`

	// Rollback records name their target and carry the inverse set.
	TargetCycleID            int64          `json:"target_cycle_id,omitempty"`
	ConfigurationsRolledBack int            `json:"configurations_rolled_back,omitempty"`
	RollbackDetails          []InverseEntry `json:"rollback_details,omitempty"`

	Details map[string]any `json:"details,omitempty"`
	Success bool           `json:"success"`
}

// MarshalCanonical renders v as stable JSON: object keys recursively sorted
// in byte order, numbers kept verbatim, no HTML escaping. Encoding the result
// of a decode yields the same bytes, so durable history files never churn.
func MarshalCanonical(v any, indent bool) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	// Round-trip through generic maps: encoding/json writes map keys in
	// sorted order, and json.Number preserves integer precision (cycle IDs
	// are nanosecond timestamps, beyond float64 range).
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize record: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode canonical form: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DiffStates renders a compact before/after diff for operators reviewing a
// rollback. States are canonicalized first so the diff never shows key-order
// noise.
func DiffStates(before, after map[string]any) string {
	b, err := MarshalCanonical(before, true)
	if err != nil {
		return ""
	}
	a, err := MarshalCanonical(after, true)
	if err != nil {
		return ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(b), string(a), false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var result strings.Builder
	for _, diff := range diffs {
		text := strings.TrimRight(diff.Text, "\n")
		if text == "" {
			continue
		}
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			result.WriteString("+" + text + "\n")
		case diffmatchpatch.DiffDelete:
			result.WriteString("-" + text + "\n")
		case diffmatchpatch.DiffEqual:
			// Equal runs are context; keep them short.
			if len(text) > 80 {
				text = text[:40] + " … " + text[len(text)-40:]
			}
			result.WriteString(" " + text + "\n")
		}
	}
	return result.String()
}
