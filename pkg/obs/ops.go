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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ListRuns fetches recent trace records. The response shape is validated
// before decode; violations return *ErrShape.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	query := url.Values{}
	if len(opts.SessionNames) > 0 {
		query.Set("session", strings.Join(opts.SessionNames, ","))
	}
	if !opts.Start.IsZero() {
		query.Set("start_time", opts.Start.UTC().Format(time.RFC3339))
	}
	if !opts.End.IsZero() {
		query.Set("end_time", opts.End.UTC().Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.IncludeFeedback {
		query.Set("include_feedback", "true")
	}

	data, err := c.do(ctx, request{method: http.MethodGet, path: "/runs", query: query})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	if err := validateRunsPayload(data); err != nil {
		return nil, err
	}

	// Both {"runs": [...]} and a bare array pass validation.
	var envelope struct {
		Runs []Run `json:"runs"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Runs != nil {
		return envelope.Runs, nil
	}
	var runs []Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, &ErrShape{Detail: fmt.Sprintf("runs payload failed to decode: %v", err)}
	}
	return runs, nil
}

// GetWorkspaceStats fetches the workspace rollup. Degraded backends produce
// the zero-valued fallback, never an error, so downstream stays live;
// only caller cancellation propagates.
func (c *Client) GetWorkspaceStats(ctx context.Context) (WorkspaceStats, error) {
	data, err := c.do(ctx, request{method: http.MethodGet, path: "/workspaces/current/stats"})
	if err != nil {
		if ctx.Err() != nil {
			return WorkspaceStats{}, ctx.Err()
		}
		c.zeroFallbacks.Add(1)
		c.logger.Warn("Workspace stats unavailable, returning zero-valued fallback",
			zap.Error(err))
		return WorkspaceStats{}, nil
	}

	var stats WorkspaceStats
	if err := json.Unmarshal(data, &stats); err != nil {
		c.zeroFallbacks.Add(1)
		c.logger.Warn("Workspace stats payload undecodable, returning zero-valued fallback",
			zap.Error(err))
		return WorkspaceStats{}, nil
	}
	return stats, nil
}

// GetRunsStats fetches the run rollup for a filter set. Same degraded-mode
// contract as GetWorkspaceStats: fallback is {TotalRuns: 0, SuccessRate: 1.0}.
func (c *Client) GetRunsStats(ctx context.Context, filters map[string]any) (RunStats, error) {
	return c.runStats(ctx, "/runs/stats", filters)
}

// GetRunsGroupStats fetches grouped run stats (per model/session).
func (c *Client) GetRunsGroupStats(ctx context.Context, filters map[string]any) (RunStats, error) {
	return c.runStats(ctx, "/runs/group/stats", filters)
}

func (c *Client) runStats(ctx context.Context, path string, filters map[string]any) (RunStats, error) {
	data, err := c.do(ctx, request{method: http.MethodGet, path: path, filters: filters})
	if err != nil {
		if ctx.Err() != nil {
			return FallbackRunStats(), ctx.Err()
		}
		c.zeroFallbacks.Add(1)
		c.logger.Warn("Run stats unavailable, returning zero-valued fallback",
			zap.String("path", path),
			zap.Error(err))
		return FallbackRunStats(), nil
	}

	var stats RunStats
	if err := json.Unmarshal(data, &stats); err != nil {
		c.zeroFallbacks.Add(1)
		c.logger.Warn("Run stats payload undecodable, returning zero-valued fallback",
			zap.String("path", path),
			zap.Error(err))
		return FallbackRunStats(), nil
	}
	return stats, nil
}

// ListDatasets returns the datasets visible to the organization.
func (c *Client) ListDatasets(ctx context.Context) ([]Dataset, error) {
	data, err := c.do(ctx, request{method: http.MethodGet, path: "/datasets"})
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	var datasets []Dataset
	if err := json.Unmarshal(data, &datasets); err != nil {
		return nil, &ErrShape{Detail: fmt.Sprintf("datasets payload failed to decode: %v", err)}
	}
	return datasets, nil
}

// CreateDataset creates a named example collection.
func (c *Client) CreateDataset(ctx context.Context, name, description string) (Dataset, error) {
	body := map[string]string{"name": name, "description": description}
	data, err := c.do(ctx, request{method: http.MethodPost, path: "/datasets", body: body})
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to create dataset %q: %w", name, err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return Dataset{}, &ErrShape{Detail: fmt.Sprintf("dataset payload failed to decode: %v", err)}
	}
	return ds, nil
}

// AddExamples appends examples to a dataset, returning the count accepted.
func (c *Client) AddExamples(ctx context.Context, datasetID string, examples []Example) (int, error) {
	data, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/datasets/" + datasetID + "/examples",
		body:   map[string]any{"examples": examples},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add examples to dataset %s: %w", datasetID, err)
	}
	var resp struct {
		Added int `json:"added"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, &ErrShape{Detail: fmt.Sprintf("add-examples payload failed to decode: %v", err)}
	}
	return resp.Added, nil
}

// SearchExamples queries a dataset.
func (c *Client) SearchExamples(ctx context.Context, datasetID, query string, limit int) ([]Example, error) {
	q := url.Values{}
	q.Set("query", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	data, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/datasets/" + datasetID + "/search",
		query:  q,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search dataset %s: %w", datasetID, err)
	}
	var examples []Example
	if err := json.Unmarshal(data, &examples); err != nil {
		return nil, &ErrShape{Detail: fmt.Sprintf("search payload failed to decode: %v", err)}
	}
	return examples, nil
}

// CreateFeedback records one feedback entry against a run.
func (c *Client) CreateFeedback(ctx context.Context, req FeedbackRequest) (FeedbackRef, error) {
	if req.RunID == "" {
		return FeedbackRef{}, fmt.Errorf("feedback requires a run ID")
	}
	if req.Key == "" {
		req.Key = "user_feedback"
	}
	data, err := c.do(ctx, request{method: http.MethodPost, path: "/feedback", body: req})
	if err != nil {
		return FeedbackRef{}, fmt.Errorf("failed to create feedback for run %s: %w", req.RunID, err)
	}
	var ref FeedbackRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return FeedbackRef{}, &ErrShape{Detail: fmt.Sprintf("feedback payload failed to decode: %v", err)}
	}
	return ref, nil
}

// CreateAnnotationQueue creates a human-review queue.
func (c *Client) CreateAnnotationQueue(ctx context.Context, name, description string) (AnnotationQueue, error) {
	body := map[string]string{"name": name, "description": description}
	data, err := c.do(ctx, request{method: http.MethodPost, path: "/annotation-queues", body: body})
	if err != nil {
		return AnnotationQueue{}, fmt.Errorf("failed to create annotation queue %q: %w", name, err)
	}
	var q AnnotationQueue
	if err := json.Unmarshal(data, &q); err != nil {
		return AnnotationQueue{}, &ErrShape{Detail: fmt.Sprintf("annotation queue payload failed to decode: %v", err)}
	}
	return q, nil
}

// ListAnnotationQueues returns the organization's review queues.
func (c *Client) ListAnnotationQueues(ctx context.Context) ([]AnnotationQueue, error) {
	data, err := c.do(ctx, request{method: http.MethodGet, path: "/annotation-queues"})
	if err != nil {
		return nil, fmt.Errorf("failed to list annotation queues: %w", err)
	}
	var queues []AnnotationQueue
	if err := json.Unmarshal(data, &queues); err != nil {
		return nil, &ErrShape{Detail: fmt.Sprintf("annotation queues payload failed to decode: %v", err)}
	}
	return queues, nil
}

// AddRunsToAnnotationQueue queues runs for human review.
func (c *Client) AddRunsToAnnotationQueue(ctx context.Context, queueID string, runIDs []string) error {
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/annotation-queues/" + queueID + "/runs",
		body:   map[string]any{"run_ids": runIDs},
	})
	if err != nil {
		return fmt.Errorf("failed to add runs to annotation queue %s: %w", queueID, err)
	}
	return nil
}
