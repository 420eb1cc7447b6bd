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
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/analysis"
	"github.com/teradata-labs/perch/pkg/audit"
	"github.com/teradata-labs/perch/pkg/report"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// reportDays is how much daily history the xlsx report includes.
const reportDays = 30

// defaultSearchLimit caps pattern search results when the client does not
// ask for a count.
const defaultSearchLimit = 10

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a JSON request body into v. An empty body is not an
// error; callers validate required fields themselves.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.plane.Health()
	if !h.Healthy {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"health": h,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.plane.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records := s.plane.History(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
		"summary": s.plane.HistorySummary(),
	})
}

// handleTrigger runs a manual improvement cycle. A cooldown refusal maps to
// 409, as does a coalesced duplicate; a degraded or shut-down control plane
// maps to 503. A cycle that ran but failed still returns 200 with
// success=false.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason   string `json:"reason"`
		Override bool   `json:"override"`
	}
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "manual API trigger"
	}

	res := s.plane.Trigger(r.Context(), req.Reason, req.Override)
	switch {
	case res.CooldownRemaining > 0 || res.Coalesced:
		s.writeJSON(w, http.StatusConflict, res)
	case !res.Success && res.CycleID == 0:
		s.writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		s.writeJSON(w, http.StatusOK, res)
	}
}

// handleRollback reverts to a previous stable state. A zero target_cycle_id
// targets the most recent successful cycle.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetCycleID int64 `json:"target_cycle_id"`
	}
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.plane.Rollback(r.Context(), req.TargetCycleID)
	if err != nil {
		if errors.Is(err, audit.ErrDegraded) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "rollback failed: "+err.Error())
		return
	}
	// An unresolvable target is 404. A resolved target with nothing left to
	// invert (already rolled back) still returns the appended record as 200.
	if !res.Success && res.TargetChangeID == "" {
		s.writeJSON(w, http.StatusNotFound, res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	record, err := s.plane.ClearHistory(r.Context(), req.Reason)
	if err != nil {
		if errors.Is(err, audit.ErrDegraded) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to clear history: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cleared": true,
		"record":  record,
	})
}

// handleHistoryExport streams the full durable history, optionally as a
// zstd frame for large archives.
func (s *Server) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	records, err := s.plane.ExportHistory(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "export failed: "+err.Error())
		return
	}

	if r.URL.Query().Get("compress") != "zstd" {
		s.writeJSON(w, http.StatusOK, records)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", `attachment; filename="change_history.json.zst"`)
	w.WriteHeader(http.StatusOK)

	enc, err := zstd.NewWriter(w)
	if err != nil {
		s.logger.Error("failed to start zstd stream", zap.Error(err))
		return
	}
	if err := json.NewEncoder(enc).Encode(records); err != nil {
		s.logger.Warn("failed to stream history export", zap.Error(err))
	}
	if err := enc.Close(); err != nil {
		s.logger.Warn("failed to flush zstd stream", zap.Error(err))
	}
}

func (s *Server) handlePatternSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	found, err := s.plane.SearchPatterns(r.Context(), query, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "pattern search failed: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"query":    query,
		"count":    len(found),
		"patterns": found,
	})
}

// handleFeedback records operator feedback against a run and forwards it to
// the backend.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID        string  `json:"run_id"`
		Score        float64 `json:"score"`
		Text         string  `json:"text"`
		Correction   string  `json:"correction"`
		FeedbackType string  `json:"feedback_type"`
	}
	if err := s.decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RunID == "" {
		s.writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	if req.Score < 0 || req.Score > 1 {
		s.writeError(w, http.StatusBadRequest, "score must be between 0 and 1")
		return
	}

	entry, err := s.plane.RecordFeedback(r.Context(), req.RunID, req.Score, req.Text, req.Correction, req.FeedbackType)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "failed to record feedback: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

// handleReport renders the xlsx quality report. Daily-history and forecast
// failures degrade to a summary-only workbook rather than failing the
// download.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	snap := s.plane.Snapshot()

	daily, err := s.plane.DailyHistory(r.Context(), reportDays)
	if err != nil {
		s.logger.Warn("report continues without daily history", zap.Error(err))
	}
	var forecast *analysis.Forecast
	if fc, err := s.plane.Forecast(r.Context()); err == nil {
		forecast = &fc
	} else {
		s.logger.Warn("report continues without forecast", zap.Error(err))
	}

	workbook, err := report.Build(report.Data{
		GeneratedAt:    time.Now().UTC(),
		OverallQuality: snap.OverallQuality,
		Tier:           snap.Tier,
		Counters:       snap.Pipeline.Counters,
		Models:         snap.Pipeline.Models,
		Providers:      snap.Pipeline.Providers,
		Spectrums:      snap.Pipeline.Spectrums,
		Daily:          daily,
		Forecast:       forecast,
		Audit:          snap.Audit,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to build report: "+err.Error())
		return
	}
	defer func() {
		if err := workbook.Close(); err != nil {
			s.logger.Warn("failed to close report workbook", zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="quality_report.xlsx"`)
	w.WriteHeader(http.StatusOK)
	if err := workbook.Write(w); err != nil {
		s.logger.Warn("failed to stream report", zap.Error(err))
	}
}
