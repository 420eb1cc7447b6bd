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

// Package server exposes the control plane over HTTP: JSON status and
// history endpoints, manual trigger and rollback, an SSE event stream, a
// prometheus scrape surface, and the xlsx quality report.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/perch/pkg/analysis"
	"github.com/teradata-labs/perch/pkg/audit"
	"github.com/teradata-labs/perch/pkg/engine"
	"github.com/teradata-labs/perch/pkg/events"
	"github.com/teradata-labs/perch/pkg/feedback"
	"github.com/teradata-labs/perch/pkg/orchestrator"
	"github.com/teradata-labs/perch/pkg/patterns"
	"github.com/teradata-labs/perch/pkg/pipeline"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8090"

// eventStream is the SSE stream id clients subscribe to.
const eventStream = "events"

// eventBufferSize is the forwarder's bus subscription buffer.
const eventBufferSize = 256

// ControlPlane is the engine surface the HTTP adapter serves.
// *engine.Engine implements it.
type ControlPlane interface {
	Snapshot() engine.Status
	Health() engine.Health
	Trigger(ctx context.Context, reason string, override bool) orchestrator.CycleResult
	History(limit int) []audit.ChangeRecord
	HistorySummary() audit.Summary
	ExportHistory(ctx context.Context) ([]audit.ChangeRecord, error)
	Rollback(ctx context.Context, targetCycleID int64) (audit.RollbackResult, error)
	ClearHistory(ctx context.Context, reason string) (audit.ChangeRecord, error)
	SearchPatterns(ctx context.Context, query string, limit int) ([]patterns.Pattern, error)
	RecordFeedback(ctx context.Context, runID string, score float64, text, correction, feedbackType string) (feedback.Entry, error)
	Forecast(ctx context.Context) (analysis.Forecast, error)
	DailyHistory(ctx context.Context, days int) ([]pipeline.DayStat, error)
	Events() *events.Bus
}

var _ ControlPlane = (*engine.Engine)(nil)

// Server is the HTTP adapter.
type Server struct {
	plane  ControlPlane
	logger *zap.Logger
	cors   CORSConfig

	handler    http.Handler
	httpServer *http.Server
	sse        *sse.Server
	registry   *prometheus.Registry

	sub    *events.Subscription
	doneCh chan struct{}
	closed atomic.Bool
}

// New creates a server with the default CORS policy.
func New(plane ControlPlane, addr string, logger *zap.Logger) (*Server, error) {
	return NewWithCORS(plane, addr, logger, DefaultCORSConfig())
}

// NewWithCORS creates a server with a custom CORS policy. The event
// forwarder starts immediately; Stop releases it.
func NewWithCORS(plane ControlPlane, addr string, logger *zap.Logger, corsConfig CORSConfig) (*Server, error) {
	if plane == nil {
		return nil, fmt.Errorf("control plane is required")
	}
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		plane:    plane,
		logger:   logger,
		cors:     corsConfig,
		sse:      sse.New(),
		registry: prometheus.NewRegistry(),
		doneCh:   make(chan struct{}),
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // SSE connections stay open
			IdleTimeout:  120 * time.Second,
		},
	}
	s.sse.AutoReplay = false
	s.sse.CreateStream(eventStream)

	if err := s.registry.Register(newPlaneCollector(plane)); err != nil {
		s.sse.Close()
		return nil, fmt.Errorf("failed to register metrics collector: %w", err)
	}

	sub, err := plane.Events().Subscribe("*", eventBufferSize)
	if err != nil {
		s.sse.Close()
		return nil, fmt.Errorf("failed to subscribe to event bus: %w", err)
	}
	s.sub = sub
	go s.forwardEvents()

	s.handler = s.routes()
	return s, nil
}

// routes wires the endpoint table and wraps it in the CORS middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /api/v1/history/export", s.handleHistoryExport)
	mux.HandleFunc("POST /api/v1/history/clear", s.handleHistoryClear)
	mux.HandleFunc("POST /api/v1/trigger", s.handleTrigger)
	mux.HandleFunc("POST /api/v1/rollback", s.handleRollback)
	mux.HandleFunc("POST /api/v1/feedback", s.handleFeedback)
	mux.HandleFunc("GET /api/v1/patterns/search", s.handlePatternSearch)
	mux.HandleFunc("GET /api/v1/report.xlsx", s.handleReport)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	if s.cors.Enabled {
		return s.corsMiddleware(mux)
	}
	return mux
}

// Handler returns the fully wired route tree.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves HTTP until Stop is called. It blocks.
func (s *Server) Start() error {
	s.httpServer.Handler = s.handler
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop ends the event forwarder, closes the SSE subscribers so their
// handlers return, and drains the listener.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("stopping HTTP server")

	// The bus may already have closed the subscription during engine
	// shutdown; either way the channel close ends the forwarder.
	_ = s.plane.Events().Unsubscribe(s.sub.ID)

	var errs []error
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("event forwarder did not stop: %w", ctx.Err()))
	}

	s.sse.Close()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down listener: %w", err))
	}
	return errors.Join(errs...)
}

// forwardEvents bridges the bus onto the SSE stream. Runs until the
// subscription channel closes.
func (s *Server) forwardEvents() {
	defer close(s.doneCh)
	for ev := range s.sub.Channel {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("failed to marshal event for SSE",
				zap.String("topic", ev.Topic),
				zap.Error(err))
			continue
		}
		published := s.sse.TryPublish(eventStream, &sse.Event{
			ID:    []byte(ev.ID),
			Event: []byte(ev.Topic),
			Data:  data,
		})
		if !published {
			s.logger.Debug("SSE stream full, event dropped", zap.String("topic", ev.Topic))
		}
	}
}

// handleEvents hands the connection to the SSE server, defaulting the
// stream id so plain EventSource clients work without a query parameter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "" {
		q := r.URL.Query()
		q.Set("stream", eventStream)
		r.URL.RawQuery = q.Encode()
	}
	s.sse.ServeHTTP(w, r)
}
