// Package api exposes the pipeline over HTTP: the signed outbox transport,
// policy controls, approval ingestion, read-only reports, and health/metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/novatrade/alphapipe/pkg/approval"
	"github.com/novatrade/alphapipe/pkg/auth"
	"github.com/novatrade/alphapipe/pkg/bridge"
	"github.com/novatrade/alphapipe/pkg/config"
	"github.com/novatrade/alphapipe/pkg/outbox"
	"github.com/novatrade/alphapipe/pkg/pipeline"
	"github.com/novatrade/alphapipe/pkg/policy"
	"github.com/novatrade/alphapipe/pkg/proposal"
	"github.com/novatrade/alphapipe/pkg/readiness"
)

// Server is the HTTP front for one agent node.
type Server struct {
	cfg       *config.Config
	commands  outbox.CommandStore
	evaluator *readiness.Evaluator
	proposals *proposal.Store
	approvals *approval.Registry
	blocks    *policy.Registry
	bridge    *bridge.Bridge
	pipeline  *pipeline.Pipeline
	logger    *slog.Logger
}

// New wires the server over its stores and stages.
func New(cfg *config.Config, commands outbox.CommandStore, evaluator *readiness.Evaluator,
	proposals *proposal.Store, approvals *approval.Registry, blocks *policy.Registry,
	br *bridge.Bridge, pipe *pipeline.Pipeline) *Server {
	return &Server{
		cfg:       cfg,
		commands:  commands,
		evaluator: evaluator,
		proposals: proposals,
		approvals: approvals,
		blocks:    blocks,
		bridge:    br,
		pipeline:  pipe,
		logger:    slog.Default().With("component", "api"),
	}
}

// Handler builds the routing table. Outbox mutations and policy/approval
// writes sit behind the HMAC middleware; reports and health do not.
func (s *Server) Handler() http.Handler {
	signed := auth.Middleware(s.cfg.OutboxSecret)
	limited := auth.RateLimitMiddleware(rate.Limit(20), 40)

	mux := http.NewServeMux()

	mux.Handle("POST /v1/outbox/enqueue", signed(http.HandlerFunc(s.handleEnqueue)))
	mux.Handle("POST /v1/outbox/pull", signed(http.HandlerFunc(s.handlePull)))
	mux.Handle("POST /v1/outbox/ack", signed(http.HandlerFunc(s.handleAck)))
	mux.Handle("POST /v1/outbox/cancel", signed(http.HandlerFunc(s.handleCancel)))

	mux.Handle("POST /v1/policy/block", signed(http.HandlerFunc(s.handleBlock)))
	mux.Handle("POST /v1/policy/unblock", signed(http.HandlerFunc(s.handleUnblock)))
	mux.Handle("POST /v1/approvals", signed(http.HandlerFunc(s.handleApproval)))
	mux.Handle("POST /v1/pipeline/tick", signed(http.HandlerFunc(s.handleTick)))

	mux.HandleFunc("GET /v1/reports/readiness", s.handleReadinessReport)
	mux.HandleFunc("GET /v1/reports/proposals", s.handleProposalsReport)
	mux.HandleFunc("GET /v1/reports/commands", s.handleCommandsReport)
	mux.HandleFunc("GET /v1/reports/enqueues", s.handleEnqueuesReport)
	mux.HandleFunc("GET /v1/policy/blocks", s.handleActiveBlocks)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return limited(mux)
}

// ListenAndServe blocks until ctx is canceled, then drains in-flight
// requests before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
