package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/novatrade/alphapipe/pkg/approval"
	"github.com/novatrade/alphapipe/pkg/metrics"
	"github.com/novatrade/alphapipe/pkg/outbox"
	"github.com/novatrade/alphapipe/pkg/pipeline"
	"github.com/novatrade/alphapipe/pkg/policy"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func limitParam(r *http.Request, fallback, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

type enqueueRequest struct {
	AgentID         string        `json:"agent_id"`
	Intent          outbox.Intent `json:"intent"`
	DedupTTLSeconds int           `json:"dedup_ttl_seconds"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AgentID == "" {
		req.AgentID = s.cfg.AgentID
	}
	if req.DedupTTLSeconds <= 0 {
		req.DedupTTLSeconds = s.cfg.DedupTTLSeconds
	}
	if err := req.Intent.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.commands.Enqueue(r.Context(), req.AgentID, req.Intent, req.DedupTTLSeconds)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	result := "coalesced"
	status := http.StatusOK
	if res.Created {
		result = "created"
		status = http.StatusCreated
	}
	metrics.Enqueues.WithLabelValues(result).Inc()
	writeJSON(w, status, map[string]any{"command": res.Command, "created": res.Created})
}

type pullRequest struct {
	AgentID      string `json:"agent_id"`
	BatchSize    int    `json:"batch_size"`
	LeaseSeconds int    `json:"lease_seconds"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("agent_id is required"))
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 1
	}
	if req.LeaseSeconds <= 0 {
		req.LeaseSeconds = s.cfg.LeaseSeconds
	}

	cmds, err := s.commands.Lease(r.Context(), req.AgentID, req.BatchSize,
		time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.Leases.Add(float64(len(cmds)))
	if cmds == nil {
		cmds = []*outbox.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

type ackRequest struct {
	CommandID string          `json:"command_id"`
	AgentID   string          `json:"agent_id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.CommandID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, errors.New("command_id and agent_id are required"))
		return
	}

	res, err := s.commands.Acknowledge(r.Context(), req.CommandID, req.AgentID, req.OK, req.Result)
	if err != nil {
		if errors.Is(err, outbox.ErrCommandNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.Acks.WithLabelValues(strconv.FormatBool(req.OK)).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"receipt": res.Receipt, "applied": res.Applied})
}

type cancelRequest struct {
	CommandID string `json:"command_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	canceled, err := s.commands.Cancel(r.Context(), req.CommandID)
	if err != nil {
		if errors.Is(err, outbox.ErrCommandNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"canceled": canceled})
}

type blockRequest struct {
	Token      string `json:"token"`
	Code       string `json:"code"`
	Source     string `json:"source"`
	Severity   string `json:"severity"`
	Note       string `json:"note"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.blocks.BlockToken(r.Context(), req.Token, req.Code, req.Source,
		policy.Severity(req.Severity), req.Note, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type unblockRequest struct {
	Token     string `json:"token"`
	Code      string `json:"code"`
	ClearedBy string `json:"cleared_by"`
	Reason    string `json:"reason"`
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req unblockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cleared, err := s.blocks.UnblockToken(r.Context(), req.Token, req.Code, req.ClearedBy, req.Reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": cleared})
}

type approvalRequest struct {
	ProposalID   string `json:"proposal_id"`
	ProposalHash string `json:"proposal_hash"`
	Token        string `json:"token"`
	Decision     string `json:"decision"`
	Actor        string `json:"actor"`
	Note         string `json:"note"`
	Source       string `json:"source"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := approval.NormalizeDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ref := approval.Ref{ProposalID: req.ProposalID, ProposalHash: req.ProposalHash, Token: req.Token}
	if ref.ProposalID == "" && ref.ProposalHash == "" && ref.Token == "" {
		writeError(w, http.StatusBadRequest, errors.New("one of proposal_id, proposal_hash, token is required"))
		return
	}

	a, created, err := s.approvals.Record(r.Context(), s.cfg.AgentID, ref, decision,
		req.Actor, req.Note, req.Source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"approval": a, "created": created})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Tick(r.Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrUpstreamMissing) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReadinessReport(w http.ResponseWriter, r *http.Request) {
	gates, err := s.evaluator.EvaluateAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": gates})
}

func (s *Server) handleProposalsReport(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50, 500)
	proposals, err := s.proposals.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

func (s *Server) handleCommandsReport(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50, 500)
	cmds, err := s.commands.Peek(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (s *Server) handleEnqueuesReport(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50, 500)
	records, err := s.bridge.Records(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enqueues": records})
}

func (s *Server) handleActiveBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.blocks.ActiveBlocks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
