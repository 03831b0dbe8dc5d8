// Package api exposes the governance engine over HTTP.
//
// The surface is deliberately small: submit and cancel actions, inspect
// receipts and the chain, resolve approvals, manage trust proposals, and
// flip runtime flags. Approval endpoints require a signed approver token.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
	"github.com/myles1663/lancelot-sub002/pkg/ledger"
	"github.com/myles1663/lancelot-sub002/pkg/pipeline"
	"github.com/myles1663/lancelot-sub002/pkg/policy"
	"github.com/myles1663/lancelot-sub002/pkg/sentry"
	"github.com/myles1663/lancelot-sub002/pkg/trust"
)

// maxBodyBytes bounds request bodies; action parameters should be small.
const maxBodyBytes = 1 << 20

// Server wires the engine's components to HTTP handlers.
type Server struct {
	engine  *pipeline.Engine
	gate    *sentry.Gate
	ledger  *ledger.Ledger
	trust   *trust.Ledger
	polStore *policy.Store
	tokens  *sentry.TokenVerifier
	log     *slog.Logger
}

// NewServer builds the API server. tokens may be nil to disable approver
// authentication (local development only).
func NewServer(engine *pipeline.Engine, gate *sentry.Gate, led *ledger.Ledger, tr *trust.Ledger, polStore *policy.Store, tokens *sentry.TokenVerifier, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine: engine, gate: gate, ledger: led, trust: tr,
		polStore: polStore, tokens: tokens, log: log,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/actions", s.handleSubmit)
	mux.HandleFunc("POST /v1/actions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/receipts", s.handleReceipts)
	mux.HandleFunc("GET /v1/receipts/children/{parent}", s.handleChildren)
	mux.HandleFunc("GET /v1/chain/verify", s.handleVerifyChain)
	mux.HandleFunc("GET /v1/approvals", s.handleApprovalsList)
	mux.HandleFunc("POST /v1/approvals/{id}", s.handleApprovalResolve)
	mux.HandleFunc("GET /v1/trust", s.handleTrustRecords)
	mux.HandleFunc("GET /v1/proposals", s.handleProposals)
	mux.HandleFunc("POST /v1/proposals/{id}/accept", s.handleProposalAccept)
	mux.HandleFunc("POST /v1/proposals/{id}/decline", s.handleProposalDecline)
	mux.HandleFunc("GET /v1/flags", s.handleFlagsGet)
	mux.HandleFunc("PUT /v1/flags", s.handleFlagsPut)
	mux.HandleFunc("POST /v1/constitution", s.handleConstitutionReload)
	return mux
}

type submitRequest struct {
	Capability string         `json:"capability"`
	Target     string         `json:"target"`
	Params     map[string]any `json:"params,omitempty"`
	Requester  string         `json:"requester"`
	SessionID  string         `json:"session_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	OwnerGated bool           `json:"owner_gated,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in submitRequest
	if !s.decode(w, r, &in) {
		return
	}
	if in.Capability == "" || in.SessionID == "" {
		s.fail(w, http.StatusBadRequest, "capability and session_id are required")
		return
	}

	rcpt, err := s.engine.Submit(r.Context(), contracts.ActionRequest{
		Capability: in.Capability,
		Target:     in.Target,
		Params:     in.Params,
		Requester:  in.Requester,
		SessionID:  in.SessionID,
		ParentID:   in.ParentID,
		OwnerGated: in.OwnerGated,
	})

	out := map[string]any{"receipt": rcpt}
	if err != nil {
		out["error"] = err.Error()
	}
	// Governed denials are successful governance, not transport errors;
	// only an unchainable outcome is a server fault.
	status := http.StatusOK
	if errors.Is(err, contracts.ErrChainIntegrity) {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		s.fail(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		SessionID:  q.Get("session_id"),
		RequestID:  q.Get("request_id"),
		Capability: q.Get("capability"),
		Status:     contracts.ReceiptStatus(q.Get("status")),
	}
	if v := q.Get("tier"); v != "" {
		tier, err := contracts.ParseTier(v)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Tier = &tier
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	receipts, err := s.ledger.Query(f)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	kids, err := s.ledger.Children(r.PathValue("parent"))
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"receipts": kids})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.Verify()
	if err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"report": report,
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"pending": s.gate.Pending()})
}

type approvalRequest struct {
	Granted    bool   `json:"granted"`
	Repeatable bool   `json:"repeatable,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	approver, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var in approvalRequest
	if !s.decode(w, r, &in) {
		return
	}
	id := r.PathValue("id")
	if err := s.gate.Resolve(id, approver, in.Granted, in.Repeatable, in.Reason); err != nil {
		s.fail(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Info("approval resolved", "request_id", id, "approver", approver, "granted", in.Granted)
	s.writeJSON(w, http.StatusOK, map[string]any{"resolved": id})
}

func (s *Server) handleTrustRecords(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"records": s.trust.Records()})
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	status := contracts.ProposalStatus(r.URL.Query().Get("status"))
	s.writeJSON(w, http.StatusOK, map[string]any{"proposals": s.trust.Proposals(status)})
}

func (s *Server) handleProposalAccept(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	p, err := s.trust.Accept(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proposal": p})
}

func (s *Server) handleProposalDecline(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	p, err := s.trust.Decline(r.PathValue("id"))
	if err != nil {
		s.fail(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proposal": p})
}

func (s *Server) handleFlagsGet(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"flags": s.engine.Flags().Snapshot()})
}

type flagsRequest struct {
	Caching     *bool `json:"caching,omitempty"`
	AsyncVerify *bool `json:"async_verify,omitempty"`
	Tiering     *bool `json:"tiering,omitempty"`
}

func (s *Server) handleFlagsPut(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	var in flagsRequest
	if !s.decode(w, r, &in) {
		return
	}
	flags := s.engine.Flags()
	if in.Caching != nil {
		flags.SetCaching(*in.Caching)
	}
	if in.AsyncVerify != nil {
		flags.SetAsyncVerify(*in.AsyncVerify)
	}
	if in.Tiering != nil {
		flags.SetTiering(*in.Tiering)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"flags": flags.Snapshot()})
}

func (s *Server) handleConstitutionReload(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := policy.ParseConstitution(body)
	if err != nil {
		s.fail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.polStore.Replace(c)
	s.log.Info("constitution replaced", "version", c.Version)
	s.writeJSON(w, http.StatusOK, map[string]any{"version": c.Version})
}

// authenticate resolves the approver identity from the bearer token. With
// no verifier configured every caller is "anonymous".
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.tokens == nil {
		return "anonymous", true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		s.fail(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	approver, err := s.tokens.Verify(token)
	if err != nil {
		s.fail(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return approver, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}
