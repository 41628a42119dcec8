/**
 * @description
 * This file contains the HTTP handlers for the withdrawal-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the workflow, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: Structured request logging.
 * - internal/app, internal/domain, internal/store: Workflow, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lipila/withdrawal-service/internal/app"
	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/lipila/withdrawal-service/internal/store"
	"github.com/lipila/withdrawal-service/pkg/logger"
	"go.uber.org/zap"
)

// WithdrawalWorkflow is the subset of the workflow the HTTP layer drives.
type WithdrawalWorkflow interface {
	Decide(ctx context.Context, actor domain.Actor, in app.DecisionInput) domain.DecisionOutcome
	ListPending(ctx context.Context, actor domain.Actor) ([]domain.PendingWithdrawal, error)
	ListProcessedByActor(ctx context.Context, actor domain.Actor) ([]domain.ProcessedWithdrawalView, error)
	StaffSummary(ctx context.Context, actor domain.Actor) (*domain.StaffSummary, error)
	CreatorBalance(ctx context.Context, actor domain.Actor, creatorID string) (*app.CreatorBalance, error)
	ReconcileOutstandingDisbursements(ctx context.Context, limit int) (*app.ReconcileResult, error)
	CheckSettlement(ctx context.Context, processedID int64) (*store.DecisionState, error)
}

// WithdrawalHandlers holds the workflow that handlers will use.
type WithdrawalHandlers struct {
	workflow WithdrawalWorkflow
	log      *zap.Logger
}

// NewWithdrawalHandlers creates a new instance of WithdrawalHandlers.
func NewWithdrawalHandlers(workflow WithdrawalWorkflow) *WithdrawalHandlers {
	return &WithdrawalHandlers{workflow: workflow, log: logger.For("api")}
}

type decisionRequest struct {
	WithdrawalRequestID int64  `json:"withdrawal_request_id"`
	Action              string `json:"action"`
	Reason              string `json:"reason"`
	RejectedReason      string `json:"rejected_reason"`
}

// input prefers rejected_reason for rejections, which is the field the review form
// submits.
func (d decisionRequest) input() app.DecisionInput {
	reason := d.Reason
	if strings.EqualFold(strings.TrimSpace(d.Action), string(domain.ActionReject)) && strings.TrimSpace(d.RejectedReason) != "" {
		reason = d.RejectedReason
	}
	return app.DecisionInput{RequestID: d.WithdrawalRequestID, Action: d.Action, Reason: reason}
}

type settlementResponse struct {
	ProcessedWithdrawalID int64                   `json:"processed_withdrawal_id"`
	WithdrawalRequestID   int64                   `json:"withdrawal_request_id"`
	RequestStatus         domain.WithdrawalStatus `json:"request_status"`
	ProcessedStatus       domain.ProcessedStatus  `json:"processed_status"`
	ReferenceID           string                  `json:"reference_id,omitempty"`
	Changed               bool                    `json:"changed"`
}

func buildSettlementResponse(state *store.DecisionState) settlementResponse {
	resp := settlementResponse{Changed: state.Changed}
	if state.Request != nil {
		resp.WithdrawalRequestID = state.Request.ID
		resp.RequestStatus = state.Request.Status
	}
	if state.Processed != nil {
		resp.ProcessedWithdrawalID = state.Processed.ID
		resp.ProcessedStatus = state.Processed.Status
		if state.Processed.ReferenceID != nil {
			resp.ReferenceID = *state.Processed.ReferenceID
		}
	}
	return resp
}

// ListPendingHandler lists pending withdrawal requests with each creator's balance.
func (h *WithdrawalHandlers) ListPendingHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	rows, err := h.workflow.ListPending(r.Context(), actor)
	if err != nil {
		h.writeWorkflowError(w, "list_pending", actor, err, "Could not retrieve pending withdrawals.")
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// ListProcessedHandler lists the decisions recorded by the caller.
func (h *WithdrawalHandlers) ListProcessedHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	rows, err := h.workflow.ListProcessedByActor(r.Context(), actor)
	if err != nil {
		h.writeWorkflowError(w, "list_processed", actor, err, "Could not retrieve processed withdrawals.")
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// DecisionHandler approves or rejects a pending withdrawal request. The response
// status follows the outcome code.
func (h *WithdrawalHandlers) DecisionHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WithdrawalRequestID <= 0 {
		h.writeError(w, http.StatusBadRequest, "withdrawal_request_id is required")
		return
	}

	outcome := h.workflow.Decide(r.Context(), actor, req.input())
	h.writeJSON(w, outcome.Code, outcome)
}

// StaffSummaryHandler returns the dashboard counters.
func (h *WithdrawalHandlers) StaffSummaryHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	summary, err := h.workflow.StaffSummary(r.Context(), actor)
	if err != nil {
		h.writeWorkflowError(w, "staff_summary", actor, err, "Could not load summary.")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// CreatorBalanceHandler returns one creator's withdrawable balance.
func (h *WithdrawalHandlers) CreatorBalanceHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	creatorID := strings.TrimSpace(chi.URLParam(r, "creatorID"))
	if creatorID == "" {
		h.writeError(w, http.StatusBadRequest, "Creator ID is required")
		return
	}

	balance, err := h.workflow.CreatorBalance(r.Context(), actor, creatorID)
	if err != nil {
		h.writeWorkflowError(w, "creator_balance", actor, err, "Could not compute balance.")
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// ReconcileHandler runs one reconciliation sweep on demand.
func (h *WithdrawalHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	result, err := h.workflow.ReconcileOutstandingDisbursements(r.Context(), limit)
	if err != nil {
		if errors.Is(err, app.ErrSweepInProgress) {
			h.writeError(w, http.StatusConflict, "Reconciliation already running")
			return
		}
		h.log.Error("reconcile sweep failed", zap.String("endpoint", "reconcile"), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// SettlementCheckHandler polls the gateway for one recorded disbursement.
func (h *WithdrawalHandlers) SettlementCheckHandler(w http.ResponseWriter, r *http.Request) {
	processedID, err := strconv.ParseInt(chi.URLParam(r, "processedID"), 10, 64)
	if err != nil || processedID <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid processed withdrawal ID")
		return
	}

	state, err := h.workflow.CheckSettlement(r.Context(), processedID)
	if err != nil {
		if errors.Is(err, store.ErrProcessedWithdrawalNotFound) {
			h.writeError(w, http.StatusNotFound, "Processed withdrawal not found")
			return
		}
		h.log.Warn("settlement check failed", zap.Int64("processed_id", processedID), zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "Could not determine settlement status")
		return
	}
	h.writeJSON(w, http.StatusOK, buildSettlementResponse(state))
}

func (h *WithdrawalHandlers) requireActor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get user from context")
		return domain.Actor{}, false
	}
	return actor, true
}

func (h *WithdrawalHandlers) writeWorkflowError(w http.ResponseWriter, endpoint string, actor domain.Actor, err error, message string) {
	switch {
	case errors.Is(err, app.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "Staff access required")
	case errors.Is(err, store.ErrCreatorNotFound):
		h.writeError(w, http.StatusNotFound, "Creator not found")
	default:
		h.log.Error("request failed", zap.String("endpoint", endpoint), zap.String("actor_id", actor.ID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, message)
	}
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

func (h *WithdrawalHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

func (h *WithdrawalHandlers) writeError(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
