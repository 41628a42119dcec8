/**
 * @description
 * This file contains the withdrawal approval workflow. The `Workflow` struct
 * orchestrates staff decisions on creator withdrawal requests, coordinating between the
 * database repository, the Lipila payments API client, and the message broker.
 *
 * Key features:
 * - Decide is the single mutating entry point. It never returns an error; every
 *   failure becomes a structured DecisionOutcome.
 * - The audit row is written before the gateway is called, under a row lock, so a
 *   request is disbursed at most once.
 * - The post-acknowledgment status check is exposed separately as CheckSettlement so
 *   it can run from the reconciliation job, a webhook or a queue.
 *
 * @dependencies
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/lipilaclient, pkg/rabbitmq: For external service communication.
 * - go.uber.org/zap: Structured logging.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/lipila/withdrawal-service/internal/store"
	"github.com/lipila/withdrawal-service/pkg/lipilaclient"
	"github.com/lipila/withdrawal-service/pkg/logger"
	"github.com/lipila/withdrawal-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	DefaultGatewayTimeout     = 15 * time.Second
	DefaultSettlementMinAge   = 2 * time.Minute
	persistTimeout            = 10 * time.Second
	settlementAgeMargin       = 30 * time.Second
	decisionRateLimitScope    = "withdrawal_decision"
	decisionRateLimitWindow   = time.Minute
	settlementSourceDecision  = "decision"
	settlementSourceCheck     = "check"
	settlementSourceReference = "reference"
	notFoundAtGatewayNote     = "disbursement not found at gateway"
)

var ErrForbidden = errors.New("staff access required")

// DisbursementGateway is the subset of the Lipila client the workflow drives.
type DisbursementGateway interface {
	Disburse(ctx context.Context, actor, referenceID string, payload lipilaclient.DisbursementPayload) (*lipilaclient.DisbursementResponse, error)
	CheckStatus(ctx context.Context, referenceID, direction string) (lipilaclient.SettlementStatus, error)
}

// DecisionRateLimiter counts decisions per actor inside a fixed window.
type DecisionRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// DecisionInput carries one staff decision. Reason is the payout description on
// approval and the rejection reason on rejection.
type DecisionInput struct {
	RequestID int64
	Action    string
	Reason    string
}

// Workflow provides the withdrawal approval and disbursement use cases.
type Workflow struct {
	repo          store.Repository
	gateway       DisbursementGateway
	eventProducer rabbitmq.Publisher
	exchange      string

	limiter       DecisionRateLimiter
	decisionLimit int
	sweepLock     KeyedLock
	metrics       *Metrics

	gatewayTimeout   time.Duration
	settlementMinAge time.Duration

	log          *zap.Logger
	now          func() time.Time
	newReference func() string
}

// NewWorkflow creates a new withdrawal workflow instance.
func NewWorkflow(repo store.Repository, gateway DisbursementGateway, producer rabbitmq.Publisher, exchange string) *Workflow {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Workflow{
		repo:             repo,
		gateway:          gateway,
		eventProducer:    producer,
		exchange:         exchange,
		gatewayTimeout:   DefaultGatewayTimeout,
		settlementMinAge: DefaultSettlementMinAge,
		log:              logger.For("workflow"),
		now:              func() time.Time { return time.Now().UTC() },
		newReference:     uuid.NewString,
	}
}

// SetRateLimiter enables the per-actor decision limit. A non-positive perMinute
// disables it.
func (w *Workflow) SetRateLimiter(limiter DecisionRateLimiter, perMinute int) {
	w.limiter = limiter
	w.decisionLimit = perMinute
}

func (w *Workflow) SetSweepLock(lock KeyedLock) { w.sweepLock = lock }

func (w *Workflow) SetMetrics(m *Metrics) { w.metrics = m }

// SetTimeouts overrides the gateway call timeout and the age after which an
// unacknowledged disbursement unknown to the gateway is treated as never received.
// A negative settlementMinAge keeps the current value. The age is raised to
// outlast an in-flight approval, so a sweep never races a Disburse call.
func (w *Workflow) SetTimeouts(gateway, settlementMinAge time.Duration) {
	if gateway > 0 {
		w.gatewayTimeout = gateway
	}
	if settlementMinAge < 0 {
		settlementMinAge = w.settlementMinAge
	}
	if floor := MinSettlementAge(w.gatewayTimeout); settlementMinAge < floor {
		w.log.Warn("settlement min age shorter than an approval; raising",
			zap.Duration("configured", settlementMinAge),
			zap.Duration("gateway_timeout", w.gatewayTimeout),
			zap.Duration("min_age", floor),
		)
		settlementMinAge = floor
	}
	w.settlementMinAge = settlementMinAge
}

// MinSettlementAge is the shortest age at which a disbursement row can no longer
// belong to an approval still waiting on the gateway or on its acceptance write.
func MinSettlementAge(gatewayTimeout time.Duration) time.Duration {
	return gatewayTimeout + persistTimeout + settlementAgeMargin
}

// Decide applies a staff decision to a withdrawal request.
func (w *Workflow) Decide(ctx context.Context, actor domain.Actor, in DecisionInput) domain.DecisionOutcome {
	outcome := w.decide(ctx, actor, in)
	if outcome.RequestID == 0 {
		outcome.RequestID = in.RequestID
	}

	w.metrics.observeDecision(strings.ToLower(strings.TrimSpace(in.Action)), string(outcome.Kind))
	fields := []zap.Field{
		zap.String("actor_id", actor.ID),
		zap.Int64("request_id", in.RequestID),
		zap.String("action", in.Action),
		zap.String("outcome", string(outcome.Kind)),
	}
	if outcome.ReferenceID != "" {
		fields = append(fields, zap.String("reference_id", outcome.ReferenceID))
	}
	if outcome.Succeeded() {
		w.log.Info("decision recorded", fields...)
	} else {
		w.log.Warn("decision not applied", append(fields, zap.String("reason", outcome.Message))...)
	}
	return outcome
}

func (w *Workflow) decide(ctx context.Context, actor domain.Actor, in DecisionInput) domain.DecisionOutcome {
	if !actor.IsStaff {
		return domain.NewOutcome(domain.OutcomeForbidden, "You do not have permission to process withdrawals.")
	}

	if limited, retryAfter := w.rateLimited(ctx, actor); limited {
		return domain.NewOutcome(domain.OutcomeRateLimited,
			fmt.Sprintf("Too many decisions. Try again in %d seconds.", retryAfter))
	}

	action, err := domain.ParseDecisionAction(in.Action)
	if err != nil {
		return domain.NewOutcome(domain.OutcomeInvalidAction, "Invalid action specified.")
	}

	switch action {
	case domain.ActionApprove:
		return w.approve(ctx, actor, in)
	default:
		return w.reject(ctx, actor, in)
	}
}

// rateLimited fails open: a limiter outage must not block staff.
func (w *Workflow) rateLimited(ctx context.Context, actor domain.Actor) (bool, int) {
	if w.limiter == nil || w.decisionLimit <= 0 {
		return false, 0
	}
	count, retryAfter, err := w.limiter.ConsumeRateLimit(ctx, decisionRateLimitScope, actor.ID, w.decisionLimit, decisionRateLimitWindow)
	if err != nil {
		w.log.Warn("rate limiter unavailable; allowing decision", zap.String("actor_id", actor.ID), zap.Error(err))
		return false, 0
	}
	return count > w.decisionLimit, retryAfter
}

func (w *Workflow) approve(ctx context.Context, actor domain.Actor, in DecisionInput) domain.DecisionOutcome {
	reference := w.newReference()

	req, err := w.repo.GetWithdrawalRequest(ctx, in.RequestID)
	if err != nil {
		return w.lookupFailure(in.RequestID, err)
	}
	if req.Status != domain.WithdrawalPending {
		return invalidStateOutcome(req)
	}

	payload := lipilaclient.DisbursementPayload{
		Amount:             req.Amount,
		PaymentMethod:      req.PaymentMethod,
		PayeeAccountNumber: req.AccountNumber,
		Description:        disbursementDescription(in.Reason, req.CreatorUsername),
	}
	if err := payload.Validate(); err != nil {
		outcome := domain.NewOutcome(domain.OutcomeInvalidPayload,
			fmt.Sprintf("Withdrawal request %d cannot be disbursed: %v", req.ID, err))
		return withRequest(outcome, req)
	}

	req, processed, err := w.repo.BeginApproval(ctx, store.BeginApprovalParams{
		RequestID:   in.RequestID,
		ActorID:     actor.ID,
		ReferenceID: reference,
		At:          w.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			current, getErr := w.repo.GetWithdrawalRequest(ctx, in.RequestID)
			if getErr == nil {
				return invalidStateOutcome(current)
			}
			return domain.NewOutcome(domain.OutcomeInvalidState, "Withdrawal request has already been processed.")
		}
		return w.lookupFailure(in.RequestID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.gatewayTimeout)
	started := time.Now()
	resp, callErr := w.gateway.Disburse(callCtx, actorName(actor), reference, payload)
	cancel()

	// The money may already be moving, so the outcome is persisted even if the
	// caller has gone away.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelPersist()

	if callErr != nil {
		w.metrics.observeGatewayCall("disburse", "unreachable", time.Since(started))
		return w.followUp(persistCtx, actor, req, processed, callErr.Error())
	}

	if !resp.Accepted() {
		w.metrics.observeGatewayCall("disburse", "rejected", time.Since(started))
		state, err := w.repo.RecordAcknowledgmentFailure(persistCtx, processed.ID, resp.StatusCode, resp.Detail())
		if err != nil {
			w.log.Error("failed to persist disbursement rejection",
				zap.Int64("processed_id", processed.ID),
				zap.Int("status_code", resp.StatusCode),
				zap.Error(err),
			)
			return withDecision(domain.NewOutcome(domain.OutcomePaymentFailed, "Payment failed"), req, processed)
		}
		return withDecision(domain.NewOutcome(domain.OutcomePaymentFailed, "Payment failed"), state.Request, state.Processed)
	}
	w.metrics.observeGatewayCall("disburse", "accepted", time.Since(started))

	state, err := w.repo.RecordAcceptance(persistCtx, processed.ID, w.now())
	if err != nil {
		return w.followUp(persistCtx, actor, req, processed, fmt.Sprintf("acknowledged by gateway but not persisted: %v", err))
	}
	if state.Changed {
		w.publish(persistCtx, domain.EventDisbursementAccepted, state, actor.ID, "")
	}
	if state.Processed.Status.IsTerminal() {
		return outcomeFromState(state)
	}

	settled, err := w.settle(persistCtx, state.Processed, settlementSourceDecision)
	if err != nil {
		w.log.Warn("settlement check deferred",
			zap.Int64("processed_id", processed.ID),
			zap.String("reference_id", reference),
			zap.Error(err),
		)
		return outcomeFromState(state)
	}
	return outcomeFromState(settled)
}

// followUp leaves the audit row in processing for the reconciliation sweep. The
// request stays pending but cannot be approved again until the row is resolved.
func (w *Workflow) followUp(ctx context.Context, actor domain.Actor, req *domain.WithdrawalRequest, processed *domain.ProcessedWithdrawal, detail string) domain.DecisionOutcome {
	if err := w.repo.MarkFollowUpRequired(ctx, processed.ID, detail); err != nil {
		w.log.Error("failed to flag disbursement for follow-up",
			zap.Int64("processed_id", processed.ID),
			zap.Error(err),
		)
	}
	processed.NeedsFollowUp = true
	processed.LastError = &detail
	w.publish(ctx, domain.EventDisbursementFollowUp, &store.DecisionState{Request: req, Processed: processed}, actor.ID, detail)

	outcome := domain.NewOutcome(domain.OutcomeFollowUpRequired,
		fmt.Sprintf("Disbursement for %s could not be confirmed and will be reconciled.", req.CreatorUsername))
	return withDecision(outcome, req, processed)
}

func (w *Workflow) reject(ctx context.Context, actor domain.Actor, in DecisionInput) domain.DecisionOutcome {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return domain.NewOutcome(domain.OutcomeInvalidPayload, "A rejection reason is required.")
	}

	req, processed, err := w.repo.RejectRequest(ctx, store.RejectParams{
		RequestID: in.RequestID,
		ActorID:   actor.ID,
		Reason:    reason,
		At:        w.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			if current, getErr := w.repo.GetWithdrawalRequest(ctx, in.RequestID); getErr == nil {
				return invalidStateOutcome(current)
			}
		}
		return w.lookupFailure(in.RequestID, err)
	}

	state := &store.DecisionState{Request: req, Processed: processed, Changed: true}
	w.publish(ctx, domain.EventDecisionRejected, state, actor.ID, reason)
	return outcomeFromState(state)
}

// CheckSettlement polls the gateway for a recorded disbursement and applies the
// result. Terminal records are returned unchanged without a gateway call.
func (w *Workflow) CheckSettlement(ctx context.Context, processedID int64) (*store.DecisionState, error) {
	processed, err := w.repo.GetProcessedWithdrawal(ctx, processedID)
	if err != nil {
		return nil, err
	}
	if processed.Status.IsTerminal() {
		req, err := w.repo.GetWithdrawalRequest(ctx, processed.WithdrawalRequestID)
		if err != nil {
			return nil, err
		}
		return &store.DecisionState{Request: req, Processed: processed}, nil
	}
	return w.settle(ctx, processed, settlementSourceCheck)
}

func (w *Workflow) settle(ctx context.Context, processed *domain.ProcessedWithdrawal, source string) (*store.DecisionState, error) {
	if processed.ReferenceID == nil || *processed.ReferenceID == "" {
		return nil, fmt.Errorf("processed withdrawal %d has no reference id", processed.ID)
	}
	reference := *processed.ReferenceID

	callCtx, cancel := context.WithTimeout(ctx, w.gatewayTimeout)
	started := time.Now()
	status, err := w.gateway.CheckStatus(callCtx, reference, lipilaclient.DirectionDisbursement)
	cancel()

	note := ""
	if err != nil {
		if !w.neverReceived(processed, err) {
			w.metrics.observeGatewayCall("check_status", "error", time.Since(started))
			return nil, fmt.Errorf("check settlement status for %s: %w", reference, err)
		}
		status = lipilaclient.StatusFailure
		note = notFoundAtGatewayNote
	}
	w.metrics.observeGatewayCall("check_status", string(status), time.Since(started))

	return w.applySettlement(ctx, processed.ID, toSettlementStatus(status), note, source)
}

// neverReceived reports whether an unknown reference proves the disbursement was
// never submitted. Only unacknowledged rows old enough to rule out propagation lag
// qualify.
func (w *Workflow) neverReceived(processed *domain.ProcessedWithdrawal, err error) bool {
	return errors.Is(err, lipilaclient.ErrInvalidReference) &&
		processed.Status == domain.ProcessedProcessing &&
		w.now().Sub(processed.CreatedAt) >= w.settlementMinAge
}

// ApplySettlementByReference applies a provider-reported status to the disbursement
// with the given reference id. It is used by the webhook and the settlement consumer.
func (w *Workflow) ApplySettlementByReference(ctx context.Context, referenceID, rawStatus, note string) (*store.DecisionState, error) {
	processed, err := w.repo.FindProcessedWithdrawalByReference(ctx, strings.TrimSpace(referenceID))
	if err != nil {
		return nil, err
	}
	status := toSettlementStatus(lipilaclient.NormalizeStatus(rawStatus))
	return w.applySettlement(ctx, processed.ID, status, note, settlementSourceReference)
}

func (w *Workflow) applySettlement(ctx context.Context, processedID int64, status domain.SettlementStatus, note, source string) (*store.DecisionState, error) {
	state, err := w.repo.ApplySettlement(ctx, processedID, status, note, w.now())
	if err != nil {
		return nil, fmt.Errorf("apply settlement to processed withdrawal %d: %w", processedID, err)
	}
	if !state.Changed {
		return state, nil
	}

	w.metrics.observeSettlement(source, string(state.Processed.Status))
	w.log.Info("settlement applied",
		zap.Int64("processed_id", processedID),
		zap.String("source", source),
		zap.String("provider_status", string(status)),
		zap.String("processed_status", string(state.Processed.Status)),
		zap.String("request_status", string(state.Request.Status)),
	)

	switch state.Processed.Status {
	case domain.ProcessedSuccess:
		w.publish(ctx, domain.EventDisbursementSettled, state, "", "")
	case domain.ProcessedFailed:
		w.publish(ctx, domain.EventDisbursementFailed, state, "", note)
	case domain.ProcessedAccepted:
		w.publish(ctx, domain.EventDisbursementAccepted, state, "", "")
	}
	return state, nil
}

// publish is best effort; the database is the source of truth.
func (w *Workflow) publish(ctx context.Context, eventType string, state *store.DecisionState, actorID, reason string) {
	if w.eventProducer == nil || state == nil || state.Request == nil || state.Processed == nil {
		return
	}
	event := domain.WithdrawalEvent{
		EventID:               uuid.NewString(),
		EventType:             eventType,
		WithdrawalRequestID:   state.Request.ID,
		ProcessedWithdrawalID: state.Processed.ID,
		CreatorID:             state.Request.CreatorID,
		Amount:                state.Request.Amount,
		RequestStatus:         state.Request.Status,
		ProcessedStatus:       state.Processed.Status,
		ActorID:               actorID,
		Reason:                reason,
		OccurredAt:            w.now(),
	}
	if state.Processed.ReferenceID != nil {
		event.ReferenceID = *state.Processed.ReferenceID
	}
	if err := w.eventProducer.Publish(ctx, w.exchange, eventType, event); err != nil {
		w.log.Warn("failed to publish withdrawal event",
			zap.String("event_type", eventType),
			zap.Int64("processed_id", state.Processed.ID),
			zap.Error(err),
		)
	}
}

func (w *Workflow) lookupFailure(requestID int64, err error) domain.DecisionOutcome {
	switch {
	case errors.Is(err, store.ErrWithdrawalRequestNotFound):
		return domain.NewOutcome(domain.OutcomeNotFound, "Withdrawal request not found.")
	case errors.Is(err, store.ErrInvalidState):
		return domain.NewOutcome(domain.OutcomeInvalidState, "Withdrawal request has already been processed.")
	default:
		w.log.Error("withdrawal storage failure", zap.Int64("request_id", requestID), zap.Error(err))
		return domain.NewOutcome(domain.OutcomeInternalError, "The withdrawal request could not be processed. Please try again.")
	}
}

func outcomeFromState(state *store.DecisionState) domain.DecisionOutcome {
	username := state.Request.CreatorUsername
	var outcome domain.DecisionOutcome
	switch state.Processed.Status {
	case domain.ProcessedSuccess:
		outcome = domain.NewOutcome(domain.OutcomeApproved,
			fmt.Sprintf("Withdrawal request for %s approved successfully.", username))
	case domain.ProcessedAccepted:
		outcome = domain.NewOutcome(domain.OutcomeAcceptedPendingConfirmation,
			fmt.Sprintf("Withdrawal request for %s accepted, pending confirmation.", username))
	case domain.ProcessedRejected:
		outcome = domain.NewOutcome(domain.OutcomeRejected,
			fmt.Sprintf("Withdrawal request for %s rejected.", username))
	case domain.ProcessedFailed:
		if state.Request.Status == domain.WithdrawalFailed {
			outcome = domain.NewOutcome(domain.OutcomeSettlementFailed,
				fmt.Sprintf("Disbursement for %s failed at settlement.", username))
		} else {
			outcome = domain.NewOutcome(domain.OutcomePaymentFailed, "Payment failed")
		}
	default:
		outcome = domain.NewOutcome(domain.OutcomeFollowUpRequired,
			fmt.Sprintf("Disbursement for %s could not be confirmed and will be reconciled.", username))
	}
	return withDecision(outcome, state.Request, state.Processed)
}

func invalidStateOutcome(req *domain.WithdrawalRequest) domain.DecisionOutcome {
	message := fmt.Sprintf("Withdrawal request for %s has already been processed (status %s).", req.CreatorUsername, req.Status)
	if req.Status == domain.WithdrawalPending {
		message = fmt.Sprintf("Withdrawal request for %s has a disbursement awaiting reconciliation.", req.CreatorUsername)
	}
	return withRequest(domain.NewOutcome(domain.OutcomeInvalidState, message), req)
}

func withRequest(outcome domain.DecisionOutcome, req *domain.WithdrawalRequest) domain.DecisionOutcome {
	if req == nil {
		return outcome
	}
	outcome.RequestID = req.ID
	outcome.Creator = req.CreatorUsername
	outcome.RequestStatus = req.Status
	return outcome
}

func withDecision(outcome domain.DecisionOutcome, req *domain.WithdrawalRequest, processed *domain.ProcessedWithdrawal) domain.DecisionOutcome {
	outcome = withRequest(outcome, req)
	if processed != nil {
		outcome.ProcessedID = processed.ID
		outcome.ProcessedStatus = processed.Status
		if processed.ReferenceID != nil {
			outcome.ReferenceID = *processed.ReferenceID
		}
	}
	return outcome
}

func disbursementDescription(reason, username string) string {
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("Withdrawal payout for %s", username)
}

func actorName(actor domain.Actor) string {
	if actor.Username != "" {
		return actor.Username
	}
	return actor.ID
}

func toSettlementStatus(status lipilaclient.SettlementStatus) domain.SettlementStatus {
	switch status {
	case lipilaclient.StatusSuccess:
		return domain.SettlementSuccess
	case lipilaclient.StatusFailure:
		return domain.SettlementFailure
	default:
		return domain.SettlementPending
	}
}
