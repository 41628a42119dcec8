package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process Repository used by tests and by the memory
// store backend. A single mutex stands in for the row locks of the Postgres store.
type MemoryRepository struct {
	mu sync.Mutex

	users     map[string]memoryUser
	creators  map[string]string
	payments  []memoryPayment
	requests  map[int64]*domain.WithdrawalRequest
	processed map[int64]*domain.ProcessedWithdrawal

	nextRequestID   int64
	nextProcessedID int64
}

type memoryUser struct {
	username string
	isStaff  bool
}

type memoryPayment struct {
	creatorID string
	amount    decimal.Decimal
	status    domain.PaymentStatus
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:     make(map[string]memoryUser),
		creators:  make(map[string]string),
		requests:  make(map[int64]*domain.WithdrawalRequest),
		processed: make(map[int64]*domain.ProcessedWithdrawal),
	}
}

// AddUser registers a platform user.
func (r *MemoryRepository) AddUser(id, username string, isStaff bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = memoryUser{username: username, isStaff: isStaff}
}

// AddCreator registers a creator profile and its backing user.
func (r *MemoryRepository) AddCreator(id, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[id] = username
	if _, ok := r.users[id]; !ok {
		r.users[id] = memoryUser{username: username}
	}
}

// AddPayment records a patron payment credited to a creator.
func (r *MemoryRepository) AddPayment(creatorID string, amount decimal.Decimal, status domain.PaymentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, memoryPayment{creatorID: creatorID, amount: amount, status: status})
}

// AddWithdrawalRequest stores a withdrawal request and returns its id. An empty
// status defaults to pending.
func (r *MemoryRepository) AddWithdrawalRequest(req domain.WithdrawalRequest) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextRequestID++
	req.ID = r.nextRequestID
	if req.Status == "" {
		req.Status = domain.WithdrawalPending
	}
	if req.RequestDate.IsZero() {
		req.RequestDate = time.Now().UTC()
	}
	if req.CreatorUsername == "" {
		req.CreatorUsername = r.creators[req.CreatorID]
	}
	r.requests[req.ID] = &req
	return req.ID
}

func (r *MemoryRepository) GetWithdrawalRequest(ctx context.Context, requestID int64) (*domain.WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrWithdrawalRequestNotFound
	}
	return copyRequest(req), nil
}

func (r *MemoryRepository) GetProcessedWithdrawal(ctx context.Context, processedID int64) (*domain.ProcessedWithdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processed[processedID]
	if !ok {
		return nil, ErrProcessedWithdrawalNotFound
	}
	return copyProcessed(p), nil
}

func (r *MemoryRepository) FindProcessedWithdrawalByReference(ctx context.Context, referenceID string) (*domain.ProcessedWithdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.processed {
		if p.ReferenceID != nil && *p.ReferenceID == referenceID {
			return copyProcessed(p), nil
		}
	}
	return nil, ErrProcessedWithdrawalNotFound
}

func (r *MemoryRepository) BeginApproval(ctx context.Context, params BeginApprovalParams) (*domain.WithdrawalRequest, *domain.ProcessedWithdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, err := r.lockPendingLocked(params.RequestID)
	if err != nil {
		return nil, nil, err
	}

	actor := params.ActorID
	reference := params.ReferenceID
	p := r.insertProcessedLocked(domain.ProcessedWithdrawal{
		WithdrawalRequestID: req.ID,
		ApprovedBy:          &actor,
		Status:              domain.ProcessedProcessing,
		ReferenceID:         &reference,
		CreatedAt:           params.At,
		UpdatedAt:           params.At,
	})
	return copyRequest(req), copyProcessed(p), nil
}

func (r *MemoryRepository) RecordAcceptance(ctx context.Context, processedID int64, at time.Time) (*DecisionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, req, err := r.decisionLocked(processedID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProcessedProcessing {
		return r.stateLocked(p, req, false), nil
	}

	p.Status = domain.ProcessedAccepted
	p.ApprovedDate = stampOnce(p.ApprovedDate, at)
	p.NeedsFollowUp = false
	p.LastError = nil
	p.UpdatedAt = at
	req.Status = domain.WithdrawalAccepted
	req.ProcessedDate = stampOnce(req.ProcessedDate, at)
	return r.stateLocked(p, req, true), nil
}

func (r *MemoryRepository) RecordAcknowledgmentFailure(ctx context.Context, processedID int64, statusCode int, detail string) (*DecisionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, req, err := r.decisionLocked(processedID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProcessedProcessing {
		return r.stateLocked(p, req, false), nil
	}

	code := statusCode
	p.Status = domain.ProcessedFailed
	p.GatewayStatusCode = &code
	p.LastError = optionalString(detail)
	p.NeedsFollowUp = false
	p.UpdatedAt = time.Now().UTC()
	return r.stateLocked(p, req, true), nil
}

func (r *MemoryRepository) MarkFollowUpRequired(ctx context.Context, processedID int64, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processed[processedID]
	if !ok {
		return ErrProcessedWithdrawalNotFound
	}
	if p.Status != domain.ProcessedProcessing {
		return nil
	}
	p.NeedsFollowUp = true
	p.LastError = optionalString(lastError)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) ApplySettlement(ctx context.Context, processedID int64, status domain.SettlementStatus, note string, at time.Time) (*DecisionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, req, err := r.decisionLocked(processedID)
	if err != nil {
		return nil, err
	}

	transition, ok := domain.NextSettlementState(p.Status, status)
	if !ok {
		return r.stateLocked(p, req, false), nil
	}

	p.Status = transition.Processed
	p.NeedsFollowUp = false
	if note != "" {
		p.LastError = optionalString(note)
	}
	if transition.Acknowledged {
		p.ApprovedDate = stampOnce(p.ApprovedDate, at)
	}
	p.UpdatedAt = at
	if transition.Request != "" {
		req.Status = transition.Request
		req.ProcessedDate = stampOnce(req.ProcessedDate, at)
	}
	return r.stateLocked(p, req, true), nil
}

func (r *MemoryRepository) RejectRequest(ctx context.Context, params RejectParams) (*domain.WithdrawalRequest, *domain.ProcessedWithdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, err := r.lockPendingLocked(params.RequestID)
	if err != nil {
		return nil, nil, err
	}

	reason := params.Reason
	req.Status = domain.WithdrawalRejected
	req.Reason = &reason
	req.ProcessedDate = stampOnce(req.ProcessedDate, params.At)

	actor := params.ActorID
	rejectedAt := params.At
	p := r.insertProcessedLocked(domain.ProcessedWithdrawal{
		WithdrawalRequestID: req.ID,
		RejectedBy:          &actor,
		Status:              domain.ProcessedRejected,
		Reason:              &reason,
		RejectedDate:        &rejectedAt,
		CreatedAt:           params.At,
		UpdatedAt:           params.At,
	})
	return copyRequest(req), copyProcessed(p), nil
}

func (r *MemoryRepository) ListPendingWithLedgers(ctx context.Context) ([]domain.WithdrawalRequest, map[string]domain.CreatorLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]domain.WithdrawalRequest, 0)
	ledgers := make(map[string]domain.CreatorLedger)
	for _, req := range r.requests {
		if req.Status != domain.WithdrawalPending {
			continue
		}
		pending = append(pending, *copyRequest(req))
		if _, ok := ledgers[req.CreatorID]; !ok {
			ledgers[req.CreatorID] = r.ledgerLocked(req.CreatorID)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].RequestDate.Equal(pending[j].RequestDate) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].RequestDate.Before(pending[j].RequestDate)
	})
	return pending, ledgers, nil
}

func (r *MemoryRepository) ListProcessedByActor(ctx context.Context, actorID string) ([]domain.ProcessedWithdrawalView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches := make([]*domain.ProcessedWithdrawal, 0)
	for _, p := range r.processed {
		if (p.ApprovedBy != nil && *p.ApprovedBy == actorID) || (p.RejectedBy != nil && *p.RejectedBy == actorID) {
			matches = append(matches, p)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID > matches[j].ID })

	views := make([]domain.ProcessedWithdrawalView, 0, len(matches))
	for _, p := range matches {
		req := r.requests[p.WithdrawalRequestID]
		view := domain.ProcessedWithdrawalView{
			ID:         p.ID,
			Status:     p.Status,
			ApprovedAt: copyTime(p.ApprovedDate),
			RejectedAt: copyTime(p.RejectedDate),
			Reason:     copyString(p.Reason),
		}
		if req != nil {
			view.Creator = req.CreatorUsername
			view.Amount = req.Amount
			if view.Reason == nil {
				view.Reason = copyString(req.Reason)
			}
		}
		views = append(views, view)
	}
	return views, nil
}

func (r *MemoryRepository) ListOutstandingDisbursements(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.ProcessedWithdrawal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.ProcessedWithdrawal, 0)
	for _, p := range r.processed {
		if p.Status != domain.ProcessedAccepted && p.Status != domain.ProcessedProcessing {
			continue
		}
		if p.UpdatedAt.After(updatedBefore) {
			continue
		}
		out = append(out, *copyProcessed(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetCreatorLedger(ctx context.Context, creatorID string) (domain.CreatorLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.creators[creatorID]; !ok {
		return domain.CreatorLedger{}, ErrCreatorNotFound
	}
	return r.ledgerLocked(creatorID), nil
}

func (r *MemoryRepository) GetStaffSummary(ctx context.Context) (*domain.StaffSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	summary := &domain.StaffSummary{
		TotalUsers:    len(r.users),
		TotalCreators: len(r.creators),
		TotalPayments: len(r.payments),
		UpdatedAt:     time.Now().UTC(),
	}
	for _, req := range r.requests {
		if req.Status == domain.WithdrawalPending {
			summary.PendingWithdrawals++
		}
	}
	for _, p := range r.processed {
		if p.Status == domain.ProcessedAccepted || p.Status == domain.ProcessedProcessing {
			summary.OutstandingDisbursements++
		}
	}
	return summary, nil
}

func (r *MemoryRepository) lockPendingLocked(requestID int64) (*domain.WithdrawalRequest, error) {
	req, ok := r.requests[requestID]
	if !ok {
		return nil, ErrWithdrawalRequestNotFound
	}
	if req.Status != domain.WithdrawalPending {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidState, req.Status)
	}
	for _, p := range r.processed {
		if p.WithdrawalRequestID == requestID && p.Status.IsLive() {
			return nil, fmt.Errorf("%w: decision %d is %s", ErrInvalidState, p.ID, p.Status)
		}
	}
	return req, nil
}

func (r *MemoryRepository) insertProcessedLocked(p domain.ProcessedWithdrawal) *domain.ProcessedWithdrawal {
	r.nextProcessedID++
	p.ID = r.nextProcessedID
	stored := p
	r.processed[p.ID] = &stored
	return &stored
}

func (r *MemoryRepository) decisionLocked(processedID int64) (*domain.ProcessedWithdrawal, *domain.WithdrawalRequest, error) {
	p, ok := r.processed[processedID]
	if !ok {
		return nil, nil, ErrProcessedWithdrawalNotFound
	}
	req, ok := r.requests[p.WithdrawalRequestID]
	if !ok {
		return nil, nil, ErrWithdrawalRequestNotFound
	}
	return p, req, nil
}

func (r *MemoryRepository) stateLocked(p *domain.ProcessedWithdrawal, req *domain.WithdrawalRequest, changed bool) *DecisionState {
	return &DecisionState{Request: copyRequest(req), Processed: copyProcessed(p), Changed: changed}
}

func (r *MemoryRepository) ledgerLocked(creatorID string) domain.CreatorLedger {
	ledger := domain.NewCreatorLedger(creatorID)
	for _, payment := range r.payments {
		if payment.creatorID != creatorID {
			continue
		}
		ledger.Payments[payment.status] = ledger.Payments[payment.status].Add(payment.amount)
	}
	for _, req := range r.requests {
		if req.CreatorID != creatorID {
			continue
		}
		ledger.Withdrawals[req.Status] = ledger.Withdrawals[req.Status].Add(req.Amount)
	}
	return ledger
}

func stampOnce(current *time.Time, at time.Time) *time.Time {
	if current != nil {
		return current
	}
	stamped := at
	return &stamped
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func copyRequest(req *domain.WithdrawalRequest) *domain.WithdrawalRequest {
	out := *req
	out.ProcessedDate = copyTime(req.ProcessedDate)
	out.Reason = copyString(req.Reason)
	return &out
}

func copyProcessed(p *domain.ProcessedWithdrawal) *domain.ProcessedWithdrawal {
	out := *p
	out.ApprovedBy = copyString(p.ApprovedBy)
	out.RejectedBy = copyString(p.RejectedBy)
	out.Reason = copyString(p.Reason)
	out.ReferenceID = copyString(p.ReferenceID)
	out.ApprovedDate = copyTime(p.ApprovedDate)
	out.RejectedDate = copyTime(p.RejectedDate)
	out.LastError = copyString(p.LastError)
	if p.GatewayStatusCode != nil {
		code := *p.GatewayStatusCode
		out.GatewayStatusCode = &code
	}
	return &out
}
