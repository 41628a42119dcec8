package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/lipila/withdrawal-service/internal/store"
	"github.com/lipila/withdrawal-service/pkg/lipilaclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var staffActor = domain.Actor{ID: "staff-1", Username: "alice", IsStaff: true}

// fakeLipila impersonates the provider's disbursement and status endpoints.
type fakeLipila struct {
	mu             sync.Mutex
	disburseStatus int
	disburseBody   string
	settlement     string
	statusCode     int
	delay          time.Duration
	hold           chan struct{}
	disburseCalls  int
	statusCalls    int
	references     []string
}

func (f *fakeLipila) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/disbursements":
		f.mu.Lock()
		f.disburseCalls++
		f.references = append(f.references, r.Header.Get("X-Reference-ID"))
		status, body, delay, hold := f.disburseStatus, f.disburseBody, f.delay, f.hold
		f.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status == 0 {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	case "/api/v1/payments/status":
		f.mu.Lock()
		f.statusCalls++
		code, settlement := f.statusCode, f.settlement
		f.mu.Unlock()

		if code == 0 {
			code = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"status":%q}`, settlement)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeLipila) set(fn func(f *fakeLipila)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeLipila) calls() (disburse, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disburseCalls, f.statusCalls
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []domain.WithdrawalEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	if event, ok := body.(domain.WithdrawalEvent); ok {
		p.events = append(p.events, event)
	}
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

type workflowFixture struct {
	wf        *Workflow
	repo      *store.MemoryRepository
	gateway   *fakeLipila
	events    *recordingPublisher
	requestID int64
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()

	repo := store.NewMemoryRepository()
	repo.AddUser("staff-1", "alice", true)
	repo.AddCreator("creator-1", "mwila")
	repo.AddPayment("creator-1", decimal.NewFromInt(900), domain.PaymentSuccess)
	id := repo.AddWithdrawalRequest(domain.WithdrawalRequest{
		CreatorID:     "creator-1",
		Amount:        decimal.NewFromInt(500),
		PaymentMethod: "mobile_money",
		AccountNumber: "260971234567",
	})

	gateway := &fakeLipila{}
	srv := httptest.NewServer(gateway)
	t.Cleanup(srv.Close)

	events := &recordingPublisher{}
	wf := NewWorkflow(repo, lipilaclient.NewClient(srv.URL, "test-key"), events, "lipila.events")
	return &workflowFixture{wf: wf, repo: repo, gateway: gateway, events: events, requestID: id}
}

func (f *workflowFixture) approve(t *testing.T) domain.DecisionOutcome {
	t.Helper()
	return f.wf.Decide(context.Background(), staffActor, DecisionInput{RequestID: f.requestID, Action: "approve"})
}

// elapse moves the workflow clock forward, ageing every stored disbursement.
func (f *workflowFixture) elapse(d time.Duration) {
	f.wf.now = func() time.Time { return time.Now().UTC().Add(d) }
}

func (f *workflowFixture) request(t *testing.T) *domain.WithdrawalRequest {
	t.Helper()
	req, err := f.repo.GetWithdrawalRequest(context.Background(), f.requestID)
	require.NoError(t, err)
	return req
}

func (f *workflowFixture) processed(t *testing.T, id int64) *domain.ProcessedWithdrawal {
	t.Helper()
	p, err := f.repo.GetProcessedWithdrawal(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestDecide_ApproveSettledImmediately(t *testing.T) {
	f := newWorkflowFixture(t)
	f.gateway.set(func(g *fakeLipila) { g.settlement = "success" })

	outcome := f.approve(t)

	assert.Equal(t, domain.OutcomeApproved, outcome.Kind)
	assert.Equal(t, http.StatusOK, outcome.Code)
	assert.Equal(t, "Withdrawal request for mwila approved successfully.", outcome.Message)
	assert.Equal(t, domain.WithdrawalSuccess, outcome.RequestStatus)

	req := f.request(t)
	assert.Equal(t, domain.WithdrawalSuccess, req.Status)
	require.NotNil(t, req.ProcessedDate)

	processed := f.processed(t, outcome.ProcessedID)
	assert.Equal(t, domain.ProcessedSuccess, processed.Status)
	require.NotNil(t, processed.ApprovedBy)
	assert.Equal(t, "staff-1", *processed.ApprovedBy)
	assert.Nil(t, processed.RejectedBy)
	require.NotNil(t, processed.ApprovedDate)

	f.gateway.mu.Lock()
	sentReference := f.gateway.references[0]
	f.gateway.mu.Unlock()
	assert.NotEmpty(t, sentReference)
	assert.Equal(t, sentReference, outcome.ReferenceID)
	assert.Equal(t, []string{domain.EventDisbursementAccepted, domain.EventDisbursementSettled}, f.events.routingKeys())
}

func TestDecide_ApproveAcceptedPendingConfirmation(t *testing.T) {
	f := newWorkflowFixture(t)
	f.gateway.set(func(g *fakeLipila) { g.settlement = "processing" })

	outcome := f.approve(t)

	assert.Equal(t, domain.OutcomeAcceptedPendingConfirmation, outcome.Kind)
	assert.Equal(t, http.StatusAccepted, outcome.Code)
	assert.Equal(t, "Withdrawal request for mwila accepted, pending confirmation.", outcome.Message)

	req := f.request(t)
	assert.Equal(t, domain.WithdrawalAccepted, req.Status)
	require.NotNil(t, req.ProcessedDate)
	assert.Equal(t, domain.ProcessedAccepted, f.processed(t, outcome.ProcessedID).Status)

	disburse, status := f.gateway.calls()
	assert.Equal(t, 1, disburse)
	assert.Equal(t, 1, status)
}

func TestDecide_ApproveFailedAtSettlement(t *testing.T) {
	f := newWorkflowFixture(t)
	f.gateway.set(func(g *fakeLipila) { g.settlement = "failed" })

	outcome := f.approve(t)

	assert.Equal(t, domain.OutcomeSettlementFailed, outcome.Kind)
	assert.Equal(t, "Disbursement for mwila failed at settlement.", outcome.Message)
	assert.Equal(t, domain.WithdrawalFailed, f.request(t).Status)
	assert.Equal(t, domain.ProcessedFailed, f.processed(t, outcome.ProcessedID).Status)
}

func TestDecide_ApproveNotAcknowledgedLeavesRequestPending(t *testing.T) {
	f := newWorkflowFixture(t)
	f.gateway.set(func(g *fakeLipila) {
		g.disburseStatus = http.StatusBadRequest
		g.disburseBody = `{"message":"invalid account"}`
	})

	outcome := f.approve(t)

	assert.Equal(t, domain.OutcomePaymentFailed, outcome.Kind)
	assert.Equal(t, "Payment failed", outcome.Message)
	assert.Equal(t, http.StatusBadGateway, outcome.Code)

	req := f.request(t)
	assert.Equal(t, domain.WithdrawalPending, req.Status)
	assert.Nil(t, req.ProcessedDate)

	processed := f.processed(t, outcome.ProcessedID)
	assert.Equal(t, domain.ProcessedFailed, processed.Status)
	require.NotNil(t, processed.GatewayStatusCode)
	assert.Equal(t, http.StatusBadRequest, *processed.GatewayStatusCode)
	require.NotNil(t, processed.LastError)
	assert.Contains(t, *processed.LastError, "invalid account")

	// A human may retry once the account details are fixed.
	f.gateway.set(func(g *fakeLipila) {
		g.disburseStatus = http.StatusAccepted
		g.disburseBody = ""
		g.settlement = "success"
	})
	retry := f.approve(t)
	assert.Equal(t, domain.OutcomeApproved, retry.Kind)
	assert.NotEqual(t, outcome.ReferenceID, retry.ReferenceID)

	disburse, _ := f.gateway.calls()
	assert.Equal(t, 2, disburse)
}

func TestDecide_RejectRecordsReasonAndActor(t *testing.T) {
	f := newWorkflowFixture(t)

	outcome := f.wf.Decide(context.Background(), staffActor, DecisionInput{
		RequestID: f.requestID,
		Action:    "reject",
		Reason:    "insufficient proof",
	})

	assert.Equal(t, domain.OutcomeRejected, outcome.Kind)
	assert.Equal(t, "Withdrawal request for mwila rejected.", outcome.Message)

	req := f.request(t)
	assert.Equal(t, domain.WithdrawalRejected, req.Status)
	require.NotNil(t, req.Reason)
	assert.Equal(t, "insufficient proof", *req.Reason)
	require.NotNil(t, req.ProcessedDate)

	processed := f.processed(t, outcome.ProcessedID)
	require.NotNil(t, processed.RejectedBy)
	assert.Equal(t, "staff-1", *processed.RejectedBy)
	assert.Equal(t, domain.ProcessedRejected, processed.Status)
	require.NotNil(t, processed.Reason)
	assert.Equal(t, "insufficient proof", *processed.Reason)
	require.NotNil(t, processed.RejectedDate)

	disburse, status := f.gateway.calls()
	assert.Zero(t, disburse)
	assert.Zero(t, status)
	assert.Equal(t, []string{domain.EventDecisionRejected}, f.events.routingKeys())
}

func TestDecide_RejectRequiresReason(t *testing.T) {
	f := newWorkflowFixture(t)

	outcome := f.wf.Decide(context.Background(), staffActor, DecisionInput{RequestID: f.requestID, Action: "reject", Reason: "  "})

	assert.Equal(t, domain.OutcomeInvalidPayload, outcome.Kind)
	assert.Equal(t, domain.WithdrawalPending, f.request(t).Status)
}

func TestDecide_InvalidInputsDoNotMutate(t *testing.T) {
	tests := []struct {
		name    string
		actor   domain.Actor
		input   func(id int64) DecisionInput
		kind    domain.OutcomeKind
		message string
	}{
		{
			name:    "unknown action",
			actor:   staffActor,
			input:   func(id int64) DecisionInput { return DecisionInput{RequestID: id, Action: "hold"} },
			kind:    domain.OutcomeInvalidAction,
			message: "Invalid action specified.",
		},
		{
			name:    "unknown request",
			actor:   staffActor,
			input:   func(int64) DecisionInput { return DecisionInput{RequestID: 999, Action: "approve"} },
			kind:    domain.OutcomeNotFound,
			message: "Withdrawal request not found.",
		},
		{
			name:  "unknown request on reject",
			actor: staffActor,
			input: func(int64) DecisionInput {
				return DecisionInput{RequestID: 999, Action: "reject", Reason: "duplicate"}
			},
			kind:    domain.OutcomeNotFound,
			message: "Withdrawal request not found.",
		},
		{
			name:  "non-staff actor",
			actor: domain.Actor{ID: "creator-1", Username: "mwila"},
			input: func(id int64) DecisionInput { return DecisionInput{RequestID: id, Action: "approve"} },
			kind:  domain.OutcomeForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkflowFixture(t)

			outcome := f.wf.Decide(context.Background(), tt.actor, tt.input(f.requestID))

			assert.Equal(t, tt.kind, outcome.Kind)
			assert.Equal(t, tt.kind.Code(), outcome.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, outcome.Message)
			}
			assert.Equal(t, domain.WithdrawalPending, f.request(t).Status)
			disburse, _ := f.gateway.calls()
			assert.Zero(t, disburse)
			assert.Empty(t, f.events.routingKeys())
		})
	}
}

func TestDecide_SecondApprovalIsInvalidState(t *testing.T) {
	f := newWorkflowFixture(t)
	f.gateway.set(func(g *fakeLipila) { g.settlement = "pending" })

	first := f.approve(t)
	require.Equal(t, domain.OutcomeAcceptedPendingConfirmation, first.Kind)

	second := f.approve(t)
	assert.Equal(t, domain.OutcomeInvalidState, second.Kind)
	assert.Equal(t, http.StatusConflict, second.Code)

	reject := f.wf.Decide(context.Background(), staffActor, DecisionInput{RequestID: f.requestID, Action: "reject", Reason: "late"})
	assert.Equal(t, domain.OutcomeInvalidState, reject.Kind)

	disburse, _ := f.gateway.calls()
	assert.Equal(t, 1, disburse)
}

func TestDecide_ConcurrentApprovalsDisburseOnce(t *testing.T) {
	f := newWorkflowFixture(t)
	f.gateway.set(func(g *fakeLipila) { g.settlement = "success" })

	const workers = 8
	outcomes := make([]domain.DecisionOutcome, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outcomes[i] = f.approve(t)
		}(i)
	}
	close(start)
	wg.Wait()

	approved := 0
	for _, outcome := range outcomes {
		switch outcome.Kind {
		case domain.OutcomeApproved:
			approved++
		case domain.OutcomeInvalidState:
		default:
			t.Fatalf("unexpected outcome %s: %s", outcome.Kind, outcome.Message)
		}
	}
	assert.Equal(t, 1, approved)

	disburse, _ := f.gateway.calls()
	assert.Equal(t, 1, disburse)
}

func TestDecide_GatewayTimeoutRequiresFollowUp(t *testing.T) {
	f := newWorkflowFixture(t)
	f.wf.SetTimeouts(50*time.Millisecond, 0)
	f.gateway.set(func(g *fakeLipila) { g.delay = 2 * time.Second })

	outcome := f.approve(t)

	assert.Equal(t, domain.OutcomeFollowUpRequired, outcome.Kind)
	assert.Equal(t, http.StatusAccepted, outcome.Code)
	assert.Equal(t, domain.WithdrawalPending, f.request(t).Status)

	processed := f.processed(t, outcome.ProcessedID)
	assert.Equal(t, domain.ProcessedProcessing, processed.Status)
	assert.True(t, processed.NeedsFollowUp)
	require.NotNil(t, processed.LastError)
	assert.Contains(t, f.events.routingKeys(), domain.EventDisbursementFollowUp)

	// The request stays locked to the in-flight reference until it is reconciled.
	second := f.approve(t)
	assert.Equal(t, domain.OutcomeInvalidState, second.Kind)

	f.gateway.set(func(g *fakeLipila) {
		g.delay = 0
		g.settlement = "successful"
	})
	f.elapse(time.Hour)
	result, err := f.wf.ReconcileOutstandingDisbursements(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Settled)

	assert.Equal(t, domain.WithdrawalSuccess, f.request(t).Status)
	settled := f.processed(t, outcome.ProcessedID)
	assert.Equal(t, domain.ProcessedSuccess, settled.Status)
	assert.False(t, settled.NeedsFollowUp)
	require.NotNil(t, settled.ApprovedDate)
}

func TestReconcile_UnknownReferenceReleasesRequest(t *testing.T) {
	f := newWorkflowFixture(t)
	f.wf.SetTimeouts(50*time.Millisecond, 0)
	f.gateway.set(func(g *fakeLipila) { g.delay = 2 * time.Second })

	outcome := f.approve(t)
	require.Equal(t, domain.OutcomeFollowUpRequired, outcome.Kind)

	f.gateway.set(func(g *fakeLipila) {
		g.delay = 0
		g.statusCode = http.StatusNotFound
	})
	f.elapse(time.Hour)
	result, err := f.wf.ReconcileOutstandingDisbursements(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	processed := f.processed(t, outcome.ProcessedID)
	assert.Equal(t, domain.ProcessedFailed, processed.Status)
	require.NotNil(t, processed.LastError)
	assert.Equal(t, notFoundAtGatewayNote, *processed.LastError)
	assert.Equal(t, domain.WithdrawalPending, f.request(t).Status)

	f.gateway.set(func(g *fakeLipila) {
		g.statusCode = http.StatusOK
		g.settlement = "success"
	})
	assert.Equal(t, domain.OutcomeApproved, f.approve(t).Kind)
}

func TestReconcile_YoungUnknownReferenceIsRetried(t *testing.T) {
	f := newWorkflowFixture(t)
	f.wf.SetTimeouts(50*time.Millisecond, time.Hour)
	f.gateway.set(func(g *fakeLipila) { g.delay = 2 * time.Second })

	outcome := f.approve(t)
	require.Equal(t, domain.OutcomeFollowUpRequired, outcome.Kind)

	f.gateway.set(func(g *fakeLipila) {
		g.delay = 0
		g.statusCode = http.StatusNotFound
	})
	_, err := f.wf.CheckSettlement(context.Background(), outcome.ProcessedID)
	require.ErrorIs(t, err, lipilaclient.ErrInvalidReference)
	assert.Equal(t, domain.ProcessedProcessing, f.processed(t, outcome.ProcessedID).Status)
}

func TestSetTimeouts_SettlementAgeOutlastsApproval(t *testing.T) {
	f := newWorkflowFixture(t)

	f.wf.SetTimeouts(20*time.Second, 0)
	assert.Equal(t, MinSettlementAge(20*time.Second), f.wf.settlementMinAge)
	assert.Greater(t, f.wf.settlementMinAge, 20*time.Second+persistTimeout)

	f.wf.SetTimeouts(20*time.Second, 10*time.Minute)
	assert.Equal(t, 10*time.Minute, f.wf.settlementMinAge)

	// A longer gateway timeout lifts a kept age that no longer covers it.
	f.wf.SetTimeouts(15*time.Minute, -1)
	assert.Equal(t, MinSettlementAge(15*time.Minute), f.wf.settlementMinAge)
}

func TestReconcile_LeavesInFlightApprovalAlone(t *testing.T) {
	f := newWorkflowFixture(t)
	f.wf.SetTimeouts(5*time.Second, 0)

	hold := make(chan struct{})
	f.gateway.set(func(g *fakeLipila) {
		g.hold = hold
		g.statusCode = http.StatusNotFound
	})

	done := make(chan domain.DecisionOutcome, 1)
	go func() { done <- f.approve(t) }()
	require.Eventually(t, func() bool {
		disburse, _ := f.gateway.calls()
		return disburse == 1
	}, 2*time.Second, 10*time.Millisecond)

	result, err := f.wf.ReconcileOutstandingDisbursements(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
	assert.Equal(t, domain.OutcomeInvalidState, f.approve(t).Kind)

	f.gateway.set(func(g *fakeLipila) {
		g.statusCode = http.StatusOK
		g.settlement = "success"
	})
	close(hold)

	select {
	case outcome := <-done:
		assert.Equal(t, domain.OutcomeApproved, outcome.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("approval did not finish")
	}
	assert.Equal(t, domain.WithdrawalSuccess, f.request(t).Status)

	disburse, _ := f.gateway.calls()
	assert.Equal(t, 1, disburse)
}

func TestCheckSettlement_AdvancesAcceptedAndIgnoresReplays(t *testing.T) {
	f := newWorkflowFixture(t)
	f.gateway.set(func(g *fakeLipila) { g.settlement = "pending" })

	outcome := f.approve(t)
	require.Equal(t, domain.OutcomeAcceptedPendingConfirmation, outcome.Kind)

	f.gateway.set(func(g *fakeLipila) { g.settlement = "completed" })
	state, err := f.wf.CheckSettlement(context.Background(), outcome.ProcessedID)
	require.NoError(t, err)
	assert.True(t, state.Changed)
	assert.Equal(t, domain.WithdrawalSuccess, state.Request.Status)
	assert.Equal(t, domain.ProcessedSuccess, state.Processed.Status)

	_, statusCalls := f.gateway.calls()
	state, err = f.wf.CheckSettlement(context.Background(), outcome.ProcessedID)
	require.NoError(t, err)
	assert.False(t, state.Changed)
	_, statusCallsAfter := f.gateway.calls()
	assert.Equal(t, statusCalls, statusCallsAfter, "terminal records are not polled")

	state, err = f.wf.ApplySettlementByReference(context.Background(), outcome.ReferenceID, "failed", "late failure")
	require.NoError(t, err)
	assert.False(t, state.Changed)
	assert.Equal(t, domain.WithdrawalSuccess, state.Request.Status)
}

func TestApplySettlementByReference_UnknownReference(t *testing.T) {
	f := newWorkflowFixture(t)

	_, err := f.wf.ApplySettlementByReference(context.Background(), "missing", "success", "")
	require.ErrorIs(t, err, store.ErrProcessedWithdrawalNotFound)
}

type stubLimiter struct {
	count int
	err   error
}

func (s *stubLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return s.count, 42, s.err
}

func TestDecide_RateLimit(t *testing.T) {
	f := newWorkflowFixture(t)

	f.wf.SetRateLimiter(&stubLimiter{count: 31}, 30)
	outcome := f.wf.Decide(context.Background(), staffActor, DecisionInput{RequestID: f.requestID, Action: "reject", Reason: "spam"})
	assert.Equal(t, domain.OutcomeRateLimited, outcome.Kind)
	assert.Contains(t, outcome.Message, "42")
	assert.Equal(t, domain.WithdrawalPending, f.request(t).Status)

	f.wf.SetRateLimiter(&stubLimiter{err: errors.New("redis down")}, 30)
	outcome = f.wf.Decide(context.Background(), staffActor, DecisionInput{RequestID: f.requestID, Action: "reject", Reason: "spam"})
	assert.Equal(t, domain.OutcomeRejected, outcome.Kind)
}

func TestDecide_RecordsMetrics(t *testing.T) {
	f := newWorkflowFixture(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	f.wf.SetMetrics(metrics)
	f.gateway.set(func(g *fakeLipila) { g.settlement = "success" })

	f.approve(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("approve", string(domain.OutcomeApproved))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GatewayCallsTotal.WithLabelValues("disburse", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SettlementsTotal.WithLabelValues(settlementSourceDecision, string(domain.ProcessedSuccess))))
}

func TestReconcile_SkipsWhenLockHeld(t *testing.T) {
	f := newWorkflowFixture(t)
	lock := NewLocalKeyedLock()
	f.wf.SetSweepLock(lock)

	release, ok, err := lock.Acquire(context.Background(), reconcileLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.wf.ReconcileOutstandingDisbursements(context.Background(), 10)
	require.ErrorIs(t, err, ErrSweepInProgress)

	release()
	result, err := f.wf.ReconcileOutstandingDisbursements(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
}

func TestNormalizeReconcileLimit(t *testing.T) {
	assert.Equal(t, 100, NormalizeReconcileLimit(0))
	assert.Equal(t, 100, NormalizeReconcileLimit(-3))
	assert.Equal(t, 25, NormalizeReconcileLimit(25))
	assert.Equal(t, 500, NormalizeReconcileLimit(5000))
}
