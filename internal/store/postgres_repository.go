/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Every lifecycle update locks the withdrawal request (and its processed record)
 * with `SELECT ... FOR UPDATE` inside a transaction, so the pending check and the
 * write that follows it cannot interleave with a concurrent decision.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC amounts.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	selectRequestSQL = `
		SELECT
			wr.id,
			wr.creator_id,
			btrim(u.username),
			wr.amount,
			wr.payment_method,
			wr.account_number,
			wr.status,
			wr.request_date,
			wr.processed_date,
			wr.reason
		FROM withdrawal_requests wr
		JOIN users u ON u.id = wr.creator_id
	`

	processedColumns = `
		id,
		withdrawal_request_id,
		approved_by,
		rejected_by,
		status,
		reason,
		reference_id,
		approved_date,
		rejected_date,
		needs_follow_up,
		last_error,
		gateway_status_code,
		created_at,
		updated_at
	`

	liveDecisionStatuses = `('processing', 'accepted', 'success', 'rejected')`
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) GetWithdrawalRequest(ctx context.Context, requestID int64) (*domain.WithdrawalRequest, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, selectRequestSQL+" WHERE wr.id = $1", requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

func (r *PostgresRepository) GetProcessedWithdrawal(ctx context.Context, processedID int64) (*domain.ProcessedWithdrawal, error) {
	return getProcessed(ctx, r.db, "SELECT "+processedColumns+" FROM processed_withdrawals WHERE id = $1", processedID)
}

func (r *PostgresRepository) FindProcessedWithdrawalByReference(ctx context.Context, referenceID string) (*domain.ProcessedWithdrawal, error) {
	return getProcessed(ctx, r.db, "SELECT "+processedColumns+" FROM processed_withdrawals WHERE reference_id = $1", referenceID)
}

// BeginApproval records the approval attempt as a "processing" decision. The request
// row stays locked until commit so a concurrent decision waits and then observes the
// live decision.
func (r *PostgresRepository) BeginApproval(ctx context.Context, params BeginApprovalParams) (*domain.WithdrawalRequest, *domain.ProcessedWithdrawal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	req, err := lockPendingRequest(ctx, tx, params.RequestID)
	if err != nil {
		return nil, nil, err
	}

	query := `
		INSERT INTO processed_withdrawals (
			withdrawal_request_id, approved_by, status, reference_id, created_at, updated_at
		)
		VALUES ($1, $2, 'processing', $3, $4, $4)
		RETURNING ` + processedColumns
	processed, err := scanProcessed(tx.QueryRow(ctx, query, req.ID, params.ActorID, params.ReferenceID, params.At))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, fmt.Errorf("%w: concurrent decision recorded", ErrInvalidState)
		}
		return nil, nil, fmt.Errorf("insert processed withdrawal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return req, processed, nil
}

func (r *PostgresRepository) RecordAcceptance(ctx context.Context, processedID int64, at time.Time) (*DecisionState, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	processed, req, err := lockDecision(ctx, tx, processedID)
	if err != nil {
		return nil, err
	}
	if processed.Status != domain.ProcessedProcessing {
		return &DecisionState{Request: req, Processed: processed}, nil
	}

	processed, err = scanProcessed(tx.QueryRow(ctx, `
		UPDATE processed_withdrawals
		SET status = 'accepted',
			approved_date = COALESCE(approved_date, $2),
			needs_follow_up = FALSE,
			last_error = NULL,
			updated_at = $2
		WHERE id = $1
		RETURNING `+processedColumns, processedID, at))
	if err != nil {
		return nil, fmt.Errorf("mark processed accepted: %w", err)
	}
	req, err = updateRequestStatus(ctx, tx, req.ID, domain.WithdrawalAccepted, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &DecisionState{Request: req, Processed: processed, Changed: true}, nil
}

func (r *PostgresRepository) RecordAcknowledgmentFailure(ctx context.Context, processedID int64, statusCode int, detail string) (*DecisionState, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	processed, req, err := lockDecision(ctx, tx, processedID)
	if err != nil {
		return nil, err
	}
	if processed.Status != domain.ProcessedProcessing {
		return &DecisionState{Request: req, Processed: processed}, nil
	}

	processed, err = scanProcessed(tx.QueryRow(ctx, `
		UPDATE processed_withdrawals
		SET status = 'failed',
			gateway_status_code = $2,
			last_error = NULLIF($3, ''),
			needs_follow_up = FALSE,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+processedColumns, processedID, statusCode, detail))
	if err != nil {
		return nil, fmt.Errorf("mark processed failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &DecisionState{Request: req, Processed: processed, Changed: true}, nil
}

func (r *PostgresRepository) MarkFollowUpRequired(ctx context.Context, processedID int64, lastError string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE processed_withdrawals
		SET needs_follow_up = TRUE, last_error = NULLIF($2, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, processedID, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM processed_withdrawals WHERE id = $1)", processedID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrProcessedWithdrawalNotFound
		}
	}
	return nil
}

func (r *PostgresRepository) ApplySettlement(ctx context.Context, processedID int64, status domain.SettlementStatus, note string, at time.Time) (*DecisionState, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	processed, req, err := lockDecision(ctx, tx, processedID)
	if err != nil {
		return nil, err
	}

	transition, ok := domain.NextSettlementState(processed.Status, status)
	if !ok {
		return &DecisionState{Request: req, Processed: processed}, nil
	}

	processed, err = scanProcessed(tx.QueryRow(ctx, `
		UPDATE processed_withdrawals
		SET status = $2,
			needs_follow_up = FALSE,
			last_error = COALESCE(NULLIF($3, ''), last_error),
			approved_date = CASE WHEN $4 THEN COALESCE(approved_date, $5) ELSE approved_date END,
			updated_at = $5
		WHERE id = $1
		RETURNING `+processedColumns, processedID, string(transition.Processed), note, transition.Acknowledged, at))
	if err != nil {
		return nil, fmt.Errorf("apply settlement to processed withdrawal: %w", err)
	}

	if transition.Request != "" {
		req, err = updateRequestStatus(ctx, tx, req.ID, transition.Request, at)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &DecisionState{Request: req, Processed: processed, Changed: true}, nil
}

func (r *PostgresRepository) RejectRequest(ctx context.Context, params RejectParams) (*domain.WithdrawalRequest, *domain.ProcessedWithdrawal, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	req, err := lockPendingRequest(ctx, tx, params.RequestID)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = 'rejected', reason = $2, processed_date = COALESCE(processed_date, $3)
		WHERE id = $1
	`, req.ID, params.Reason, params.At); err != nil {
		return nil, nil, fmt.Errorf("reject withdrawal request: %w", err)
	}

	processed, err := scanProcessed(tx.QueryRow(ctx, `
		INSERT INTO processed_withdrawals (
			withdrawal_request_id, rejected_by, status, reason, rejected_date, created_at, updated_at
		)
		VALUES ($1, $2, 'rejected', $3, $4, $4, $4)
		RETURNING `+processedColumns, req.ID, params.ActorID, params.Reason, params.At))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, fmt.Errorf("%w: concurrent decision recorded", ErrInvalidState)
		}
		return nil, nil, fmt.Errorf("insert processed withdrawal: %w", err)
	}

	req, err = scanRequest(tx.QueryRow(ctx, selectRequestSQL+" WHERE wr.id = $1", req.ID))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return req, processed, nil
}

// ListPendingWithLedgers reads pending requests and their creators' ledgers from a
// single repeatable-read snapshot so balances match the requests shown next to them.
func (r *PostgresRepository) ListPendingWithLedgers(ctx context.Context) ([]domain.WithdrawalRequest, map[string]domain.CreatorLedger, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, selectRequestSQL+" WHERE wr.status = 'pending' ORDER BY wr.request_date, wr.id")
	if err != nil {
		return nil, nil, err
	}
	pending := make([]domain.WithdrawalRequest, 0)
	creatorIDs := make([]string, 0)
	seen := make(map[string]struct{})
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		pending = append(pending, *req)
		if _, ok := seen[req.CreatorID]; !ok {
			seen[req.CreatorID] = struct{}{}
			creatorIDs = append(creatorIDs, req.CreatorID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	ledgers, err := loadLedgers(ctx, tx, creatorIDs)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return pending, ledgers, nil
}

func (r *PostgresRepository) ListProcessedByActor(ctx context.Context, actorID string) ([]domain.ProcessedWithdrawalView, error) {
	rows, err := r.db.Query(ctx, `
		SELECT
			pw.id,
			btrim(u.username),
			wr.amount,
			pw.status,
			pw.approved_date,
			pw.rejected_date,
			COALESCE(pw.reason, wr.reason)
		FROM processed_withdrawals pw
		JOIN withdrawal_requests wr ON wr.id = pw.withdrawal_request_id
		JOIN users u ON u.id = wr.creator_id
		WHERE pw.approved_by = $1 OR pw.rejected_by = $1
		ORDER BY pw.id DESC
	`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := make([]domain.ProcessedWithdrawalView, 0)
	for rows.Next() {
		var (
			view   domain.ProcessedWithdrawalView
			status string
		)
		if err := rows.Scan(&view.ID, &view.Creator, &view.Amount, &status, &view.ApprovedAt, &view.RejectedAt, &view.Reason); err != nil {
			return nil, err
		}
		view.Status = domain.ProcessedStatus(status)
		views = append(views, view)
	}
	return views, rows.Err()
}

func (r *PostgresRepository) ListOutstandingDisbursements(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.ProcessedWithdrawal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+processedColumns+`
		FROM processed_withdrawals
		WHERE status IN ('processing', 'accepted')
		  AND updated_at <= $1
		ORDER BY updated_at, id
		LIMIT $2
	`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ProcessedWithdrawal, 0)
	for rows.Next() {
		p, err := scanProcessed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetCreatorLedger(ctx context.Context, creatorID string) (domain.CreatorLedger, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM creators WHERE id = $1)", creatorID).Scan(&exists); err != nil {
		return domain.CreatorLedger{}, err
	}
	if !exists {
		return domain.CreatorLedger{}, ErrCreatorNotFound
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.CreatorLedger{}, err
	}
	defer tx.Rollback(ctx)

	ledgers, err := loadLedgers(ctx, tx, []string{creatorID})
	if err != nil {
		return domain.CreatorLedger{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.CreatorLedger{}, err
	}
	return ledgers[creatorID], nil
}

func (r *PostgresRepository) GetStaffSummary(ctx context.Context) (*domain.StaffSummary, error) {
	var summary domain.StaffSummary
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM creators),
			(SELECT COUNT(*) FROM payments),
			(SELECT COUNT(*) FROM withdrawal_requests WHERE status = 'pending'),
			(SELECT COUNT(*) FROM processed_withdrawals WHERE status IN ('processing', 'accepted')),
			NOW()
	`).Scan(
		&summary.TotalUsers,
		&summary.TotalCreators,
		&summary.TotalPayments,
		&summary.PendingWithdrawals,
		&summary.OutstandingDisbursements,
		&summary.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func lockPendingRequest(ctx context.Context, tx pgx.Tx, requestID int64) (*domain.WithdrawalRequest, error) {
	req, err := scanRequest(tx.QueryRow(ctx, selectRequestSQL+" WHERE wr.id = $1 FOR UPDATE OF wr", requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalRequestNotFound
		}
		return nil, fmt.Errorf("lock withdrawal request: %w", err)
	}
	if req.Status != domain.WithdrawalPending {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidState, req.Status)
	}

	var live bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_withdrawals
			WHERE withdrawal_request_id = $1 AND status IN `+liveDecisionStatuses+`
		)
	`, requestID).Scan(&live)
	if err != nil {
		return nil, fmt.Errorf("check live decision: %w", err)
	}
	if live {
		return nil, fmt.Errorf("%w: decision already in progress", ErrInvalidState)
	}
	return req, nil
}

// lockDecision locks the request first and then the processed record, the same order
// used by BeginApproval and RejectRequest.
func lockDecision(ctx context.Context, tx pgx.Tx, processedID int64) (*domain.ProcessedWithdrawal, *domain.WithdrawalRequest, error) {
	var requestID int64
	if err := tx.QueryRow(ctx, "SELECT withdrawal_request_id FROM processed_withdrawals WHERE id = $1", processedID).Scan(&requestID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrProcessedWithdrawalNotFound
		}
		return nil, nil, err
	}

	req, err := scanRequest(tx.QueryRow(ctx, selectRequestSQL+" WHERE wr.id = $1 FOR UPDATE OF wr", requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrWithdrawalRequestNotFound
		}
		return nil, nil, fmt.Errorf("lock withdrawal request: %w", err)
	}

	processed, err := getProcessed(ctx, tx, "SELECT "+processedColumns+" FROM processed_withdrawals WHERE id = $1 FOR UPDATE", processedID)
	if err != nil {
		return nil, nil, err
	}
	return processed, req, nil
}

func updateRequestStatus(ctx context.Context, tx pgx.Tx, requestID int64, status domain.WithdrawalStatus, at time.Time) (*domain.WithdrawalRequest, error) {
	if _, err := tx.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = $2, processed_date = COALESCE(processed_date, $3)
		WHERE id = $1
	`, requestID, string(status), at); err != nil {
		return nil, fmt.Errorf("update withdrawal request status: %w", err)
	}
	return scanRequest(tx.QueryRow(ctx, selectRequestSQL+" WHERE wr.id = $1", requestID))
}

func loadLedgers(ctx context.Context, tx pgx.Tx, creatorIDs []string) (map[string]domain.CreatorLedger, error) {
	ledgers := make(map[string]domain.CreatorLedger, len(creatorIDs))
	for _, id := range creatorIDs {
		ledgers[id] = domain.NewCreatorLedger(id)
	}
	if len(creatorIDs) == 0 {
		return ledgers, nil
	}

	paymentRows, err := tx.Query(ctx, `
		SELECT creator_id, status, COALESCE(SUM(amount), 0)
		FROM payments
		WHERE creator_id = ANY($1)
		GROUP BY creator_id, status
	`, creatorIDs)
	if err != nil {
		return nil, fmt.Errorf("sum payments: %w", err)
	}
	for paymentRows.Next() {
		var (
			creatorID string
			status    string
			total     decimal.Decimal
		)
		if err := paymentRows.Scan(&creatorID, &status, &total); err != nil {
			paymentRows.Close()
			return nil, err
		}
		ledgers[creatorID].Payments[domain.PaymentStatus(status)] = total
	}
	paymentRows.Close()
	if err := paymentRows.Err(); err != nil {
		return nil, err
	}

	withdrawalRows, err := tx.Query(ctx, `
		SELECT creator_id, status, COALESCE(SUM(amount), 0)
		FROM withdrawal_requests
		WHERE creator_id = ANY($1)
		GROUP BY creator_id, status
	`, creatorIDs)
	if err != nil {
		return nil, fmt.Errorf("sum withdrawals: %w", err)
	}
	defer withdrawalRows.Close()
	for withdrawalRows.Next() {
		var (
			creatorID string
			status    string
			total     decimal.Decimal
		)
		if err := withdrawalRows.Scan(&creatorID, &status, &total); err != nil {
			return nil, err
		}
		ledgers[creatorID].Withdrawals[domain.WithdrawalStatus(status)] = total
	}
	return ledgers, withdrawalRows.Err()
}

func getProcessed(ctx context.Context, q rowQuerier, query string, arg any) (*domain.ProcessedWithdrawal, error) {
	p, err := scanProcessed(q.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProcessedWithdrawalNotFound
		}
		return nil, err
	}
	return p, nil
}

func scanRequest(row pgx.Row) (*domain.WithdrawalRequest, error) {
	var (
		req    domain.WithdrawalRequest
		status string
	)
	err := row.Scan(
		&req.ID,
		&req.CreatorID,
		&req.CreatorUsername,
		&req.Amount,
		&req.PaymentMethod,
		&req.AccountNumber,
		&status,
		&req.RequestDate,
		&req.ProcessedDate,
		&req.Reason,
	)
	if err != nil {
		return nil, err
	}
	req.Status = domain.WithdrawalStatus(status)
	return &req, nil
}

func scanProcessed(row pgx.Row) (*domain.ProcessedWithdrawal, error) {
	var (
		p          domain.ProcessedWithdrawal
		status     string
		statusCode *int32
	)
	err := row.Scan(
		&p.ID,
		&p.WithdrawalRequestID,
		&p.ApprovedBy,
		&p.RejectedBy,
		&status,
		&p.Reason,
		&p.ReferenceID,
		&p.ApprovedDate,
		&p.RejectedDate,
		&p.NeedsFollowUp,
		&p.LastError,
		&statusCode,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.ProcessedStatus(status)
	if statusCode != nil {
		code := int(*statusCode)
		p.GatewayStatusCode = &code
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
