/**
 * @description
 * This package provides a client for the Lipila payments API. It sends disbursement
 * instructions on a creator's behalf and queries the asynchronous settlement status
 * of a previously submitted reference id.
 *
 * The client keeps transport failures, malformed payloads and unknown references apart
 * so callers can decide between retrying and aborting.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Disbursement amounts.
 * - go.uber.org/zap: Structured logging.
 */
package lipilaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lipila/withdrawal-service/pkg/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrMalformedPayload   = errors.New("malformed disbursement payload")
	ErrInvalidReference   = errors.New("invalid reference id")
	ErrInvalidDirection   = errors.New("invalid payment direction")
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
)

const (
	// DirectionDisbursement queries outbound payouts.
	DirectionDisbursement = "dis"
	// DirectionCollection queries inbound patron payments.
	DirectionCollection = "col"

	maxResponseBody = 1 << 20
)

// SettlementStatus is the normalized provider status of a reference id.
type SettlementStatus string

const (
	StatusSuccess SettlementStatus = "success"
	StatusPending SettlementStatus = "pending"
	StatusFailure SettlementStatus = "failure"
)

// Client is a client for the Lipila payments API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	log        *zap.Logger
}

// NewClient creates a new Lipila API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logger.For("lipila_client"),
	}
}

func (c *Client) logger() *zap.Logger {
	if c.log == nil {
		return zap.NewNop()
	}
	return c.log
}

// DisbursementPayload describes one outbound payment.
type DisbursementPayload struct {
	Amount             decimal.Decimal `json:"amount"`
	PaymentMethod      string          `json:"payment_method"`
	PayeeAccountNumber string          `json:"payee_account_number"`
	Description        string          `json:"description"`
}

// Validate checks that every field is present and the amount is positive.
func (p DisbursementPayload) Validate() error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrMalformedPayload)
	}
	if strings.TrimSpace(p.PaymentMethod) == "" {
		return fmt.Errorf("%w: payment method is required", ErrMalformedPayload)
	}
	if strings.TrimSpace(p.PayeeAccountNumber) == "" {
		return fmt.Errorf("%w: payee account number is required", ErrMalformedPayload)
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrMalformedPayload)
	}
	return nil
}

// disbursementRequest is the wire body. The amount goes out as a bare JSON
// number with two decimal places.
type disbursementRequest struct {
	ReferenceID        string      `json:"reference_id"`
	Amount             json.Number `json:"amount"`
	PaymentMethod      string      `json:"payment_method"`
	PayeeAccountNumber string      `json:"payee_account_number"`
	Description        string      `json:"description"`
}

func newDisbursementRequest(referenceID string, p DisbursementPayload) disbursementRequest {
	return disbursementRequest{
		ReferenceID:        referenceID,
		Amount:             json.Number(p.Amount.StringFixed(2)),
		PaymentMethod:      p.PaymentMethod,
		PayeeAccountNumber: p.PayeeAccountNumber,
		Description:        p.Description,
	}
}

// DisbursementResponse is the provider's immediate acknowledgment.
type DisbursementResponse struct {
	StatusCode int
	Body       []byte
}

// Accepted reports whether the provider took the disbursement for processing.
func (r *DisbursementResponse) Accepted() bool {
	return r != nil && r.StatusCode == http.StatusAccepted
}

// Detail extracts a human readable failure description from the response body.
func (r *DisbursementResponse) Detail() string {
	if r == nil || len(r.Body) == 0 {
		return ""
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(r.Body, &errResp); err == nil && errResp.hasDetail() {
		return errResp.Error()
	}
	detail := strings.TrimSpace(string(r.Body))
	if len(detail) > 256 {
		detail = detail[:256]
	}
	return detail
}

type statusResponse struct {
	Status string `json:"status"`
	Data   struct {
		Status string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error body returned by the Lipila API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
}

func (e *ErrorResponse) hasDetail() bool {
	return e.Message != "" || e.Detail != ""
}

func (e *ErrorResponse) Error() string {
	switch {
	case e.Message != "" && e.Detail != "":
		return fmt.Sprintf("lipila api error: %s - %s", e.Message, e.Detail)
	case e.Message != "":
		return "lipila api error: " + e.Message
	case e.Detail != "":
		return "lipila api error: " + e.Detail
	default:
		return fmt.Sprintf("lipila api error: status %d", e.StatusCode)
	}
}

// Disburse submits a disbursement for the reference id. Any HTTP response, successful
// or not, is returned as a DisbursementResponse; errors are reserved for requests that
// never produced one.
func (c *Client) Disburse(ctx context.Context, actor, referenceID string, payload DisbursementPayload) (*DisbursementResponse, error) {
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, ErrInvalidReference
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(newDisbursementRequest(referenceID, payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/disbursements", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create disbursement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("X-Reference-ID", referenceID)
	if actor != "" {
		req.Header.Set("X-Requested-By", actor)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read disbursement response: %v", ErrGatewayUnreachable, err)
	}

	out := &DisbursementResponse{StatusCode: resp.StatusCode, Body: bodyBytes}
	if !out.Accepted() {
		c.logger().Warn("disbursement not accepted",
			zap.String("op", "disburse"),
			zap.String("reference_id", referenceID),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", out.Detail()),
		)
	}
	return out, nil
}

// CheckStatus queries the settlement status of a reference id.
func (c *Client) CheckStatus(ctx context.Context, referenceID, direction string) (SettlementStatus, error) {
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return "", ErrInvalidReference
	}
	if direction != DirectionDisbursement && direction != DirectionCollection {
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	query := url.Values{}
	query.Set("referenceId", referenceID)
	query.Set("type", direction)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/payments/status?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read status response: %v", ErrGatewayUnreachable, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrInvalidReference, referenceID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(bodyBytes, errResp)
		c.logger().Warn("status check failed",
			zap.String("op", "check_status"),
			zap.String("reference_id", referenceID),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", errResp.Error()),
		)
		return "", errResp
	}

	var parsed statusResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode status response: %w", err)
	}
	raw := parsed.Status
	if raw == "" {
		raw = parsed.Data.Status
	}
	return NormalizeStatus(raw), nil
}

// NormalizeStatus maps the provider's status vocabulary onto success, pending or
// failure. Anything unrecognized is treated as still pending.
func NormalizeStatus(raw string) SettlementStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "successful", "completed":
		return StatusSuccess
	case "failed", "failure", "rejected", "cancelled", "canceled":
		return StatusFailure
	default:
		return StatusPending
	}
}
