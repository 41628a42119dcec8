/**
 * @description
 * Receiver for the payment provider's settlement callbacks. Each callback is
 * authenticated with an HMAC-SHA256 signature over the raw body, suppressed when the
 * same reference and status were seen in the last five minutes, and then applied to
 * the matching disbursement.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256: Signature validation.
 * - internal/app: Settlement application and the keyed dedupe lock.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lipila/withdrawal-service/internal/app"
	"github.com/lipila/withdrawal-service/internal/store"
	"github.com/lipila/withdrawal-service/pkg/lipilaclient"
	"github.com/lipila/withdrawal-service/pkg/logger"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Lipila-Signature"

	webhookDedupeTTL  = 5 * time.Minute
	maxWebhookBodyLen = 1 << 20
)

// WebhookHandler handles the provider's settlement callbacks.
type WebhookHandler struct {
	secret  string
	applier app.SettlementApplier
	dedupe  app.KeyedLock
	log     *zap.Logger
}

// NewWebhookHandler creates a webhook receiver. dedupe may be nil, in which case
// every delivery is applied.
func NewWebhookHandler(secret string, applier app.SettlementApplier, dedupe app.KeyedLock) *WebhookHandler {
	return &WebhookHandler{
		secret:  strings.TrimSpace(secret),
		applier: applier,
		dedupe:  dedupe,
		log:     logger.For("webhook"),
	}
}

// webhookPayload accepts both snake_case and camelCase reference fields.
type webhookPayload struct {
	ReferenceID      string `json:"reference_id"`
	ReferenceIDCamel string `json:"referenceId"`
	Status           string `json:"status"`
	Type             string `json:"type"`
	Direction        string `json:"direction"`
	Reason           string `json:"reason"`
	Message          string `json:"message"`
}

func (p webhookPayload) reference() string {
	if ref := strings.TrimSpace(p.ReferenceID); ref != "" {
		return ref
	}
	return strings.TrimSpace(p.ReferenceIDCamel)
}

func (p webhookPayload) direction() string {
	d := strings.ToLower(strings.TrimSpace(p.Direction))
	if d == "" {
		d = strings.ToLower(strings.TrimSpace(p.Type))
	}
	switch d {
	case "disbursement", "payout":
		return lipilaclient.DirectionDisbursement
	case "collection":
		return lipilaclient.DirectionCollection
	}
	return d
}

func (p webhookPayload) note() string {
	if reason := strings.TrimSpace(p.Reason); reason != "" {
		return reason
	}
	return strings.TrimSpace(p.Message)
}

// HandleSettlementWebhook verifies, deduplicates, and applies one callback. Unknown
// references and non-disbursement callbacks are acknowledged so the provider stops
// retrying them.
func (h *WebhookHandler) HandleSettlementWebhook(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		h.log.Error("webhook secret is not configured; refusing callback")
		writeError(w, http.StatusServiceUnavailable, "Webhook receiver not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyLen))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	if !validSignature(h.secret, r.Header.Get(SignatureHeader), body) {
		h.log.Warn("invalid webhook signature", zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	reference := payload.reference()
	if reference == "" || strings.TrimSpace(payload.Status) == "" {
		writeError(w, http.StatusBadRequest, "reference_id and status are required")
		return
	}
	if d := payload.direction(); d != "" && d != lipilaclient.DirectionDisbursement {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	release := func() {}
	if h.dedupe != nil {
		key := "webhook:" + reference + ":" + strings.ToLower(strings.TrimSpace(payload.Status))
		unlock, acquired, err := h.dedupe.Acquire(r.Context(), key, webhookDedupeTTL)
		switch {
		case err != nil:
			h.log.Warn("webhook dedupe unavailable; applying anyway", zap.String("reference_id", reference), zap.Error(err))
		case !acquired:
			h.log.Info("duplicate webhook suppressed", zap.String("reference_id", reference))
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		default:
			release = unlock
		}
	}

	state, err := h.applier.ApplySettlementByReference(r.Context(), reference, payload.Status, payload.note())
	if err != nil {
		if errors.Is(err, store.ErrProcessedWithdrawalNotFound) {
			h.log.Info("webhook for unknown reference", zap.String("reference_id", reference))
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		// The provider retries on non-2xx; free the key so the retry is applied.
		release()
		h.log.Error("failed to apply webhook settlement", zap.String("reference_id", reference), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Could not apply settlement")
		return
	}

	writeJSON(w, http.StatusOK, buildSettlementResponse(state))
}

// validSignature accepts a hex or base64 HMAC-SHA256 of body, optionally prefixed
// with "sha256=".
func validSignature(secret, header string, body []byte) bool {
	header = strings.TrimSpace(header)
	header = strings.TrimPrefix(header, "sha256=")
	if header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(header); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(header); err == nil && hmac.Equal(decoded, expected) {
			return true
		}
	}
	return false
}
