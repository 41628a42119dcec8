package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/lipila/withdrawal-service/internal/domain"
	"github.com/lipila/withdrawal-service/internal/store"
	"github.com/lipila/withdrawal-service/pkg/lipilaclient"
	"github.com/lipila/withdrawal-service/pkg/logger"
	"go.uber.org/zap"
)

// SettlementApplier applies a provider-reported status to a disbursement reference.
type SettlementApplier interface {
	ApplySettlementByReference(ctx context.Context, referenceID, rawStatus, note string) (*store.DecisionState, error)
}

// SettlementStatusConsumer handles disbursement status messages from the broker.
type SettlementStatusConsumer struct {
	applier SettlementApplier
	log     *zap.Logger
}

func NewSettlementStatusConsumer(applier SettlementApplier) *SettlementStatusConsumer {
	return &SettlementStatusConsumer{applier: applier, log: logger.For("settlement_consumer")}
}

// HandleMessage returns false only when the message should be redelivered.
func (c *SettlementStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.SettlementEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.Warn("failed to unmarshal payload; dropping", zap.Error(err))
		return true
	}

	event.ReferenceID = strings.TrimSpace(event.ReferenceID)
	if event.ReferenceID == "" {
		c.log.Warn("missing reference id; dropping", zap.String("event_id", event.EventID))
		return true
	}

	direction := strings.ToLower(strings.TrimSpace(event.Direction))
	if direction != "" && direction != lipilaclient.DirectionDisbursement {
		c.log.Debug("ignoring non-disbursement status", zap.String("reference_id", event.ReferenceID), zap.String("direction", direction))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := c.applier.ApplySettlementByReference(ctx, event.ReferenceID, event.Status, event.Reason)
	if err != nil {
		if errors.Is(err, store.ErrProcessedWithdrawalNotFound) {
			c.log.Info("no disbursement found for reference; acknowledging", zap.String("reference_id", event.ReferenceID))
			return true
		}
		c.log.Error("processing error", zap.String("reference_id", event.ReferenceID), zap.Error(err))
		return false
	}
	return true
}
