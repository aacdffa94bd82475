package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/models"
)

const opnameAdjustmentHandler = "stock_ledger_opname_adjustment"

// ProcessStockLedgerWorkflow applies an adjustment batch to the stock summary
// cache. Reprocessing the same message is a no-op thanks to the DB-backed
// idempotency key, so Pub/Sub's at-least-once delivery is safe.
//
// Runs inside the caller's transaction; the caller commits or rolls back.
func ProcessStockLedgerWorkflow(tx *gorm.DB, logger *logrus.Logger, msg *config.PubSubMessage) error {

	moduleName := "workflow"
	functionName := "ProcessStockLedgerWorkflow"

	if msg.ReferenceType != string(models.LedgerReferenceTypeOpnameAdjustment) {
		return fmt.Errorf("unknown ledger reference type: %s", msg.ReferenceType)
	}

	messageId := fmt.Sprintf("%s:%d", msg.ReferenceType, msg.ReferenceId)
	skip, err := BeginIdempotency(tx, msg.BusinessId, opnameAdjustmentHandler, messageId)
	if err != nil {
		config.LogError(logger, moduleName, functionName, "begin idempotency", msg.ReferenceId, err)
		return err
	}
	if skip {
		return nil
	}

	var batch models.InventoryAdjustmentBatch
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		_ = MarkIdempotencyFailed(tx, msg.BusinessId, opnameAdjustmentHandler, messageId, err)
		config.LogError(logger, moduleName, functionName, "unmarshal batch payload", msg.ReferenceId, err)
		return err
	}

	// payload lines may be stale relative to the DB; the stored batch is the truth
	var lines []models.InventoryAdjustmentLine
	if err := tx.Where("batch_id = ?", msg.ReferenceId).Order("id").Find(&lines).Error; err != nil {
		_ = MarkIdempotencyFailed(tx, msg.BusinessId, opnameAdjustmentHandler, messageId, err)
		return err
	}

	for _, line := range lines {
		if line.QtyDelta.IsZero() {
			continue
		}
		if err := models.UpdateStockSummaryQty(tx, msg.BusinessId, batch.WarehouseId, line.ProductId, line.ProductType, line.QtyDelta); err != nil {
			_ = MarkIdempotencyFailed(tx, msg.BusinessId, opnameAdjustmentHandler, messageId, err)
			config.LogError(logger, moduleName, functionName, "apply stock delta", line.ID, err)
			return err
		}
	}

	if err := tx.Model(&models.LedgerMessageRecord{}).
		Where("id = ?", msg.ID).
		Update("is_processed", true).Error; err != nil {
		return err
	}

	return MarkIdempotencySucceeded(tx, msg.BusinessId, opnameAdjustmentHandler, messageId)
}
