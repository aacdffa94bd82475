package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/retailpos_backend/config"
	"bitbucket.org/mmdatafocus/retailpos_backend/utils"
)

// LedgerMessageRecord is the transactional outbox for the stock ledger topic.
// The posting transaction writes the row; publishing happens after commit via
// the outbox dispatcher, so a crash between commit and publish only delays
// the message instead of losing it.
type LedgerMessageRecord struct {
	ID               int                 `gorm:"primary_key;index:idx_ledger_outbox_dispatch,priority:3" json:"id"`
	BusinessId       string              `gorm:"size:64;not null;index" json:"business_id"`
	PostedAt         time.Time           `gorm:"index;not null" json:"posted_at"`
	ReferenceId      int                 `json:"reference_id"`
	ReferenceType    LedgerReferenceType `gorm:"type:enum('OPA')" json:"reference_type"`
	Payload          []byte              `gorm:"type:blob" json:"payload"`
	IsProcessed      bool                `gorm:"index;not null" json:"is_processed"`
	PublishStatus    OutboxPublishStatus `gorm:"size:20;index;not null;default:'PENDING';index:idx_ledger_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time          `gorm:"index" json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index;index:idx_ledger_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time          `gorm:"index" json:"locked_at"`
	LockedBy         *string             `gorm:"size:100" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	LastProcessError *string             `gorm:"type:text" json:"last_process_error"`
	ProcessedAt      *time.Time          `gorm:"index" json:"processed_at"`
	CorrelationId    string              `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// PublishToStockLedger writes the outbox record inside the caller's DB
// transaction; it does NOT touch Pub/Sub.
func PublishToStockLedger(ctx context.Context, tx *gorm.DB, businessId string, postedAt time.Time, refId int, refType LedgerReferenceType, obj interface{}) error {

	payload, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	record := LedgerMessageRecord{
		BusinessId:    businessId,
		PostedAt:      postedAt,
		ReferenceId:   refId,
		ReferenceType: refType,
		Payload:       payload,
		IsProcessed:   false,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

// ToPubSubMessage shapes the record for the wire.
func (r *LedgerMessageRecord) ToPubSubMessage() *config.PubSubMessage {
	return &config.PubSubMessage{
		ID:            r.ID,
		BusinessId:    r.BusinessId,
		PostedAt:      r.PostedAt,
		ReferenceId:   r.ReferenceId,
		ReferenceType: string(r.ReferenceType),
		Payload:       r.Payload,
		CorrelationId: r.CorrelationId,
	}
}
