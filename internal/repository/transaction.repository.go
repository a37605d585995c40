package repository

import (
	"context"
	"errors"
	"time"

	"github.com/techstore/mpesa-gateway/internal/model"
	"github.com/techstore/mpesa-gateway/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no transaction exists for a checkout request id.
	ErrNotFound = errors.New("transaction not found")
	// ErrAlreadyFinal is returned when a terminal write loses to an earlier one.
	// The stored record is authoritative; the caller should re-read it.
	ErrAlreadyFinal = errors.New("transaction already in a final state")
	// ErrNotFinal guards against callers trying to write pending through MarkFinal.
	ErrNotFinal = errors.New("status is not a final state")
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

// FinalizeParams carries everything a terminal transition writes. Result
// fields only ever land together with the status change.
type FinalizeParams struct {
	Status             model.TransactionStatus
	ResultCode         string
	ResultDesc         string
	Details            *model.TransactionDetails
	CallbackReceivedAt *time.Time
}

func (r *TransactionRepository) Create(ctx context.Context, t *model.Transaction) (*model.Transaction, error) {
	entity := toTransactionEntity(t)
	if entity.Status == "" {
		entity.Status = string(model.TransactionStatusPending)
	}

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toTransactionModel(entity), nil
}

func (r *TransactionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("checkout_request_id = ?", checkoutRequestID).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// MarkFinal applies a terminal transition with first-terminal-wins semantics.
// The status check and the write are a single conditional UPDATE, so two
// racing terminal writes cannot both pass the pending check: exactly one
// affects a row, the other gets ErrAlreadyFinal and must treat the stored
// record as authoritative.
func (r *TransactionRepository) MarkFinal(ctx context.Context, checkoutRequestID string, p FinalizeParams) (*model.Transaction, error) {
	if !p.Status.IsFinal() {
		return nil, ErrNotFinal
	}

	entity := &TransactionEntity{
		Status:             string(p.Status),
		ResultCode:         p.ResultCode,
		ResultDesc:         p.ResultDesc,
		Details:            p.Details,
		CallbackReceivedAt: p.CallbackReceivedAt,
	}

	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("checkout_request_id = ? AND status = ?", checkoutRequestID, string(model.TransactionStatusPending)).
		Select("status", "result_code", "result_desc", "transaction_details", "callback_received_at", "updated_at").
		Updates(entity)
	if result.Error != nil {
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		// Distinguish a lost race from a missing record.
		if _, err := r.GetByCheckoutRequestID(ctx, checkoutRequestID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyFinal
	}

	// Re-read on the write connection: the replica may lag the commit.
	var updated TransactionEntity
	err := r.Write(ctx).WithContext(ctx).
		Where("checkout_request_id = ?", checkoutRequestID).
		First(&updated).
		Error
	if err != nil {
		return nil, err
	}
	return toTransactionModel(&updated), nil
}

// ExpireStale flips pending transactions created before the cutoff to failed.
// It goes through the same status-guarded UPDATE as MarkFinal, so a callback
// landing concurrently still wins if its write commits first.
func (r *TransactionRepository) ExpireStale(ctx context.Context, cutoff time.Time, resultDesc string) (int64, error) {
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("status = ? AND created_at < ?", string(model.TransactionStatusPending), cutoff).
		Updates(map[string]interface{}{
			"status":      string(model.TransactionStatusFailed),
			"result_desc": resultDesc,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
