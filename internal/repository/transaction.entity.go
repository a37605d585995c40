package repository

import (
	"time"

	"github.com/techstore/mpesa-gateway/internal/model"
)

type TransactionEntity struct {
	CheckoutRequestID  string                    `db:"checkout_request_id"  gorm:"primaryKey;column:checkout_request_id"`
	MerchantRequestID  string                    `db:"merchant_request_id"  gorm:"column:merchant_request_id;not null"`
	Phone              string                    `db:"phone"                gorm:"column:phone;not null"`
	Amount             int64                     `db:"amount"               gorm:"column:amount;not null"`
	Items              []model.LineItem          `db:"items"                gorm:"column:items;serializer:json"`
	Status             string                    `db:"status"               gorm:"column:status;not null;index;default:pending"`
	ResultCode         string                    `db:"result_code"          gorm:"column:result_code"`
	ResultDesc         string                    `db:"result_desc"          gorm:"column:result_desc"`
	Details            *model.TransactionDetails `db:"transaction_details"  gorm:"column:transaction_details;serializer:json"`
	CreatedAt          time.Time                 `db:"created_at"           gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time                 `db:"updated_at"           gorm:"column:updated_at;autoUpdateTime"`
	CallbackReceivedAt *time.Time                `db:"callback_received_at" gorm:"column:callback_received_at"`
}

func (TransactionEntity) TableName() string {
	return "transactions"
}

func toTransactionEntity(t *model.Transaction) *TransactionEntity {
	if t == nil {
		return nil
	}
	return &TransactionEntity{
		CheckoutRequestID:  t.CheckoutRequestID,
		MerchantRequestID:  t.MerchantRequestID,
		Phone:              t.Phone,
		Amount:             t.Amount,
		Items:              t.Items,
		Status:             string(t.Status),
		ResultCode:         t.ResultCode,
		ResultDesc:         t.ResultDesc,
		Details:            t.Details,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		CallbackReceivedAt: t.CallbackReceivedAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	return &model.Transaction{
		CheckoutRequestID:  e.CheckoutRequestID,
		MerchantRequestID:  e.MerchantRequestID,
		Phone:              e.Phone,
		Amount:             e.Amount,
		Items:              e.Items,
		Status:             model.TransactionStatus(e.Status),
		ResultCode:         e.ResultCode,
		ResultDesc:         e.ResultDesc,
		Details:            e.Details,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
		CallbackReceivedAt: e.CallbackReceivedAt,
	}
}
