package model

import (
	"time"
)

// TransactionStatus is the lifecycle state of a payment attempt.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// IsFinal reports whether the status is terminal. Once a transaction
// reaches a final status no further transition is permitted.
func (s TransactionStatus) IsFinal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// LineItem is one cart entry, snapshotted at initiation time.
type LineItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

// TransactionDetails holds the payer-side confirmation reported by the
// gateway callback. Populated only on successful completion.
type TransactionDetails struct {
	Amount             int64  `json:"amount,omitempty"`
	MpesaReceiptNumber string `json:"mpesa_receipt_number,omitempty"`
	TransactionDate    int64  `json:"transaction_date,omitempty"`
	PhoneNumber        string `json:"phone_number,omitempty"`
}

type Transaction struct {
	CheckoutRequestID  string              `json:"checkout_request_id"`
	MerchantRequestID  string              `json:"merchant_request_id"`
	Phone              string              `json:"phone"`
	Amount             int64               `json:"amount"`
	Items              []LineItem          `json:"items"`
	Status             TransactionStatus   `json:"status"`
	ResultCode         string              `json:"result_code,omitempty"`
	ResultDesc         string              `json:"result_desc,omitempty"`
	Details            *TransactionDetails `json:"transaction_details,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	CallbackReceivedAt *time.Time          `json:"callback_received_at,omitempty"`
}

// PaymentCreateRequest is the input for initiating a push payment.
type PaymentCreateRequest struct {
	Phone  string
	Amount int64
	Items  []LineItem
}
