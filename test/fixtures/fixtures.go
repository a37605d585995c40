package fixtures

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/techstore/mpesa-gateway/internal/model"
)

var (
	ValidPhoneNumbers = []string{
		"254712345678",
		"+254712345678",
		"0712345678",
		"254101234567",
	}

	InvalidPhoneNumbers = []string{
		"",
		"123",
		"712345678",
		"25471234567",   // one digit short
		"2547123456789", // one digit long
		"254712345abc",
		"+1234567890",
	}
)

func CartItems() []model.LineItem {
	return []model.LineItem{
		{ID: "1", Name: "Wireless Mouse", Price: 1500, Quantity: 1},
		{ID: "2", Name: "USB-C Cable", Price: 800, Quantity: 2},
	}
}

func NewPaymentCreateRequest(phone string, amount int64) model.PaymentCreateRequest {
	return model.PaymentCreateRequest{
		Phone:  phone,
		Amount: amount,
		Items:  CartItems(),
	}
}

func PaymentCreateRequestValid() model.PaymentCreateRequest {
	return NewPaymentCreateRequest("254712345678", 3100)
}

func PaymentCreateRequestInvalidPhone() model.PaymentCreateRequest {
	return NewPaymentCreateRequest("712345", 3100)
}

func PaymentCreateRequestZeroAmount() model.PaymentCreateRequest {
	return NewPaymentCreateRequest("254712345678", 0)
}

func NewPendingTransaction(checkoutRequestID string) *model.Transaction {
	return &model.Transaction{
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: "merchant-" + checkoutRequestID,
		Phone:             "254712345678",
		Amount:            3100,
		Items:             CartItems(),
		Status:            model.TransactionStatusPending,
		CreatedAt:         time.Now(),
	}
}

// SuccessCallback builds the envelope the gateway posts after the payer
// approves: result code 0 plus the receipt metadata items.
func SuccessCallback(checkoutRequestID string, amount int64, receipt string) *model.StkCallbackEnvelope {
	env := &model.StkCallbackEnvelope{}
	env.Body.StkCallback = &model.StkCallback{
		MerchantRequestID: "merchant-" + checkoutRequestID,
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		CallbackMetadata: &model.CallbackMetadata{
			Item: []model.MetadataItem{
				{Name: "Amount", Value: jsonValue(amount)},
				{Name: "MpesaReceiptNumber", Value: jsonValue(receipt)},
				{Name: "TransactionDate", Value: jsonValue(int64(20250817143022))},
				{Name: "PhoneNumber", Value: jsonValue(int64(254712345678))},
			},
		},
	}
	return env
}

func FailureCallback(checkoutRequestID string, resultCode int, resultDesc string) *model.StkCallbackEnvelope {
	env := &model.StkCallbackEnvelope{}
	env.Body.StkCallback = &model.StkCallback{
		MerchantRequestID: "merchant-" + checkoutRequestID,
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        resultDesc,
	}
	return env
}

func jsonValue(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("fixture value not marshalable: %v", err))
	}
	return b
}
