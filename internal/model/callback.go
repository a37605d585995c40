package model

import (
	"encoding/json"
	"strconv"
)

// StkCallbackEnvelope is the unsolicited notification the gateway posts to
// the callback endpoint. The envelope nests the actual result two levels
// deep; a body without it is treated as a no-op by the receiver.
type StkCallbackEnvelope struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem is a name/value pair. Values arrive as JSON numbers or
// strings depending on the field, so they are kept raw until looked up.
type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Details extracts the success metadata by name lookup. Absent keys yield
// zero-valued fields, never an error.
func (m *CallbackMetadata) Details() *TransactionDetails {
	d := &TransactionDetails{}
	if m == nil {
		return d
	}
	for _, item := range m.Item {
		switch item.Name {
		case "Amount":
			var v float64
			if json.Unmarshal(item.Value, &v) == nil {
				d.Amount = int64(v)
			}
		case "MpesaReceiptNumber":
			json.Unmarshal(item.Value, &d.MpesaReceiptNumber)
		case "TransactionDate":
			var v float64
			if json.Unmarshal(item.Value, &v) == nil {
				d.TransactionDate = int64(v)
			}
		case "PhoneNumber":
			// The gateway reports the phone as a JSON number (254708374149).
			var v float64
			if json.Unmarshal(item.Value, &v) == nil {
				d.PhoneNumber = strconv.FormatInt(int64(v), 10)
			} else {
				json.Unmarshal(item.Value, &d.PhoneNumber)
			}
		}
	}
	return d
}
