package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Initiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/payments", r.URL.Path)

		var req InitiateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "254712345678", req.Phone)

		json.NewEncoder(w).Encode(InitiateResponse{
			Success:           true,
			CheckoutRequestID: "ws_CO_001",
			MerchantRequestID: "merchant-1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Initiate(context.Background(), InitiateRequest{
		Phone:  "254712345678",
		Amount: 5500,
		Items:  []LineItem{{ID: "1", Name: "Wireless Mouse", Price: 5500, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_001", resp.CheckoutRequestID)
}

func TestClient_Initiate_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "invalid phone number format, use 254XXXXXXXXX",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Initiate(context.Background(), InitiateRequest{Phone: "bad", Amount: 10})
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "invalid phone number")
}

func TestClient_WaitForResult(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/payments/status", r.URL.Path)
		require.Equal(t, "ws_CO_001", r.URL.Query().Get("checkoutRequestId"))

		// settle on the third poll
		resp := StatusResponse{Status: "pending", Message: "Payment is being processed"}
		if polls.Add(1) >= 3 {
			resp = StatusResponse{Status: "completed", Message: "Payment completed successfully"}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, WithPolling(10*time.Millisecond, 10))
	resp, err := c.WaitForResult(context.Background(), "ws_CO_001")
	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
	assert.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestClient_WaitForResult_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatusResponse{Status: "pending"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithPolling(5*time.Millisecond, 3))
	_, err := c.WaitForResult(context.Background(), "ws_CO_001")
	assert.ErrorIs(t, err, ErrPollTimeout)
}
