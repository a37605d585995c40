package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techstore/mpesa-gateway/internal/model"
	"github.com/techstore/mpesa-gateway/pkg/redis"
)

func setupPublisher(t *testing.T) (*Publisher, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	adapter, err := redis.NewRedisAdapter("events-test-"+t.Name(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return NewPublisher(adapter, "payments:events"), adapter
}

func TestPublisher_PaymentFinalized(t *testing.T) {
	publisher, adapter := setupPublisher(t)

	now := time.Now()
	publisher.PaymentFinalized(context.Background(), &model.Transaction{
		CheckoutRequestID: "ws_CO_100",
		MerchantRequestID: "merchant-100",
		Phone:             "254712345678",
		Amount:            5500,
		Status:            model.TransactionStatusCompleted,
		ResultCode:        "0",
		Details: &model.TransactionDetails{
			Amount:             5500,
			MpesaReceiptNumber: "ABC123",
		},
		CallbackReceivedAt: &now,
	})

	msgs, err := adapter.XRead("payments:events", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, "payment.finalized", msgs[0].Values["event"])
	assert.Equal(t, "ws_CO_100", msgs[0].Values["checkout_request_id"])
	assert.Equal(t, "completed", msgs[0].Values["status"])
	assert.Equal(t, "5500", msgs[0].Values["amount"])
	assert.Contains(t, msgs[0].Values["details"], "ABC123")
}

func TestPublisher_NilSafety(t *testing.T) {
	publisher, adapter := setupPublisher(t)

	// a nil transaction is dropped, not a panic
	publisher.PaymentFinalized(context.Background(), nil)

	var nilPublisher *Publisher
	nilPublisher.PaymentFinalized(context.Background(), &model.Transaction{})

	n, err := adapter.XLen("payments:events")
	require.NoError(t, err)
	assert.Zero(t, n)
}
