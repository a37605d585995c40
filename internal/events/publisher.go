package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/techstore/mpesa-gateway/internal/model"
	"github.com/techstore/mpesa-gateway/pkg/logger"
	"github.com/techstore/mpesa-gateway/pkg/redis"
)

// Publisher journals terminal payment transitions onto a Redis stream so
// downstream consumers (order fulfilment, reporting) can react without
// polling the database. Publishing is fire-and-forget: a failed XAdd is
// logged and dropped, it never fails the payment path that produced it.
type Publisher struct {
	cache  redis.RedisAdapter
	stream string
}

func NewPublisher(cache redis.RedisAdapter, stream string) *Publisher {
	return &Publisher{
		cache:  cache,
		stream: stream,
	}
}

func (p *Publisher) PaymentFinalized(ctx context.Context, t *model.Transaction) {
	if p == nil || p.cache == nil || t == nil {
		return
	}

	values := map[string]interface{}{
		"event":               "payment.finalized",
		"checkout_request_id": t.CheckoutRequestID,
		"merchant_request_id": t.MerchantRequestID,
		"status":              string(t.Status),
		"result_code":         t.ResultCode,
		"phone":               t.Phone,
		"amount":              strconv.FormatInt(t.Amount, 10),
	}
	if t.Details != nil {
		if b, err := json.Marshal(t.Details); err == nil {
			values["details"] = string(b)
		}
	}

	id, err := p.cache.XAdd(p.stream, values)
	if err != nil {
		logger.Warn("failed to journal payment event", "checkout_request_id", t.CheckoutRequestID, "error", err)
		return
	}

	logger.Debug("payment event journaled", "stream", p.stream, "event_id", id, "checkout_request_id", t.CheckoutRequestID)
}
