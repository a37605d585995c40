package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gateway "github.com/techstore/mpesa-gateway/internal/gateways"
	"github.com/techstore/mpesa-gateway/internal/model"
	"github.com/techstore/mpesa-gateway/internal/repository"
	"github.com/techstore/mpesa-gateway/pkg/logger"
	"github.com/techstore/mpesa-gateway/pkg/prom"
)

var (
	ErrInvalidRequest   = errors.New("phone, amount and items are required")
	ErrInvalidAmount    = errors.New("amount must be at least 1")
	ErrMissingParameter = errors.New("checkoutRequestId parameter is required")
	ErrNotFound         = errors.New("transaction not found")
)

// Gateway result codes. "0" is success; on the query path "1032" means the
// request is still being processed. Any other non-empty code is failure.
const (
	resultCodeSuccess  = "0"
	resultCodeInFlight = "1032"
)

const (
	msgCompleted  = "Payment completed successfully"
	msgFailed     = "Payment failed"
	msgProcessing = "Payment is being processed"

	expiredResultDesc = "Request timed out awaiting payer confirmation"
)

type GatewayClient interface {
	Authenticate(ctx context.Context) (string, error)
	STKPush(ctx context.Context, token, phone string, amount int64) (*gateway.PushResponse, error)
	QueryStatus(ctx context.Context, token, checkoutRequestID string) (*gateway.QueryResponse, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, t *model.Transaction) (*model.Transaction, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*model.Transaction, error)
	MarkFinal(ctx context.Context, checkoutRequestID string, p repository.FinalizeParams) (*model.Transaction, error)
	ExpireStale(ctx context.Context, cutoff time.Time, resultDesc string) (int64, error)
}

// EventPublisher journals terminal transitions for downstream consumers.
// Publishing is best-effort and never fails a payment path.
type EventPublisher interface {
	PaymentFinalized(ctx context.Context, t *model.Transaction)
}

type PaymentService struct {
	repo          TransactionRepository
	gateway       GatewayClient
	events        EventPublisher
	pendingExpiry time.Duration
}

func NewPaymentService(repo TransactionRepository, gw GatewayClient, events EventPublisher, pendingExpiry time.Duration) *PaymentService {
	return &PaymentService{
		repo:          repo,
		gateway:       gw,
		events:        events,
		pendingExpiry: pendingExpiry,
	}
}

// InitiateResult carries the gateway-issued correlation ids the storefront
// needs to begin polling.
type InitiateResult struct {
	CheckoutRequestID string `json:"checkoutRequestId"`
	MerchantRequestID string `json:"merchantRequestId"`
	CustomerMessage   string `json:"customerMessage,omitempty"`
}

type StatusResult struct {
	Status     model.TransactionStatus `json:"status"`
	Message    string                  `json:"message"`
	ResultCode string                  `json:"resultCode,omitempty"`
	ResultDesc string                  `json:"resultDesc,omitempty"`
}

// Initiate validates the payment request, submits the STK push and records
// the pending transaction. Exactly one record is created per successful
// call and none on any failure path: the record is only inserted after the
// gateway has acknowledged the push.
func (s *PaymentService) Initiate(ctx context.Context, p model.PaymentCreateRequest) (*InitiateResult, error) {
	if p.Phone == "" || p.Amount == 0 || len(p.Items) == 0 {
		return nil, ErrInvalidRequest
	}

	phone, err := model.NormalizePhone(p.Phone)
	if err != nil {
		return nil, err
	}

	if p.Amount < 1 {
		return nil, ErrInvalidAmount
	}

	token, err := s.gateway.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	push, err := s.gateway.STKPush(ctx, token, phone, p.Amount)
	if err != nil {
		return nil, err
	}

	t := &model.Transaction{
		CheckoutRequestID: push.CheckoutRequestID,
		MerchantRequestID: push.MerchantRequestID,
		Phone:             phone,
		Amount:            p.Amount,
		Items:             p.Items,
		Status:            model.TransactionStatusPending,
	}
	if _, err := s.repo.Create(ctx, t); err != nil {
		// The push is already in flight; without a record the outcome can
		// only be recovered through a later gateway query.
		logger.Error("failed to persist pending transaction", "checkout_request_id", push.CheckoutRequestID, "error", err)
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	prom.IncPaymentInitiated()
	logger.Info("payment initiated", "checkout_request_id", push.CheckoutRequestID, "phone", phone, "amount", p.Amount)

	return &InitiateResult{
		CheckoutRequestID: push.CheckoutRequestID,
		MerchantRequestID: push.MerchantRequestID,
		CustomerMessage:   push.CustomerMessage,
	}, nil
}

// ResolveStatus returns the best-known status for a checkout request.
//
// The stored record is the single source of truth once terminal: a final
// stored status is returned without touching the gateway. Only a missing
// or still-pending record triggers a live query, and a terminal query
// outcome is folded into the store through the first-terminal-wins barrier
// before being reported. If the fold loses the race the previously stored
// value is returned, not the live answer.
func (s *PaymentService) ResolveStatus(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	if checkoutRequestID == "" {
		return nil, ErrMissingParameter
	}

	stored, err := s.repo.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if stored != nil && stored.Status.IsFinal() {
		prom.IncStatusQuery(string(stored.Status))
		return storedResult(stored), nil
	}

	token, err := s.gateway.Authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrGatewayQuery, err)
	}

	q, err := s.gateway.QueryStatus(ctx, token, checkoutRequestID)
	if err != nil {
		return nil, err
	}

	status, message := interpretResultCode(q.ResultCode, q.ResultDesc)
	prom.IncStatusQuery(string(status))

	if !status.IsFinal() || stored == nil {
		return &StatusResult{
			Status:     status,
			Message:    message,
			ResultCode: q.ResultCode,
			ResultDesc: q.ResultDesc,
		}, nil
	}

	updated, err := s.repo.MarkFinal(ctx, checkoutRequestID, repository.FinalizeParams{
		Status:     status,
		ResultCode: q.ResultCode,
		ResultDesc: q.ResultDesc,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyFinal) {
			// a callback landed first; its outcome is authoritative
			winner, err := s.repo.GetByCheckoutRequestID(ctx, checkoutRequestID)
			if err != nil {
				return nil, err
			}
			return storedResult(winner), nil
		}
		return nil, err
	}

	if s.events != nil {
		s.events.PaymentFinalized(ctx, updated)
	}

	return storedResult(updated), nil
}

// ApplyCallback folds an unsolicited gateway notification into the store.
// Malformed bodies and unknown checkout ids are dropped, not errors: the
// caller acknowledges success to the gateway no matter what happens here.
func (s *PaymentService) ApplyCallback(ctx context.Context, envelope *model.StkCallbackEnvelope) error {
	if envelope == nil || envelope.Body.StkCallback == nil {
		logger.Debug("callback without stkCallback envelope, ignoring")
		return nil
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		logger.Debug("callback without checkout request id, ignoring")
		return nil
	}

	status := model.TransactionStatusFailed
	var details *model.TransactionDetails
	if cb.ResultCode == 0 {
		status = model.TransactionStatusCompleted
		details = cb.CallbackMetadata.Details()
	}

	now := time.Now()
	updated, err := s.repo.MarkFinal(ctx, cb.CheckoutRequestID, repository.FinalizeParams{
		Status:             status,
		ResultCode:         strconv.Itoa(cb.ResultCode),
		ResultDesc:         cb.ResultDesc,
		Details:            details,
		CallbackReceivedAt: &now,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			logger.Warn("callback for unknown transaction dropped", "checkout_request_id", cb.CheckoutRequestID)
			return nil
		case errors.Is(err, repository.ErrAlreadyFinal):
			logger.Info("duplicate terminal callback ignored", "checkout_request_id", cb.CheckoutRequestID, "result_code", cb.ResultCode)
			return nil
		default:
			return err
		}
	}

	prom.IncCallbackReceived(string(status))
	logger.Info("callback applied", "checkout_request_id", cb.CheckoutRequestID, "status", string(status), "result_code", cb.ResultCode)

	if s.events != nil {
		s.events.PaymentFinalized(ctx, updated)
	}

	return nil
}

// ExpireStalePending fails pending transactions older than the configured
// expiry. A zero expiry disables the sweep; the gateway's own timeout plus
// a late callback normally settles a record without it.
func (s *PaymentService) ExpireStalePending(ctx context.Context) (int64, error) {
	if s.pendingExpiry <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.pendingExpiry)
	n, err := s.repo.ExpireStale(ctx, cutoff, expiredResultDesc)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Warn("expired stale pending transactions", "count", n, "older_than", s.pendingExpiry)
	}
	return n, nil
}

func storedResult(t *model.Transaction) *StatusResult {
	message := msgProcessing
	switch t.Status {
	case model.TransactionStatusCompleted:
		message = msgCompleted
	case model.TransactionStatusFailed:
		message = msgFailed
	}
	return &StatusResult{
		Status:     t.Status,
		Message:    message,
		ResultCode: t.ResultCode,
		ResultDesc: t.ResultDesc,
	}
}

func interpretResultCode(code, desc string) (model.TransactionStatus, string) {
	switch {
	case code == resultCodeSuccess:
		return model.TransactionStatusCompleted, msgCompleted
	case code == "" || code == resultCodeInFlight:
		return model.TransactionStatusPending, msgProcessing
	default:
		if desc != "" {
			return model.TransactionStatusFailed, desc
		}
		return model.TransactionStatusFailed, msgFailed
	}
}
