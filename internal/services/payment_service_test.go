package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	gateway "github.com/techstore/mpesa-gateway/internal/gateways"
	"github.com/techstore/mpesa-gateway/internal/model"
	"github.com/techstore/mpesa-gateway/internal/repository"
)

type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Create(ctx context.Context, t *model.Transaction) (*model.Transaction, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*model.Transaction, error) {
	args := m.Called(ctx, checkoutRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) MarkFinal(ctx context.Context, checkoutRequestID string, p repository.FinalizeParams) (*model.Transaction, error) {
	args := m.Called(ctx, checkoutRequestID, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) ExpireStale(ctx context.Context, cutoff time.Time, resultDesc string) (int64, error) {
	args := m.Called(ctx, cutoff, resultDesc)
	return args.Get(0).(int64), args.Error(1)
}

type MockGatewayClient struct {
	mock.Mock
}

func (m *MockGatewayClient) Authenticate(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockGatewayClient) STKPush(ctx context.Context, token, phone string, amount int64) (*gateway.PushResponse, error) {
	args := m.Called(ctx, token, phone, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.PushResponse), args.Error(1)
}

func (m *MockGatewayClient) QueryStatus(ctx context.Context, token, checkoutRequestID string) (*gateway.QueryResponse, error) {
	args := m.Called(ctx, token, checkoutRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.QueryResponse), args.Error(1)
}

func validRequest() model.PaymentCreateRequest {
	return model.PaymentCreateRequest{
		Phone:  "254712345678",
		Amount: 5500,
		Items: []model.LineItem{
			{ID: "1", Name: "Wireless Mouse", Price: 5500, Quantity: 1},
		},
	}
}

func pendingTransaction(checkoutRequestID string) *model.Transaction {
	return &model.Transaction{
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: "merchant-1",
		Phone:             "254712345678",
		Amount:            5500,
		Status:            model.TransactionStatusPending,
		CreatedAt:         time.Now(),
	}
}

func successEnvelope(checkoutRequestID string) *model.StkCallbackEnvelope {
	env := &model.StkCallbackEnvelope{}
	env.Body.StkCallback = &model.StkCallback{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		CallbackMetadata: &model.CallbackMetadata{
			Item: []model.MetadataItem{
				{Name: "Amount", Value: []byte("5500")},
				{Name: "MpesaReceiptNumber", Value: []byte(`"ABC123"`)},
				{Name: "TransactionDate", Value: []byte("20250817143022")},
				{Name: "PhoneNumber", Value: []byte("254712345678")},
			},
		},
	}
	return env
}

func failureEnvelope(checkoutRequestID string, code int, desc string) *model.StkCallbackEnvelope {
	env := &model.StkCallbackEnvelope{}
	env.Body.StkCallback = &model.StkCallback{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        code,
		ResultDesc:        desc,
	}
	return env
}

func TestPaymentService_Initiate_Validation(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	t.Run("missing phone", func(t *testing.T) {
		req := validRequest()
		req.Phone = ""
		result, err := service.Initiate(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Nil(t, result)
	})

	t.Run("missing items", func(t *testing.T) {
		req := validRequest()
		req.Items = nil
		result, err := service.Initiate(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Nil(t, result)
	})

	t.Run("zero amount", func(t *testing.T) {
		req := validRequest()
		req.Amount = 0
		result, err := service.Initiate(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Nil(t, result)
	})

	t.Run("negative amount", func(t *testing.T) {
		req := validRequest()
		req.Amount = -5
		result, err := service.Initiate(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.Nil(t, result)
	})

	t.Run("invalid phone format", func(t *testing.T) {
		req := validRequest()
		req.Phone = "12345"
		result, err := service.Initiate(ctx, req)
		assert.ErrorIs(t, err, model.ErrInvalidPhoneFormat)
		assert.Nil(t, result)
	})

	// no gateway call or record may result from a rejected request
	gw.AssertNotCalled(t, "STKPush", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestPaymentService_Initiate_Success(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	gw.On("Authenticate", ctx).Return("token-1", nil)
	gw.On("STKPush", ctx, "token-1", "254712345678", int64(5500)).Return(&gateway.PushResponse{
		MerchantRequestID: "merchant-1",
		CheckoutRequestID: "ws_CO_001",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil)

	repo.On("Create", ctx, mock.MatchedBy(func(tr *model.Transaction) bool {
		return tr.CheckoutRequestID == "ws_CO_001" &&
			tr.Status == model.TransactionStatusPending &&
			tr.Amount == 5500
	})).Return(pendingTransaction("ws_CO_001"), nil)

	result, err := service.Initiate(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_001", result.CheckoutRequestID)
	assert.Equal(t, "merchant-1", result.MerchantRequestID)
	assert.Equal(t, "Success. Request accepted for processing", result.CustomerMessage)

	repo.AssertExpectations(t)
	gw.AssertExpectations(t)
}

func TestPaymentService_Initiate_NormalizesPhone(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	gw.On("Authenticate", ctx).Return("token-1", nil)
	// a local 07.. number must reach the gateway in 254.. form
	gw.On("STKPush", ctx, "token-1", "254712345678", int64(5500)).Return(&gateway.PushResponse{
		CheckoutRequestID: "ws_CO_002",
	}, nil)
	repo.On("Create", ctx, mock.Anything).Return(pendingTransaction("ws_CO_002"), nil)

	req := validRequest()
	req.Phone = "0712345678"

	_, err := service.Initiate(ctx, req)
	require.NoError(t, err)
	gw.AssertExpectations(t)
}

func TestPaymentService_Initiate_GatewayRejectsPush(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	gw.On("Authenticate", ctx).Return("token-1", nil)
	gw.On("STKPush", ctx, "token-1", "254712345678", int64(5500)).
		Return(nil, gateway.ErrGatewaySubmit)

	result, err := service.Initiate(ctx, validRequest())
	assert.ErrorIs(t, err, gateway.ErrGatewaySubmit)
	assert.Nil(t, result)

	// a rejected push must not leave a record behind
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestPaymentService_ResolveStatus_MissingParameter(t *testing.T) {
	service := NewPaymentService(new(MockTransactionRepository), new(MockGatewayClient), nil, 0)

	result, err := service.ResolveStatus(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingParameter)
	assert.Nil(t, result)
}

func TestPaymentService_ResolveStatus_StoredFinalSkipsGateway(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	stored := pendingTransaction("ws_CO_010")
	stored.Status = model.TransactionStatusCompleted
	stored.ResultCode = "0"
	repo.On("GetByCheckoutRequestID", ctx, "ws_CO_010").Return(stored, nil)

	result, err := service.ResolveStatus(ctx, "ws_CO_010")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusCompleted, result.Status)
	assert.Equal(t, "Payment completed successfully", result.Message)

	gw.AssertNotCalled(t, "Authenticate", mock.Anything)
	gw.AssertNotCalled(t, "QueryStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentService_ResolveStatus_PendingQueryDoesNotMutate(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	repo.On("GetByCheckoutRequestID", ctx, "ws_CO_011").Return(pendingTransaction("ws_CO_011"), nil)
	gw.On("Authenticate", ctx).Return("token-1", nil)
	gw.On("QueryStatus", ctx, "token-1", "ws_CO_011").Return(&gateway.QueryResponse{
		ResultCode: "1032",
		ResultDesc: "The transaction is being processed",
	}, nil)

	result, err := service.ResolveStatus(ctx, "ws_CO_011")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusPending, result.Status)
	assert.Equal(t, "Payment is being processed", result.Message)

	repo.AssertNotCalled(t, "MarkFinal", mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentService_ResolveStatus_TerminalQueryFoldsIntoStore(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	repo.On("GetByCheckoutRequestID", ctx, "ws_CO_012").Return(pendingTransaction("ws_CO_012"), nil)
	gw.On("Authenticate", ctx).Return("token-1", nil)
	gw.On("QueryStatus", ctx, "token-1", "ws_CO_012").Return(&gateway.QueryResponse{
		ResultCode: "0",
		ResultDesc: "The service request is processed successfully.",
	}, nil)

	finalized := pendingTransaction("ws_CO_012")
	finalized.Status = model.TransactionStatusCompleted
	finalized.ResultCode = "0"
	repo.On("MarkFinal", ctx, "ws_CO_012", mock.MatchedBy(func(p repository.FinalizeParams) bool {
		return p.Status == model.TransactionStatusCompleted && p.ResultCode == "0"
	})).Return(finalized, nil)

	result, err := service.ResolveStatus(ctx, "ws_CO_012")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusCompleted, result.Status)

	repo.AssertExpectations(t)
}

func TestPaymentService_ResolveStatus_LostRaceReturnsStoredWinner(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	// the callback finalized the record as failed between the read and the fold
	repo.On("GetByCheckoutRequestID", ctx, "ws_CO_013").Return(pendingTransaction("ws_CO_013"), nil).Once()
	gw.On("Authenticate", ctx).Return("token-1", nil)
	gw.On("QueryStatus", ctx, "token-1", "ws_CO_013").Return(&gateway.QueryResponse{
		ResultCode: "0",
	}, nil)
	repo.On("MarkFinal", ctx, "ws_CO_013", mock.Anything).Return(nil, repository.ErrAlreadyFinal)

	winner := pendingTransaction("ws_CO_013")
	winner.Status = model.TransactionStatusFailed
	winner.ResultCode = "1032"
	winner.ResultDesc = "Request cancelled by user"
	repo.On("GetByCheckoutRequestID", ctx, "ws_CO_013").Return(winner, nil).Once()

	result, err := service.ResolveStatus(ctx, "ws_CO_013")
	require.NoError(t, err)
	// the stored outcome wins over the live query answer
	assert.Equal(t, model.TransactionStatusFailed, result.Status)
	assert.Equal(t, "Request cancelled by user", result.ResultDesc)
}

func TestPaymentService_ResolveStatus_UnknownRecordReturnsQueryResult(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	repo.On("GetByCheckoutRequestID", ctx, "ws_CO_014").Return(nil, repository.ErrNotFound)
	gw.On("Authenticate", ctx).Return("token-1", nil)
	gw.On("QueryStatus", ctx, "token-1", "ws_CO_014").Return(&gateway.QueryResponse{
		ResultCode: "1037",
		ResultDesc: "DS timeout user cannot be reached",
	}, nil)

	result, err := service.ResolveStatus(ctx, "ws_CO_014")
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusFailed, result.Status)
	assert.Equal(t, "DS timeout user cannot be reached", result.Message)

	// nothing to fold when there is no stored record
	repo.AssertNotCalled(t, "MarkFinal", mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentService_ResolveStatus_AuthFailure(t *testing.T) {
	repo := new(MockTransactionRepository)
	gw := new(MockGatewayClient)
	service := NewPaymentService(repo, gw, nil, 0)
	ctx := context.Background()

	repo.On("GetByCheckoutRequestID", ctx, "ws_CO_015").Return(pendingTransaction("ws_CO_015"), nil)
	gw.On("Authenticate", ctx).Return("", errors.New("connection refused"))

	result, err := service.ResolveStatus(ctx, "ws_CO_015")
	assert.ErrorIs(t, err, gateway.ErrGatewayQuery)
	assert.Nil(t, result)
}

func TestPaymentService_ApplyCallback_Success(t *testing.T) {
	repo := new(MockTransactionRepository)
	service := NewPaymentService(repo, new(MockGatewayClient), nil, 0)
	ctx := context.Background()

	finalized := pendingTransaction("ws_CO_020")
	finalized.Status = model.TransactionStatusCompleted
	repo.On("MarkFinal", ctx, "ws_CO_020", mock.MatchedBy(func(p repository.FinalizeParams) bool {
		return p.Status == model.TransactionStatusCompleted &&
			p.ResultCode == "0" &&
			p.Details != nil &&
			p.Details.MpesaReceiptNumber == "ABC123" &&
			p.Details.Amount == 5500 &&
			p.CallbackReceivedAt != nil
	})).Return(finalized, nil)

	err := service.ApplyCallback(ctx, successEnvelope("ws_CO_020"))
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestPaymentService_ApplyCallback_Failure(t *testing.T) {
	repo := new(MockTransactionRepository)
	service := NewPaymentService(repo, new(MockGatewayClient), nil, 0)
	ctx := context.Background()

	finalized := pendingTransaction("ws_CO_021")
	finalized.Status = model.TransactionStatusFailed
	repo.On("MarkFinal", ctx, "ws_CO_021", mock.MatchedBy(func(p repository.FinalizeParams) bool {
		return p.Status == model.TransactionStatusFailed &&
			p.ResultCode == "1032" &&
			p.Details == nil
	})).Return(finalized, nil)

	err := service.ApplyCallback(ctx, failureEnvelope("ws_CO_021", 1032, "Request cancelled by user"))
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestPaymentService_ApplyCallback_MalformedEnvelopeIgnored(t *testing.T) {
	repo := new(MockTransactionRepository)
	service := NewPaymentService(repo, new(MockGatewayClient), nil, 0)
	ctx := context.Background()

	assert.NoError(t, service.ApplyCallback(ctx, nil))
	assert.NoError(t, service.ApplyCallback(ctx, &model.StkCallbackEnvelope{}))
	assert.NoError(t, service.ApplyCallback(ctx, failureEnvelope("", 1, "no id")))

	repo.AssertNotCalled(t, "MarkFinal", mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentService_ApplyCallback_UnknownTransactionDropped(t *testing.T) {
	repo := new(MockTransactionRepository)
	service := NewPaymentService(repo, new(MockGatewayClient), nil, 0)
	ctx := context.Background()

	repo.On("MarkFinal", ctx, "ws_CO_022", mock.Anything).Return(nil, repository.ErrNotFound)

	err := service.ApplyCallback(ctx, failureEnvelope("ws_CO_022", 1037, "timeout"))
	assert.NoError(t, err)
}

func TestPaymentService_ApplyCallback_DuplicateIgnored(t *testing.T) {
	repo := new(MockTransactionRepository)
	service := NewPaymentService(repo, new(MockGatewayClient), nil, 0)
	ctx := context.Background()

	repo.On("MarkFinal", ctx, "ws_CO_023", mock.Anything).Return(nil, repository.ErrAlreadyFinal)

	err := service.ApplyCallback(ctx, successEnvelope("ws_CO_023"))
	assert.NoError(t, err)
}

func TestPaymentService_ExpireStalePending(t *testing.T) {
	t.Run("disabled when expiry is zero", func(t *testing.T) {
		repo := new(MockTransactionRepository)
		service := NewPaymentService(repo, new(MockGatewayClient), nil, 0)

		n, err := service.ExpireStalePending(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		repo.AssertNotCalled(t, "ExpireStale", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("sweeps records older than the window", func(t *testing.T) {
		repo := new(MockTransactionRepository)
		service := NewPaymentService(repo, new(MockGatewayClient), nil, 5*time.Minute)
		ctx := context.Background()

		repo.On("ExpireStale", ctx, mock.MatchedBy(func(cutoff time.Time) bool {
			return time.Since(cutoff) >= 5*time.Minute
		}), mock.AnythingOfType("string")).Return(int64(3), nil)

		n, err := service.ExpireStalePending(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})
}
