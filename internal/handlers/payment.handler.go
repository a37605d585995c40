package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fasthttp/router"
	gateway "github.com/techstore/mpesa-gateway/internal/gateways"
	"github.com/techstore/mpesa-gateway/internal/model"
	"github.com/techstore/mpesa-gateway/internal/services"
	xhttp "github.com/techstore/mpesa-gateway/pkg/http"
	"github.com/techstore/mpesa-gateway/pkg/logger"
)

type PaymentService interface {
	Initiate(ctx context.Context, p model.PaymentCreateRequest) (*services.InitiateResult, error)
	ResolveStatus(ctx context.Context, checkoutRequestID string) (*services.StatusResult, error)
	ApplyCallback(ctx context.Context, envelope *model.StkCallbackEnvelope) error
}

type PaymentHandler struct {
	svc PaymentService
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/payments", h.InitiatePayment)
	e.GET("/payments/status", h.QueryStatus)
	e.POST("/payments/callback", h.Callback)
}

func NewPaymentHandler(paymentService PaymentService) *PaymentHandler {
	return &PaymentHandler{
		svc: paymentService,
	}
}

type initiatePaymentRequest struct {
	Phone  string           `json:"phone"`
	Amount int64            `json:"amount"`
	Items  []model.LineItem `json:"items"`
}

type initiatePaymentResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message,omitempty"`
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`
	MerchantRequestID string `json:"merchantRequestId,omitempty"`
}

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *PaymentHandler) InitiatePayment(ctx *xhttp.RequestCtx) {
	var req initiatePaymentRequest
	if err := readJSON(ctx, &req); err != nil {
		writeInitiateError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	result, err := h.svc.Initiate(ctx, model.PaymentCreateRequest{
		Phone:  req.Phone,
		Amount: req.Amount,
		Items:  req.Items,
	})
	if err != nil {
		writeInitiateError(ctx, initiateStatusCode(err), err.Error())
		return
	}

	writeJSON(ctx, 200, initiatePaymentResponse{
		Success:           true,
		Message:           "STK push sent successfully",
		CheckoutRequestID: result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
	})
}

func (h *PaymentHandler) QueryStatus(ctx *xhttp.RequestCtx) {
	checkoutRequestID := query(ctx, "checkoutRequestId")

	result, err := h.svc.ResolveStatus(ctx, checkoutRequestID)
	if err != nil {
		status := 502
		if errors.Is(err, services.ErrMissingParameter) {
			status = 400
		}
		writeJSON(ctx, status, map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}

	writeJSON(ctx, 200, result)
}

// Callback receives the gateway's asynchronous result notification. The
// gateway retries aggressively on anything but success, so this handler
// acknowledges success on every code path and keeps failures internal.
func (h *PaymentHandler) Callback(ctx *xhttp.RequestCtx) {
	var envelope model.StkCallbackEnvelope
	if err := readJSON(ctx, &envelope); err != nil {
		logger.Warn("malformed callback body ignored", "error", err)
		writeJSON(ctx, 200, callbackAck{ResultCode: 0, ResultDesc: "Callback processed"})
		return
	}

	if err := h.svc.ApplyCallback(ctx, &envelope); err != nil {
		logger.Error("callback processing failed", "error", err)
		writeJSON(ctx, 200, callbackAck{ResultCode: 0, ResultDesc: "Callback processed"})
		return
	}

	writeJSON(ctx, 200, callbackAck{ResultCode: 0, ResultDesc: "Callback processed successfully"})
}

func initiateStatusCode(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidPhoneFormat):
		return 400
	case errors.Is(err, gateway.ErrGatewayAuth),
		errors.Is(err, gateway.ErrGatewaySubmit):
		return 502
	default:
		return 500
	}
}

func writeInitiateError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}
