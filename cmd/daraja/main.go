package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/techstore/mpesa-gateway/pkg/worker"
)

// failure outcomes the sandbox can produce, mirroring the codes the live
// gateway sends in its callbacks
var failureOutcomes = []struct {
	code int
	desc string
}{
	{1032, "Request cancelled by user"},
	{1037, "DS timeout user cannot be reached"},
	{1, "The balance is insufficient for the transaction"},
	{2001, "The initiator information is invalid"},
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode" binding:"required"`
	Password          string `json:"Password" binding:"required"`
	Timestamp         string `json:"Timestamp" binding:"required"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount" binding:"required"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber" binding:"required"`
	CallBackURL       string `json:"CallBackURL" binding:"required"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode" binding:"required"`
	Password          string `json:"Password" binding:"required"`
	Timestamp         string `json:"Timestamp" binding:"required"`
	CheckoutRequestID string `json:"CheckoutRequestID" binding:"required"`
}

// pushRecord tracks one simulated payment attempt from acceptance to its
// settled outcome.
type pushRecord struct {
	MerchantRequestID string
	CheckoutRequestID string
	PhoneNumber       string
	Amount            int64
	CallbackURL       string
	Settled           bool
	ResultCode        int
	ResultDesc        string
	Receipt           string
}

// MockDaraja simulates the Daraja STK push sandbox: it accepts pushes,
// settles each one after a random payer-reaction delay, and notifies the
// registered callback URL the way the live gateway does.
type MockDaraja struct {
	mu          sync.Mutex
	records     map[string]*pushRecord
	successRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	rng         *rand.Rand
	callbacks   *worker.WorkerManager
	httpClient  *http.Client
}

func NewMockDaraja(successRate float64, minDelay, maxDelay time.Duration) *MockDaraja {
	m := &MockDaraja{
		records:     make(map[string]*pushRecord),
		successRate: successRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	m.callbacks = worker.NewWorkerManager(256, 8, nil)
	m.callbacks.SetWorker(m.settleAndNotify)
	return m
}

func (m *MockDaraja) accept(req *stkPushRequest) *pushRecord {
	rec := &pushRecord{
		MerchantRequestID: uuid.New().String(),
		CheckoutRequestID: "ws_CO_" + time.Now().Format("02012006150405") + strconv.Itoa(10000+m.rng.Intn(90000)),
		PhoneNumber:       req.PhoneNumber,
		Amount:            req.Amount,
		CallbackURL:       req.CallBackURL,
	}

	m.mu.Lock()
	m.records[rec.CheckoutRequestID] = rec
	m.mu.Unlock()

	m.callbacks.Enqueue(rec.CheckoutRequestID)
	return rec
}

// settleAndNotify runs on the worker pool: it waits out the simulated payer
// reaction time, settles the outcome and delivers the callback.
func (m *MockDaraja) settleAndNotify(workerIndex int, job interface{}) {
	checkoutRequestID, ok := job.(string)
	if !ok {
		return
	}

	time.Sleep(m.randomDelay())

	m.mu.Lock()
	rec, ok := m.records[checkoutRequestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.Settled = true
	if m.rng.Float64() < m.successRate {
		rec.ResultCode = 0
		rec.ResultDesc = "The service request is processed successfully."
		rec.Receipt = randomReceipt(m.rng)
	} else {
		outcome := failureOutcomes[m.rng.Intn(len(failureOutcomes))]
		rec.ResultCode = outcome.code
		rec.ResultDesc = outcome.desc
	}
	m.mu.Unlock()

	if err := m.deliverCallback(rec); err != nil {
		log.Warn().
			Str("checkout_request_id", rec.CheckoutRequestID).
			Str("callback_url", rec.CallbackURL).
			Err(err).
			Msg("Callback delivery failed")
		return
	}

	log.Info().
		Int("worker", workerIndex).
		Str("checkout_request_id", rec.CheckoutRequestID).
		Int("result_code", rec.ResultCode).
		Msg("Callback delivered")
}

func (m *MockDaraja) deliverCallback(rec *pushRecord) error {
	type metadataItem struct {
		Name  string      `json:"Name"`
		Value interface{} `json:"Value,omitempty"`
	}

	callback := map[string]interface{}{
		"MerchantRequestID": rec.MerchantRequestID,
		"CheckoutRequestID": rec.CheckoutRequestID,
		"ResultCode":        rec.ResultCode,
		"ResultDesc":        rec.ResultDesc,
	}
	if rec.ResultCode == 0 {
		phone, _ := strconv.ParseInt(rec.PhoneNumber, 10, 64)
		callback["CallbackMetadata"] = map[string]interface{}{
			"Item": []metadataItem{
				{Name: "Amount", Value: rec.Amount},
				{Name: "MpesaReceiptNumber", Value: rec.Receipt},
				{Name: "TransactionDate", Value: transactionDate(time.Now())},
				{Name: "PhoneNumber", Value: phone},
			},
		}
	}

	body, err := json.Marshal(map[string]interface{}{
		"Body": map[string]interface{}{"stkCallback": callback},
	})
	if err != nil {
		return err
	}

	resp, err := m.httpClient.Post(rec.CallbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (m *MockDaraja) lookup(checkoutRequestID string) *pushRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[checkoutRequestID]
}

func (m *MockDaraja) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func randomReceipt(rng *rand.Rand) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}

func transactionDate(t time.Time) int64 {
	v, _ := strconv.ParseInt(t.Format("20060102150405"), 10, 64)
	return v
}

// Handler exposes the sandbox endpoints
type Handler struct {
	daraja *MockDaraja
}

func NewHandler(daraja *MockDaraja) *Handler {
	return &Handler{daraja: daraja}
}

// OAuth issues a short-lived bearer token. Any basic-auth credentials are
// accepted, the sandbox does not verify consumer keys.
func (h *Handler) OAuth(c *gin.Context) {
	if _, _, ok := c.Request.BasicAuth(); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"errorCode":    "401.002.01",
			"errorMessage": "Invalid Authentication passed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": uuid.New().String(),
		"expires_in":   "3599",
	})
}

// STKPush accepts a push request and schedules its asynchronous settlement.
func (h *Handler) STKPush(c *gin.Context) {
	var req stkPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid " + err.Error(),
		})
		return
	}

	rec := h.daraja.accept(&req)

	log.Info().
		Str("checkout_request_id", rec.CheckoutRequestID).
		Str("phone", req.PhoneNumber).
		Int64("amount", req.Amount).
		Msg("STK push accepted")

	c.JSON(http.StatusOK, gin.H{
		"MerchantRequestID":   rec.MerchantRequestID,
		"CheckoutRequestID":   rec.CheckoutRequestID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})
}

// STKQuery reports the current result of an earlier push. An unsettled push
// answers with result code 1032 the way the sandbox reports in-flight
// requests; a settled one answers with its terminal code.
func (h *Handler) STKQuery(c *gin.Context) {
	var req stkQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid " + err.Error(),
		})
		return
	}

	rec := h.daraja.lookup(req.CheckoutRequestID)
	if rec == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"errorCode":    "500.001.1001",
			"errorMessage": "The transaction is not found",
		})
		return
	}

	resp := gin.H{
		"MerchantRequestID":   rec.MerchantRequestID,
		"CheckoutRequestID":   rec.CheckoutRequestID,
		"ResponseCode":        "0",
		"ResponseDescription": "The service request has been accepted successfully",
	}
	if rec.Settled {
		resp["ResultCode"] = strconv.Itoa(rec.ResultCode)
		resp["ResultDesc"] = rec.ResultDesc
	} else {
		resp["ResultCode"] = "1032"
		resp["ResultDesc"] = "The transaction is being processed"
	}

	c.JSON(http.StatusOK, resp)
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request processed")
	})

	router.GET("/oauth/v1/generate", handler.OAuth)
	router.POST("/mpesa/stkpush/v1/processrequest", handler.STKPush)
	router.POST("/mpesa/stkpushquery/v1/query", handler.STKQuery)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8082")
	successRate := getEnvFloat("SUCCESS_RATE", 0.9)
	minDelay := getEnvDuration("MIN_DELAY", 2*time.Second)
	maxDelay := getEnvDuration("MAX_DELAY", 10*time.Second)

	log.Info().
		Str("port", port).
		Float64("success_rate", successRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Msg("Starting Daraja sandbox")

	daraja := NewMockDaraja(successRate, minDelay, maxDelay)
	handler := NewHandler(daraja)
	router := SetupRouter(handler)

	go func() {
		if err := daraja.callbacks.Start(); err != nil {
			log.Info().Err(err).Msg("Callback workers stopped")
		}
	}()

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	daraja.callbacks.Exit()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
