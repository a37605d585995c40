package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techstore/mpesa-gateway/pkg/redis"
)

func testConfig(baseURL string) *Config {
	return &Config{
		BaseURL:           baseURL,
		ConsumerKey:       "key",
		ConsumerSecret:    "secret",
		BusinessShortCode: "174379",
		Passkey:           "passkey",
		CallbackURL:       "https://example.com/api/v1/payments/callback",
		AccountRefPrefix:  "TechStore",
		TransactionDesc:   "Payment for TechStore items",
		Timeout:           2 * time.Second,
	}
}

func setupCache(t *testing.T) redis.RedisAdapter {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	adapter, err := redis.NewRedisAdapter("gateway-test-"+t.Name(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return adapter
}

func TestClient_Authenticate(t *testing.T) {
	var authCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/v1/generate", r.URL.Path)
		require.Equal(t, "client_credentials", r.URL.Query().Get("grant_type"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "key", user)
		require.Equal(t, "secret", pass)

		authCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "token-abc",
			"expires_in":   "3599",
		})
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL), setupCache(t))
	require.NoError(t, err)

	token, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-abc", token)

	// second call must come from the cache
	token, err = client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-abc", token)
	assert.Equal(t, int64(1), authCalls.Load())
}

func TestClient_Authenticate_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	_, err = client.Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrGatewayAuth)
}

func TestClient_STKPush(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mpesa/stkpush/v1/processrequest", r.URL.Path)
		require.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "174379", body["BusinessShortCode"])
		assert.Equal(t, "CustomerPayBillOnline", body["TransactionType"])
		assert.Equal(t, "254712345678", body["PhoneNumber"])
		assert.Equal(t, float64(5500), body["Amount"])
		assert.NotEmpty(t, body["Password"])
		assert.NotEmpty(t, body["Timestamp"])
		assert.Equal(t, "https://example.com/api/v1/payments/callback", body["CallBackURL"])

		json.NewEncoder(w).Encode(map[string]string{
			"MerchantRequestID":   "29115-34620561-1",
			"CheckoutRequestID":   "ws_CO_191220191020363925",
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage":     "Success. Request accepted for processing",
		})
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	resp, err := client.STKPush(context.Background(), "token-abc", "254712345678", 5500)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", resp.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", resp.MerchantRequestID)
}

func TestClient_STKPush_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - Invalid Amount",
		})
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	_, err = client.STKPush(context.Background(), "token-abc", "254712345678", 0)
	assert.ErrorIs(t, err, ErrGatewaySubmit)
}

func TestClient_QueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mpesa/stkpushquery/v1/query", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ws_CO_001", body["CheckoutRequestID"])

		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode": "0",
			"ResultCode":   "0",
			"ResultDesc":   "The service request is processed successfully.",
		})
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	resp, err := client.QueryStatus(context.Background(), "token-abc", "ws_CO_001")
	require.NoError(t, err)
	assert.Equal(t, "0", resp.ResultCode)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, nil)
	assert.Error(t, err)

	_, err = NewClient(&Config{}, nil)
	assert.Error(t, err)
}

func TestTokenTTL(t *testing.T) {
	assert.Equal(t, 3599*time.Second-tokenExpirySlack, tokenTTL("3599"))
	assert.Equal(t, time.Duration(0), tokenTTL("30")) // shorter than the slack
	assert.Equal(t, time.Duration(0), tokenTTL("not-a-number"))
	assert.Equal(t, time.Duration(0), tokenTTL(""))
}
