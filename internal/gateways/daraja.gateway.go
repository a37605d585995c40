package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/techstore/mpesa-gateway/pkg/logger"
	"github.com/techstore/mpesa-gateway/pkg/prom"
	"github.com/techstore/mpesa-gateway/pkg/redis"
	"github.com/valyala/fasthttp"
)

var (
	ErrGatewayAuth   = errors.New("gateway authentication failed")
	ErrGatewaySubmit = errors.New("gateway push submission failed")
	ErrGatewayQuery  = errors.New("gateway status query failed")
)

const (
	oauthPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	tokenCacheKey = "daraja:access_token"
	// refresh a bit before the reported expiry so in-flight calls never
	// carry a token about to die
	tokenExpirySlack = 60 * time.Second

	timestampLayout = "20060102150405"
)

type Config struct {
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	BusinessShortCode string
	Passkey           string
	CallbackURL       string
	AccountRefPrefix  string
	TransactionDesc   string
	Timeout           time.Duration
	MaxConns          int
}

// Client talks to the Daraja API: token exchange, STK push submission and
// on-demand status queries. Access tokens are cached in Redis under a TTL
// derived from the gateway's expires_in; without a cache every call
// authenticates live.
type Client struct {
	config *Config
	http   *fasthttp.Client
	cache  redis.RedisAdapter
}

func NewClient(config *Config, cache redis.RedisAdapter) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	httpClient := &fasthttp.Client{
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
	}

	logger.Info("Daraja client initialized", "base_url", config.BaseURL, "shortcode", config.BusinessShortCode, "timeout", config.Timeout)

	return &Client{
		config: config,
		http:   httpClient,
		cache:  cache,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// PushResponse is the gateway's acceptance of an STK push request. The two
// ids correlate the attempt across callback and query paths.
type PushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type QueryResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Authenticate exchanges the consumer credentials for a bearer token,
// serving from the cache when a live token is present.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	if c.cache != nil {
		if cached, err := c.cache.Get(tokenCacheKey); err == nil && len(cached) > 0 {
			return string(cached), nil
		}
	}

	credentials := base64.StdEncoding.EncodeToString(
		[]byte(c.config.ConsumerKey + ":" + c.config.ConsumerSecret))

	start := time.Now()
	status, body, err := c.doRequest(ctx, fasthttp.MethodGet, oauthPath, "Basic "+credentials, nil)
	prom.AddGatewayRequestDuration(time.Since(start).Seconds(), "authenticate")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayAuth, err)
	}
	if status != fasthttp.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d: %s", ErrGatewayAuth, status, body)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: malformed token response: %v", ErrGatewayAuth, err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrGatewayAuth)
	}

	if c.cache != nil {
		ttl := tokenTTL(resp.ExpiresIn)
		if ttl > 0 {
			if err := c.cache.Set(tokenCacheKey, []byte(resp.AccessToken), ttl); err != nil {
				logger.Warn("failed to cache access token", "error", err)
			}
		}
	}

	return resp.AccessToken, nil
}

// STKPush asks the gateway to prompt the payer's device for a PIN. A nil
// error means the push was accepted and the returned ids identify the
// attempt; it says nothing about the eventual payment outcome.
func (c *Client) STKPush(ctx context.Context, token, phone string, amount int64) (*PushResponse, error) {
	timestamp := time.Now().Format(timestampLayout)
	reqBody := map[string]interface{}{
		"BusinessShortCode": c.config.BusinessShortCode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount,
		"PartyA":            phone,
		"PartyB":            c.config.BusinessShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       c.config.CallbackURL,
		"AccountReference":  c.accountReference(),
		"TransactionDesc":   c.config.TransactionDesc,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewaySubmit, err)
	}

	start := time.Now()
	status, body, err := c.doRequest(ctx, fasthttp.MethodPost, stkPushPath, "Bearer "+token, payload)
	prom.AddGatewayRequestDuration(time.Since(start).Seconds(), "stk_push")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewaySubmit, err)
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrGatewaySubmit, status, body)
	}

	var resp PushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed push response: %v", ErrGatewaySubmit, err)
	}
	if resp.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: response carries no checkout request id: %s", ErrGatewaySubmit, body)
	}

	logger.Info("STK push accepted", "checkout_request_id", resp.CheckoutRequestID, "merchant_request_id", resp.MerchantRequestID)

	return &resp, nil
}

// QueryStatus asks the gateway for the current result of an earlier push.
func (c *Client) QueryStatus(ctx context.Context, token, checkoutRequestID string) (*QueryResponse, error) {
	timestamp := time.Now().Format(timestampLayout)
	reqBody := map[string]interface{}{
		"BusinessShortCode": c.config.BusinessShortCode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayQuery, err)
	}

	start := time.Now()
	status, body, err := c.doRequest(ctx, fasthttp.MethodPost, stkQueryPath, "Bearer "+token, payload)
	prom.AddGatewayRequestDuration(time.Since(start).Seconds(), "stk_query")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayQuery, err)
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrGatewayQuery, status, body)
	}

	var resp QueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed query response: %v", ErrGatewayQuery, err)
	}

	return &resp, nil
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(c.config.BusinessShortCode + c.config.Passkey + timestamp))
}

func (c *Client) accountReference() string {
	return fmt.Sprintf("%s-%d", c.config.AccountRefPrefix, time.Now().UnixMilli())
}

func (c *Client) doRequest(ctx context.Context, method, path, authorization string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	req.Header.Set(fasthttp.HeaderAuthorization, authorization)

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return resp.StatusCode(), result, nil
}

func tokenTTL(expiresIn string) time.Duration {
	secs, err := strconv.Atoi(expiresIn)
	if err != nil || secs <= 0 {
		return 0
	}
	ttl := time.Duration(secs)*time.Second - tokenExpirySlack
	if ttl <= 0 {
		return 0
	}
	return ttl
}
