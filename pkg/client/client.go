package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/valyala/fasthttp"
)

var (
	ErrRequestFailed = errors.New("payment request failed")
	ErrPollTimeout   = errors.New("payment did not settle within the polling window")
)

const (
	defaultTimeout      = 10 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultPollAttempts = 30
)

// Client is a small SDK for storefront backends talking to the payment
// gateway: it submits payments and polls the status endpoint until the
// transaction settles.
type Client struct {
	baseURL      string
	http         *fasthttp.Client
	timeout      time.Duration
	pollInterval time.Duration
	pollAttempts uint64
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithPolling(interval time.Duration, attempts uint64) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.pollAttempts = attempts
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		timeout:      defaultTimeout,
		pollInterval: defaultPollInterval,
		pollAttempts: defaultPollAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http = &fasthttp.Client{
		ReadTimeout:  c.timeout,
		WriteTimeout: c.timeout,
	}
	return c
}

type LineItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

type InitiateRequest struct {
	Phone  string     `json:"phone"`
	Amount int64      `json:"amount"`
	Items  []LineItem `json:"items"`
}

type InitiateResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	Error             string `json:"error"`
	CheckoutRequestID string `json:"checkoutRequestId"`
	MerchantRequestID string `json:"merchantRequestId"`
}

type StatusResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ResultCode string `json:"resultCode"`
	ResultDesc string `json:"resultDesc"`
}

func (s *StatusResponse) IsFinal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

// Initiate submits a payment and returns the correlation ids to poll with.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(ctx, fasthttp.MethodPost, "/api/v1/payments", payload)
	if err != nil {
		return nil, err
	}

	var resp InitiateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrRequestFailed, err)
	}
	if status != fasthttp.StatusOK || !resp.Success {
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Error)
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrRequestFailed, status)
	}
	return &resp, nil
}

// Status fetches the current reconciled status for a checkout request.
func (c *Client) Status(ctx context.Context, checkoutRequestID string) (*StatusResponse, error) {
	status, body, err := c.do(ctx, fasthttp.MethodGet, "/api/v1/payments/status?checkoutRequestId="+checkoutRequestID, nil)
	if err != nil {
		return nil, err
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d: %s", ErrRequestFailed, status, body)
	}

	var resp StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrRequestFailed, err)
	}
	return &resp, nil
}

// WaitForResult polls the status endpoint at a constant interval until the
// transaction settles or the attempts run out. A pending answer is not an
// error, just a reason to keep polling.
func (c *Client) WaitForResult(ctx context.Context, checkoutRequestID string) (*StatusResponse, error) {
	var final *StatusResponse

	backoff := retry.WithMaxRetries(c.pollAttempts, retry.NewConstant(c.pollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := c.Status(ctx, checkoutRequestID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if !resp.IsFinal() {
			return retry.RetryableError(ErrPollTimeout)
		}
		final = resp
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPollTimeout) {
			return nil, ErrPollTimeout
		}
		return nil, err
	}
	return final, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}
