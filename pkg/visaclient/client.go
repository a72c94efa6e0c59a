/**
 * @description
 * This package provides the mutual-TLS client for the Visa Direct API. Every
 * outbound request is signed with the shared-secret HMAC scheme and carries the
 * standard tracing and authentication headers. Failures are surfaced as typed
 * errors: RejectionError when the network answered with a non-2xx status, and
 * TransportError when no response was received.
 *
 * Only requests flagged Idempotent are retried, and only on TransportError.
 * Money movement calls are sent exactly once; the caller decides what to do
 * with an unknown outcome.
 *
 * @dependencies
 * - github.com/google/uuid: request and correlation identifiers.
 */
package visaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxResponseBytes = 1 << 20

// Header names attached to every outbound request.
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderTimestamp      = "X-Timestamp"
	HeaderSignature      = "X-Signature"
	HeaderKeyID          = "X-Key-ID"
	HeaderAPIKey         = "X-Api-Key"
	HeaderOrganizationID = "X-Organization-ID"
)

// Options configures a Client.
type Options struct {
	BaseURL            string
	Environment        Environment
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	Retry              RetryPolicy
}

// Request is one logical call to the network.
type Request struct {
	// Operation names the call in logs, e.g. "push_funds".
	Operation string
	Method    string
	// Path is appended to the base URL and signed as-is, query string included.
	Path string
	Body any
	// Idempotent requests may be retried when no response was received.
	Idempotent bool
}

// Response is a 2xx answer from the network.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
	Attempts   int
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Client is safe for concurrent use; construct one per process.
type Client struct {
	baseURL        string
	creds          *Credentials
	httpClient     *http.Client
	requestTimeout time.Duration
	retry          RetryPolicy
	sleep          SleepFunc
	now            func() time.Time
	newID          func() string
}

// ClientOption customizes a Client, mostly for tests.
type ClientOption func(*Client)

// WithHTTPClient replaces the mutual-TLS http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn SleepFunc) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithIDGenerator replaces the request id generator.
func WithIDGenerator(fn func() string) ClientOption {
	return func(c *Client) { c.newID = fn }
}

// NewClient creates a Visa Direct client from loaded credentials.
func NewClient(creds *Credentials, opts Options, extra ...ClientOption) (*Client, error) {
	if creds == nil {
		return nil, errors.New("visa client requires credentials")
	}
	if opts.Environment == "" {
		opts.Environment = EnvironmentProduction
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = opts.Environment.BaseURL()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	c := &Client{
		baseURL:        baseURL,
		creds:          creds,
		requestTimeout: opts.RequestTimeout,
		retry:          opts.Retry.normalized(),
		sleep:          sleepContext,
		now:            time.Now,
		newID:          func() string { return uuid.NewString() },
	}
	for _, opt := range extra {
		opt(c)
	}

	// The TLS policy is validated even when a custom http.Client is injected.
	tlsCfg, err := newTLSConfig(creds, TLSPolicy{Environment: opts.Environment, InsecureSkipVerify: opts.InsecureSkipVerify})
	if err != nil {
		return nil, err
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient(tlsCfg, opts.ConnectTimeout)
	}

	log.Printf("level=info component=visa_client msg=\"client configured\" base_url=%s environment=%s %s", c.baseURL, opts.Environment, creds)
	return c, nil
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that Do propagates to the network.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the id set by WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Do signs and sends req. Non-2xx answers return *RejectionError; missing
// answers return *TransportError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Operation, err)
	}

	attempts := 1
	if req.Idempotent {
		attempts = c.retry.MaxAttempts
	}
	correlationID := CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = c.newID()
	}

	var lastErr *TransportError
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := c.retry.Backoff(attempt - 1)
			log.Printf("level=warn component=visa_client op=%s attempt=%d backoff=%s correlation_id=%s msg=\"retrying after transport failure\"", req.Operation, attempt, wait, correlationID)
			if err := c.sleep(ctx, wait); err != nil {
				lastErr.Err = errors.Join(lastErr.Err, err)
				return nil, lastErr
			}
		}

		resp, err := c.send(ctx, req, body, correlationID)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}

		var tErr *TransportError
		if !errors.As(err, &tErr) {
			return nil, err
		}
		tErr.Attempts = attempt
		lastErr = tErr
		log.Printf("level=warn component=visa_client op=%s attempt=%d/%d request_id=%s timeout=%t err=%v", req.Operation, attempt, attempts, tErr.RequestID, tErr.Timeout, tErr.Err)

		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, req Request, body []byte, correlationID string) (*Response, error) {
	requestID := c.newID()
	timestamp := c.now().UTC().Format(time.RFC3339)
	signature := Sign(c.creds.sharedSecret, SignedRequest{
		Method:         req.Method,
		Path:           req.Path,
		Timestamp:      timestamp,
		KeyID:          c.creds.keyID,
		OrganizationID: c.creds.organizationID,
		Body:           body,
	})

	attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, strings.ToUpper(req.Method), c.baseURL+req.Path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", req.Operation, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(HeaderRequestID, requestID)
	httpReq.Header.Set(HeaderCorrelationID, correlationID)
	httpReq.Header.Set(HeaderTimestamp, timestamp)
	httpReq.Header.Set(HeaderSignature, signature)
	httpReq.Header.Set(HeaderKeyID, c.creds.keyID)
	httpReq.Header.Set(HeaderAPIKey, c.creds.apiKey)
	httpReq.Header.Set(HeaderOrganizationID, c.creds.organizationID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Method: req.Method, Path: req.Path, RequestID: requestID, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Method: req.Method, Path: req.Path, RequestID: requestID, Timeout: isTimeout(err), Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rejection := parseRejection(resp.StatusCode, data, requestID)
		log.Printf("level=warn component=visa_client op=%s status=%d code=%q request_id=%s msg=%q", req.Operation, resp.StatusCode, rejection.Code, requestID, rejection.Message)
		return nil, rejection
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data, RequestID: requestID}, nil
}

// CheckConnectivity calls the hello-world endpoint to prove the certificate
// chain and credentials are accepted.
func (c *Client) CheckConnectivity(ctx context.Context) error {
	_, err := c.Do(ctx, Request{Operation: "hello_world", Method: http.MethodGet, Path: "/vdp/helloworld", Idempotent: true})
	return err
}

// encodeBody produces the compact JSON that is both signed and sent.
func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return compact(b)
	case json.RawMessage:
		return compact(b)
	default:
		return json.Marshal(v)
	}
}

func compact(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseRejection(status int, body []byte, requestID string) *RejectionError {
	rej := &RejectionError{StatusCode: status, RequestID: requestID}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		rej.Message = http.StatusText(status)
		return rej
	}
	switch {
	case env.ResponseStatus != nil:
		rej.Code = env.ResponseStatus.Code
		rej.Message = env.ResponseStatus.Message
	case env.ErrorCode != "":
		rej.Code = env.ErrorCode
		rej.Message = env.ErrorMessage
	}
	if rej.Message == "" {
		rej.Message = env.Message
	}
	if rej.Message == "" {
		rej.Message = http.StatusText(status)
	}
	return rej
}
