package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/angelmondragon/coaching-payflow/internal/payments"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
)

const (
	defaultTimeout             = 15 * time.Second
	errorBodyReadLimit   int64 = 1024
	responseBodyReadLimit int64 = 1 << 20
)

var errBaseURLRequired = errors.New("marketplace base url is required")

// Client talks to the coaching marketplace REST API for bookings, pricing and confirmation.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithTimeout overrides the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient builds the marketplace client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errBaseURLRequired
	}

	client := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Booking is the booking-creation response. ClientSecret is empty for free bookings.
type Booking struct {
	ID           string
	ClientSecret string
	Raw          json.RawMessage
}

// CreateBooking posts the booking payload and returns the created booking.
func (c *Client) CreateBooking(ctx context.Context, payload json.RawMessage) (Booking, error) {
	if c == nil {
		return Booking{}, pkgerrors.New(pkgerrors.CodeDependency, "marketplace client not configured")
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return Booking{}, pkgerrors.New(pkgerrors.CodeValidation, "booking payload is required")
	}

	body, err := c.do(ctx, http.MethodPost, "bookings", payload, "create booking")
	if err != nil {
		return Booking{}, err
	}

	var apiResp struct {
		ID                        string `json:"_id"`
		PaymentIntentClientSecret string `json:"paymentIntentClientSecret"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Booking{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode create booking response")
	}
	if strings.TrimSpace(apiResp.ID) == "" {
		return Booking{}, pkgerrors.New(pkgerrors.CodeDependency, "create booking response missing _id")
	}
	return Booking{
		ID:           apiResp.ID,
		ClientSecret: apiResp.PaymentIntentClientSecret,
		Raw:          body,
	}, nil
}

// CalculatePrice returns the raw price response. Its shape is resolved by the pricing package.
func (c *Client) CalculatePrice(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "marketplace client not configured")
	}
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}
	body, err := c.do(ctx, http.MethodPost, "pricing/calculate", params, "calculate price")
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "calculate price returned invalid json")
	}
	return body, nil
}

// ConfirmPayment asks the marketplace to confirm the booking's payment. Declines arrive as a
// Failure in the result; only transport and server problems are returned as errors.
func (c *Client) ConfirmPayment(ctx context.Context, req payments.ConfirmRequest) (payments.ConfirmResult, error) {
	if c == nil {
		return payments.ConfirmResult{}, pkgerrors.New(pkgerrors.CodeDependency, "marketplace client not configured")
	}
	bookingID := strings.TrimSpace(req.BookingID)
	if bookingID == "" {
		return payments.ConfirmResult{}, pkgerrors.New(pkgerrors.CodeValidation, "booking id is required")
	}
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		return payments.ConfirmResult{}, pkgerrors.New(pkgerrors.CodeValidation, "payment method id is required")
	}

	payload, err := json.Marshal(map[string]any{
		"paymentMethodId": req.PaymentMethodID,
		"bookingId":       bookingID,
		"attempt":         req.Attempt,
	})
	if err != nil {
		return payments.ConfirmResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal confirm payment request")
	}

	path := fmt.Sprintf("bookings/%s/confirm-payment", url.PathEscape(bookingID))
	status, body, err := c.send(ctx, http.MethodPost, path, payload, "confirm payment")
	if err != nil {
		return payments.ConfirmResult{}, err
	}

	var apiResp struct {
		Success *bool `json:"success"`
		Status  string `json:"status"`
		Error   *struct {
			Code        string `json:"code"`
			Message     string `json:"message"`
			Recoverable *bool  `json:"recoverable"`
		} `json:"error"`
	}
	if decodeErr := json.Unmarshal(body, &apiResp); decodeErr != nil || apiResp.Success == nil {
		return payments.ConfirmResult{}, statusError(status, body, "confirm payment")
	}

	if *apiResp.Success {
		switch apiResp.Status {
		case "processing":
			return payments.ConfirmResult{Pending: true}, nil
		case "requires_action":
			return payments.ConfirmResult{RequiresAction: true}, nil
		}
		return payments.ConfirmResult{Success: true}, nil
	}

	failure := &payments.Failure{Code: payments.CodeUnknown, Message: "payment was not confirmed"}
	if apiResp.Error != nil {
		failure = &payments.Failure{
			Code:        apiResp.Error.Code,
			Message:     apiResp.Error.Message,
			Recoverable: apiResp.Error.Recoverable,
		}
	}
	return payments.ConfirmResult{Failure: failure}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, op string) ([]byte, error) {
	status, body, err := c.send(ctx, method, path, payload, op)
	if err != nil {
		return nil, err
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return nil, statusError(status, body, op)
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, op string) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return 0, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build "+op+" request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute "+op+" request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return 0, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read "+op+" response")
	}
	return resp.StatusCode, body, nil
}

func statusError(status int, body []byte, op string) error {
	msg := body
	if int64(len(msg)) > errorBodyReadLimit {
		msg = msg[:errorBodyReadLimit]
	}
	cause := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(msg)))
	switch {
	case status == http.StatusNotFound:
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, cause, op+" target not found")
	case status == http.StatusConflict:
		return pkgerrors.Wrap(pkgerrors.CodeConflict, cause, op+" conflict")
	case status == http.StatusTooManyRequests:
		return pkgerrors.Wrap(pkgerrors.CodeRateLimit, cause, op+" rate limited")
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, cause, op+" rejected")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, cause, op+" request failed")
	}
}

func (c *Client) buildURL(path string) string {
	path = strings.TrimLeft(path, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, path)
}
