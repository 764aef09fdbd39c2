// Package telephony originates outbound calls and sends mid-call commands
// through the carrier's REST API.
//
// The carrier speaks form-encoded POSTs with HTTP basic auth, Twilio style.
// Only the three operations the navigator needs are wrapped: create call,
// send touch-tones, and fetch call status.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrCarrier wraps non-2xx carrier responses.
var ErrCarrier = errors.New("telephony: carrier error")

const defaultHTTPTimeout = 30 * time.Second

// CreateCallParams describes one outbound call to originate.
type CreateCallParams struct {
	// To and From are E.164 numbers.
	To   string
	From string

	// StartURL is the absolute call-start webhook URL, including any
	// per-call override query parameters.
	StartURL string

	// StatusCallbackURL receives call-status events.
	StatusCallbackURL string
}

// CallStatus is the carrier's view of one call.
type CallStatus struct {
	CallID string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// Originator is the outbound-call surface of the carrier API.
type Originator interface {
	// CreateCall requests a new outbound call and returns the carrier's
	// opaque call ID.
	CreateCall(ctx context.Context, p CreateCallParams) (string, error)

	// SendDigits plays DTMF tones on a live call.
	SendDigits(ctx context.Context, callID, digits string) error

	// GetCallStatus fetches the carrier's current view of the call.
	GetCallStatus(ctx context.Context, callID string) (CallStatus, error)
}

// Compile-time interface assertion.
var _ Originator = (*Client)(nil)

// Client talks to the carrier REST API.
type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	httpClient *http.Client
}

// ClientOption configures a [Client] during construction.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a carrier client. baseURL is the API root, e.g.
// "https://api.carrier.example.com/2010-04-01".
func NewClient(baseURL, accountSID, authToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateCall implements [Originator].
func (c *Client) CreateCall(ctx context.Context, p CreateCallParams) (string, error) {
	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", p.From)
	form.Set("Url", p.StartURL)
	form.Set("Method", "POST")
	if p.StatusCallbackURL != "" {
		form.Set("StatusCallback", p.StatusCallbackURL)
		form.Set("StatusCallbackMethod", "POST")
		for _, ev := range []string{"completed", "failed", "busy", "no-answer", "canceled"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}

	var out CallStatus
	if err := c.do(ctx, http.MethodPost, c.callsURL(""), form, &out); err != nil {
		return "", err
	}
	if out.CallID == "" {
		return "", fmt.Errorf("telephony: create call: carrier returned no call id")
	}
	return out.CallID, nil
}

// SendDigits implements [Originator].
func (c *Client) SendDigits(ctx context.Context, callID, digits string) error {
	form := url.Values{}
	form.Set("SendDigits", digits)
	return c.do(ctx, http.MethodPost, c.callsURL(callID), form, nil)
}

// GetCallStatus implements [Originator].
func (c *Client) GetCallStatus(ctx context.Context, callID string) (CallStatus, error) {
	var out CallStatus
	if err := c.do(ctx, http.MethodGet, c.callsURL(callID), nil, &out); err != nil {
		return CallStatus{}, err
	}
	return out, nil
}

// callsURL builds the Calls resource URL, optionally for one call.
func (c *Client) callsURL(callID string) string {
	u := fmt.Sprintf("%s/Accounts/%s/Calls", c.baseURL, url.PathEscape(c.accountSID))
	if callID != "" {
		u += "/" + url.PathEscape(callID)
	}
	return u + ".json"
}

// do issues one authenticated request and decodes the JSON response into
// out when non-nil.
func (c *Client) do(ctx context.Context, method, rawURL string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("telephony: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrCarrier, method, rawURL, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("telephony: decode response: %w", err)
	}
	return nil
}
