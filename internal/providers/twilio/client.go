package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.twilio.com"

type Client struct {
	AccountSID string
	AuthToken  string
	HTTP       *http.Client

	// From is the WhatsApp sender, e.g. "whatsapp:+14155238886".
	// MessagingServiceSID takes precedence when set.
	From                string
	MessagingServiceSID string
	BaseURL             string
}

type SendRequest struct {
	To                string
	Body              string
	MediaURL          string
	StatusCallbackURL string
}

type SendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

// CallError is a non-2xx answer (or transport failure, HTTPStatus=0) from the Messages API.
type CallError struct {
	HTTPStatus int
	Code       int
	Raw        []byte
	Err        error
}

func (e *CallError) Error() string {
	if e.HTTPStatus == 0 {
		return "twilio call failed: " + e.Err.Error()
	}
	return fmt.Sprintf("twilio send failed (http %d, code %d): %v", e.HTTPStatus, e.Code, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (SendResponse, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("Body", req.Body)
	if req.MediaURL != "" {
		form.Set("MediaUrl", req.MediaURL)
	}
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
	}
	if c.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", c.MessagingServiceSID)
	} else {
		form.Set("From", c.From)
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + c.AccountSID + "/Messages.json"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(c.AccountSID, c.AuthToken)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return SendResponse{}, &CallError{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created; treat 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ce := &CallError{HTTPStatus: resp.StatusCode, Raw: b, Err: errors.New("twilio send failed")}
		if out.Message != "" {
			ce.Err = errors.New(out.Message)
		}
		if out.ErrorCode != nil {
			ce.Code = *out.ErrorCode
		}
		return out, ce
	}
	return out, nil
}

// ShouldRetry reports whether another attempt may succeed.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ce *CallError
	if !errors.As(err, &ce) {
		return false
	}
	switch {
	case ce.HTTPStatus == http.StatusTooManyRequests, ce.HTTPStatus == http.StatusRequestTimeout:
		return true
	case ce.HTTPStatus >= 500 && ce.HTTPStatus <= 599:
		return true
	}
	return false
}

// IsRecipientError reports a 4xx rejection that is about this one message
// (bad number, not on WhatsApp, ...) rather than about the provider.
func IsRecipientError(err error) bool {
	var ce *CallError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.HTTPStatus >= 400 && ce.HTTPStatus < 500 && !ShouldRetry(err) &&
		ce.HTTPStatus != http.StatusUnauthorized && ce.HTTPStatus != http.StatusForbidden
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
