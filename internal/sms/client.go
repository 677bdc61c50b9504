// Package sms is a thin client for the external SMS gateway. A client
// constructed without a base URL is disabled: every call fails fast
// with ErrDisabled instead of dialing.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var ErrDisabled = errors.New("sms gateway not configured")

type Client struct {
	BaseURL string
	HTTP    *http.Client

	// longPoll is used by ReceiveMessages; the gateway holds the
	// request open until a message arrives or its own timeout fires.
	longPoll *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		HTTP:     &http.Client{Timeout: 15 * time.Second},
		longPoll: &http.Client{Timeout: 65 * time.Second},
	}
}

// Enabled reports whether the client was configured with a gateway URL.
func (c *Client) Enabled() bool { return c.BaseURL != "" }

// IncomingMessage is one SMS delivered by the gateway's receive
// endpoint.
type IncomingMessage struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
	ReceivedAt  string `json:"received_at"`
}

type SendResult struct {
	SmsID  string `json:"sms_id"`
	Status string `json:"status"`
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("sms gateway %s: status %d: %s", path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HealthCheck probes the gateway; any error means unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sms gateway health: status %d", resp.StatusCode)
	}
	return nil
}

// SendSMS sends one outbound message.
func (c *Client) SendSMS(ctx context.Context, phoneNumber, message string) (SendResult, error) {
	var out SendResult
	err := c.postJSON(ctx, "/send", map[string]string{
		"phone_number": phoneNumber,
		"message":      message,
	}, &out)
	return out, err
}

// RegisterPhone tells the gateway to route inbound messages from this
// number to us.
func (c *Client) RegisterPhone(ctx context.Context, phoneNumber string, userID uint64) error {
	return c.postJSON(ctx, "/register", map[string]any{
		"phone_number": phoneNumber,
		"user_id":      userID,
	}, nil)
}

// ReceiveMessages long-polls the gateway for inbound messages. An empty
// slice with a nil error means the poll timed out with nothing new.
func (c *Client) ReceiveMessages(ctx context.Context) ([]IncomingMessage, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/receive", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.longPoll.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("sms gateway receive: status %d: %s", resp.StatusCode, string(b))
	}

	var payload struct {
		Messages []IncomingMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// DeliveryStatus returns the gateway's status string for a sent message.
func (c *Client) DeliveryStatus(ctx context.Context, smsID string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/status/"+url.PathEscape(smsID), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sms gateway status: status %d", resp.StatusCode)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.Status, nil
}
