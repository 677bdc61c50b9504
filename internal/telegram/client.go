// Package telegram is a thin client for the Telegram relay service
// used as the second fallback channel. Like the SMS client, an empty
// base URL means disabled.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrDisabled = errors.New("telegram relay not configured")

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Enabled() bool { return c.BaseURL != "" }

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
		return fmt.Errorf("telegram relay %s: status %d: %s", path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SendMessage relays one outbound message to the user's phone number.
func (c *Client) SendMessage(ctx context.Context, phoneNumber, message string) error {
	return c.postJSON(ctx, "/send", map[string]string{
		"phone_number": phoneNumber,
		"message":      message,
	}, nil)
}

// VerifyRegistration reports whether the phone number has a linked
// Telegram account on the relay.
func (c *Client) VerifyRegistration(ctx context.Context, phoneNumber string) (bool, error) {
	var out struct {
		Registered bool `json:"registered"`
	}
	err := c.postJSON(ctx, "/verify", map[string]string{"phone_number": phoneNumber}, &out)
	if err != nil {
		return false, err
	}
	return out.Registered, nil
}

// ActivateFallback tells the relay to start forwarding the user's
// inbound Telegram messages to us.
func (c *Client) ActivateFallback(ctx context.Context, phoneNumber string, userID uint64) error {
	return c.postJSON(ctx, "/fallback/activate", map[string]any{
		"phone_number": phoneNumber,
		"user_id":      userID,
	}, nil)
}

func (c *Client) DeactivateFallback(ctx context.Context, phoneNumber string) error {
	return c.postJSON(ctx, "/fallback/deactivate", map[string]string{
		"phone_number": phoneNumber,
	}, nil)
}

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
		return fmt.Errorf("telegram relay health: status %d", resp.StatusCode)
	}
	return nil
}
