// Package identity verifies phone-auth ID tokens against the Google
// Identity Toolkit REST API.
package identity

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

var (
	ErrDisabled     = errors.New("identity toolkit not configured")
	ErrInvalidToken = errors.New("identity token invalid")
)

const lookupURL = "https://identitytoolkit.googleapis.com/v1/accounts:lookup"

type Client struct {
	APIKey string
	HTTP   *http.Client

	// endpoint is overridable in tests
	endpoint string
}

func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:   apiKey,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		endpoint: lookupURL,
	}
}

func (c *Client) Enabled() bool { return c.APIKey != "" }

// TokenInfo is the subset of the lookup response we use.
type TokenInfo struct {
	LocalID     string
	PhoneNumber string
	Email       string
}

// VerifyIDToken resolves an ID token to the account it belongs to.
// Tokens the toolkit rejects come back as ErrInvalidToken.
func (c *Client) VerifyIDToken(ctx context.Context, idToken string) (TokenInfo, error) {
	if !c.Enabled() {
		return TokenInfo{}, ErrDisabled
	}

	body, err := json.Marshal(map[string]string{"idToken": idToken})
	if err != nil {
		return TokenInfo{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?key="+c.APIKey, bytes.NewReader(body))
	if err != nil {
		return TokenInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return TokenInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return TokenInfo{}, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return TokenInfo{}, fmt.Errorf("identity lookup: status %d: %s", resp.StatusCode, string(b))
	}

	var payload struct {
		Users []struct {
			LocalID     string `json:"localId"`
			PhoneNumber string `json:"phoneNumber"`
			Email       string `json:"email"`
		} `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return TokenInfo{}, err
	}
	if len(payload.Users) == 0 {
		return TokenInfo{}, ErrInvalidToken
	}
	u := payload.Users[0]
	return TokenInfo{LocalID: u.LocalID, PhoneNumber: u.PhoneNumber, Email: u.Email}, nil
}
