package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"encoding/json"
)

var ErrUnsupportedFileType = errors.New("agent: unsupported file type")

// Client talks to the remote agent service. All operations take the
// local user id stringified; chat ids are the ids the agent service
// assigned, not local chat ids.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Streamer is the slice of the client the orchestrator consumes.
type Streamer interface {
	StreamAsk(ctx context.Context, userID, chatID, message, model string, tools []string, includeLogs bool) <-chan Event
}

type ChatCreator interface {
	CreateChat(ctx context.Context, userID, name string) (string, error)
}

func (c *Client) doJSON(req *http.Request) (map[string]any, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("agent: %s", msg)
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// CreateChat registers a chat with the agent service and returns its id.
func (c *Client) CreateChat(ctx context.Context, userID, name string) (string, error) {
	form := url.Values{}
	form.Set("chat_name", name)

	endpoint := fmt.Sprintf("%s/users/%s/chats", c.BaseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	decoded, err := c.doJSON(req)
	if err != nil {
		return "", err
	}
	if id, ok := decoded["chat_id"].(string); ok && id != "" {
		return id, nil
	}
	if id, ok := decoded["id"].(string); ok && id != "" {
		return id, nil
	}
	return "", errors.New("agent: create chat response missing chat id")
}

func (c *Client) ListChats(ctx context.Context, userID string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/users/%s/chats", c.BaseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.doJSON(req)
}

func (c *Client) DeleteChat(ctx context.Context, userID, chatID string) error {
	endpoint := fmt.Sprintf("%s/users/%s/chats/%s", c.BaseURL, url.PathEscape(userID), url.PathEscape(chatID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	_, err = c.doJSON(req)
	return err
}

func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	decoded, err := c.doJSON(req)
	if err != nil {
		return nil, err
	}
	raw, _ := decoded["tools"].([]any)
	tools := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			tools = append(tools, s)
		}
	}
	return tools, nil
}

// uploadEndpoint routes a lower-cased file extension to the agent
// upload endpoint that understands it.
func (c *Client) uploadEndpoint(fileType string) (string, error) {
	switch strings.ToLower(fileType) {
	case "pdf":
		return c.BaseURL + "/upload/pdf", nil
	case "jpg", "jpeg", "png", "gif", "webp":
		return c.BaseURL + "/upload/image", nil
	case "docx":
		return c.BaseURL + "/upload/docx", nil
	case "xlsx", "xls":
		return c.BaseURL + "/upload/xlsx", nil
	case "csv", "txt":
		// plain text rides the csv endpoint
		return c.BaseURL + "/upload/csv", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, fileType)
	}
}

type UploadResult struct {
	FileID string
	Status string
}

func (c *Client) UploadFile(ctx context.Context, userID, chatID string, data []byte, filename, fileType string) (UploadResult, error) {
	endpoint, err := c.uploadEndpoint(fileType)
	if err != nil {
		return UploadResult{}, err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, err
	}
	_ = w.WriteField("user_id", userID)
	_ = w.WriteField("chat_id", chatID)
	if err := w.Close(); err != nil {
		return UploadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	decoded, err := c.doJSON(req)
	if err != nil {
		return UploadResult{}, err
	}
	out := UploadResult{}
	if id, ok := decoded["file_id"].(string); ok {
		out.FileID = id
	}
	if st, ok := decoded["status"].(string); ok {
		out.Status = st
	}
	return out, nil
}

// StreamAsk opens the agent's streaming ask endpoint and decodes it into
// a finite event sequence. The channel is closed when the upstream
// completes; transport failures arrive as a single synthetic error
// event rather than an error return, so callers handle exactly one
// failure shape.
func (c *Client) StreamAsk(ctx context.Context, userID, chatID, message, model string, tools []string, includeLogs bool) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		form := url.Values{}
		form.Set("q", message)
		form.Set("user_id", userID)
		form.Set("chat_id", chatID)
		form.Set("logs", strconv.FormatBool(includeLogs))
		if model != "" {
			form.Set("model", model)
		}
		if len(tools) > 0 {
			form.Set("include_tools", strings.Join(tools, ","))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/ask_stream", strings.NewReader(form.Encode()))
		if err != nil {
			out <- ErrorEvent("request build failed: " + err.Error())
			return
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		// streaming responses can run long; the ctx bounds the call
		client := &http.Client{Timeout: 0, Transport: c.HTTP.Transport}

		resp, err := client.Do(req)
		if err != nil {
			out <- ErrorEvent("agent unreachable: " + err.Error())
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
			msg := strings.TrimSpace(string(body))
			if msg == "" {
				msg = fmt.Sprintf("status %d", resp.StatusCode)
			}
			out <- ErrorEvent("agent error: " + msg)
			return
		}

		// the remote answers either NDJSON or SSE; pick the decoder
		// once from the declared content type
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			decodeNDJSON(resp.Body, out)
			return
		}
		decodeSSE(resp.Body, out)
	}()

	return out
}
