package client

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

	"github.com/voxnote/bot/internal/config"
)

// ErrFileTooLarge is returned by Download when the body exceeds maxBytes.
var ErrFileTooLarge = errors.New("file exceeds size limit")

// Messenger sends plain text to a chat.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// FileSource resolves an opaque file id and downloads its content.
type FileSource interface {
	GetFile(ctx context.Context, fileID string) (*File, error)
	Download(ctx context.Context, file *File, w io.Writer, maxBytes int64) (int64, error)
}

// File is the result of getFile.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

const defaultRequestTimeout = 15 * time.Second

// TelegramClient is a minimal Bot API client. Every request URL carries the
// bot token, so transport errors are rebuilt without it.
type TelegramClient struct {
	httpClient     *http.Client
	baseURL        string
	token          string
	requestTimeout time.Duration
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %s", e.Method, e.Description)
}

// NewTelegramClient builds the client. Method calls are bounded by
// cfg.RequestTimeout; file downloads only by the caller's context, which the
// worker sizes per file.
func NewTelegramClient(cfg *config.TelegramConfig) *TelegramClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &TelegramClient{
		httpClient:     &http.Client{},
		baseURL:        strings.TrimRight(cfg.APIBaseURL, "/"),
		token:          cfg.BotToken,
		requestTimeout: timeout,
	}
}

// SendMessage posts one plain text message.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// GetFile resolves a file id to a downloadable path.
func (c *TelegramClient) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.call(ctx, "getFile", map[string]string{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, &APIError{Method: "getFile", Description: "no file_path in response"}
	}
	return &f, nil
}

// Download streams the file into w. maxBytes <= 0 disables the limit.
func (c *TelegramClient) Download(ctx context.Context, file *File, w io.Writer, maxBytes int64) (int64, error) {
	fileURL := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, c.transportError("file download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, newStatusError(resp)
	}

	var body io.Reader = resp.Body
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, c.transportError("file download interrupted", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return n, ErrFileTooLarge
	}
	return n, nil
}

func (c *TelegramClient) call(ctx context.Context, method string, payload interface{}, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(method, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !out.OK {
		return &APIError{Method: method, Description: out.Description}
	}
	if result != nil && len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// transportError drops the request URL from err and masks any leftover
// occurrence of the token. The cause stays reachable through errors.Is.
func (c *TelegramClient) transportError(op string, err error) error {
	var uErr *url.Error
	if errors.As(err, &uErr) {
		err = uErr.Err
	}
	return &redactedError{
		msg: "telegram " + op + ": " + c.redact(err.Error()),
		err: err,
	}
}

func (c *TelegramClient) redact(s string) string {
	if c.token == "" {
		return s
	}
	return strings.ReplaceAll(s, c.token, "<redacted>")
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
