package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxnote/bot/internal/config"
)

const maxErrorBody = 512

// StatusError is a non-2xx HTTP response. Body is truncated.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// Transcriber turns WAV audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (*Transcript, error)
}

// Transcript is the backend response. DurationSec is the backend's own
// processing time when it reports one.
type Transcript struct {
	Text        string  `json:"text"`
	Language    string  `json:"language,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// ASRHealth is returned by GET /health of the raw backend.
type ASRHealth struct {
	OK          bool   `json:"ok"`
	Model       string `json:"model"`
	Device      string `json:"device"`
	ComputeType string `json:"compute_type"`
}

// ASRClient talks to the transcription backend. Raw mode posts the WAV as
// the request body; openai mode uses the multipart transcription API.
type ASRClient struct {
	httpClient *http.Client
	baseURL    string
	mode       string
	apiKey     string
	model      string
	language   string
	task       string
	identity   string
}

// NewASRClient creates a client. Request deadlines come from the caller's
// context, so the http.Client has no timeout of its own.
func NewASRClient(cfg *config.ASRConfig) *ASRClient {
	mode := strings.ToLower(cfg.Mode)
	if mode != "openai" {
		mode = "raw"
	}
	task := cfg.Task
	if task == "" {
		task = "transcribe"
	}
	return &ASRClient{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		mode:       mode,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		language:   cfg.Language,
		task:       task,
		identity:   cfg.Identity,
	}
}

// Transcribe sends one WAV file.
func (c *ASRClient) Transcribe(ctx context.Context, wav []byte) (*Transcript, error) {
	var req *http.Request
	var err error
	if c.mode == "openai" {
		req, err = c.multipartRequest(ctx, wav)
	} else {
		req, err = c.rawRequest(ctx, wav)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError(resp)
	}

	var out Transcript
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode transcription: %w", err)
	}
	return &out, nil
}

func (c *ASRClient) rawRequest(ctx context.Context, wav []byte) (*http.Request, error) {
	q := url.Values{}
	if c.language != "" {
		q.Set("language", c.language)
	}
	q.Set("task", c.task)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe?"+q.Encode(), bytes.NewReader(wav))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "audio/wav")
	return req, nil
}

func (c *ASRClient) multipartRequest(ctx context.Context, wav []byte) (*http.Request, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(wav); err != nil {
		return nil, err
	}
	fields := map[string]string{
		"model":           c.model,
		"language":        c.language,
		"response_format": "json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// Health queries GET /health.
func (c *ASRClient) Health(ctx context.Context) (*ASRHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp)
	}

	var h ASRHealth
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode health: %w", err)
	}
	return &h, nil
}

// ResolveIdentity returns the key stats are recorded under: the configured
// identity, else one derived from /health, else mode and model. err reports
// why /health could not be used; the returned key is always usable.
func (c *ASRClient) ResolveIdentity(ctx context.Context) (string, error) {
	if c.identity != "" {
		return c.identity, nil
	}
	fallback := c.mode + ":" + c.model

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h, err := c.Health(ctx)
	if err != nil {
		return fallback, err
	}
	if h.Model == "" {
		return fallback, nil
	}
	return strings.Join([]string{c.mode, h.Model, h.Device, h.ComputeType}, ":"), nil
}
