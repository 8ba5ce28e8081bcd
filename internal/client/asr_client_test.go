package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxnote/bot/internal/config"
)

func TestASRClientRawMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transcribe", r.URL.Path)
		assert.Equal(t, "ru", r.URL.Query().Get("language"))
		assert.Equal(t, "transcribe", r.URL.Query().Get("task"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "RIFFDATA", string(body))

		json.NewEncoder(w).Encode(map[string]interface{}{"text": "hello", "language": "ru", "duration_sec": 1.25})
	}))
	defer srv.Close()

	c := NewASRClient(&config.ASRConfig{BaseURL: srv.URL + "/", Language: "ru"})
	out, err := c.Transcribe(context.Background(), []byte("RIFFDATA"))
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, "ru", out.Language)
	assert.InDelta(t, 1.25, out.DurationSec, 1e-9)
}

func TestASRClientOpenAIMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "json", r.FormValue("response_format"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "WAV", string(data))

		w.Write([]byte(`{"text":"from openai"}`))
	}))
	defer srv.Close()

	c := NewASRClient(&config.ASRConfig{BaseURL: srv.URL, Mode: "openai", APIKey: "sk-test", Model: "whisper-1"})
	out, err := c.Transcribe(context.Background(), []byte("WAV"))
	require.NoError(t, err)
	assert.Equal(t, "from openai", out.Text)
}

func TestASRClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"empty body"}`))
	}))
	defer srv.Close()

	c := NewASRClient(&config.ASRConfig{BaseURL: srv.URL})
	_, err := c.Transcribe(context.Background(), nil)

	var sErr *StatusError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, http.StatusBadRequest, sErr.StatusCode)
	assert.Contains(t, sErr.Body, "empty body")
}

func TestASRClientResolveIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"ok":true,"model":"small","device":"cpu","compute_type":"int8"}`))
	}))
	defer srv.Close()

	c := NewASRClient(&config.ASRConfig{BaseURL: srv.URL, Model: "ignored"})
	id, err := c.ResolveIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "raw:small:cpu:int8", id)

	c = NewASRClient(&config.ASRConfig{BaseURL: srv.URL, Identity: "pinned"})
	id, err = c.ResolveIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pinned", id)
}

func TestASRClientResolveIdentityFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewASRClient(&config.ASRConfig{BaseURL: srv.URL, Mode: "OpenAI", Model: "whisper-1"})
	id, err := c.ResolveIdentity(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "openai:whisper-1", id)
}
