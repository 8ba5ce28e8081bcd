package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/voxnote/bot/internal/auth"
	"github.com/voxnote/bot/internal/client"
	"github.com/voxnote/bot/internal/config"
	"github.com/voxnote/bot/internal/handler"
	"github.com/voxnote/bot/internal/logger"
	"github.com/voxnote/bot/internal/middleware"
	"github.com/voxnote/bot/internal/queue"
	"github.com/voxnote/bot/internal/server"
	"github.com/voxnote/bot/internal/service"
	"github.com/voxnote/bot/internal/stats"
	"github.com/voxnote/bot/internal/timeout"
	"github.com/voxnote/bot/internal/worker"
	ws "github.com/voxnote/bot/internal/websocket"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testWebhookSecret = "hook-secret"
	testBotToken      = "123:abc"
)

// fakeTelegram stands in for the Bot API: getFile, file download and
// sendMessage.
type fakeTelegram struct {
	*httptest.Server

	mu   sync.Mutex
	sent []string
}

func newFakeTelegram(t *testing.T, media []byte) *fakeTelegram {
	t.Helper()
	tg := &fakeTelegram{}
	mux := http.NewServeMux()
	mux.HandleFunc("/bot"+testBotToken+"/getFile", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FileID string `json:"file_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, map[string]interface{}{
			"ok":     true,
			"result": map[string]interface{}{"file_id": req.FileID, "file_size": len(media), "file_path": "voice/" + req.FileID + ".oga"},
		})
	})
	mux.HandleFunc("/file/bot"+testBotToken+"/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(media)
	})
	mux.HandleFunc("/bot"+testBotToken+"/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		tg.mu.Lock()
		tg.sent = append(tg.sent, req.Text)
		tg.mu.Unlock()
		writeJSON(w, map[string]interface{}{"ok": true, "result": map[string]interface{}{"message_id": 1}})
	})
	tg.Server = httptest.NewServer(mux)
	t.Cleanup(tg.Close)
	return tg
}

func (tg *fakeTelegram) messages() []string {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return append([]string(nil), tg.sent...)
}

// fakeASR implements the raw /transcribe protocol and /health.
type fakeASR struct {
	*httptest.Server
	calls atomic.Int32
}

func newFakeASR(t *testing.T, text string) *fakeASR {
	t.Helper()
	asr := &fakeASR{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"ok": true, "model": "small", "device": "cpu", "compute_type": "int8"})
	})
	mux.HandleFunc("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		asr.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			http.Error(w, `{"detail":"empty body"}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]interface{}{"text": text, "language": "en", "duration_sec": 3.5})
	})
	asr.Server = httptest.NewServer(mux)
	t.Cleanup(asr.Close)
	return asr
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// copyTranscoder skips ffmpeg and hands the input through as audio.wav.
type copyTranscoder struct{}

func (copyTranscoder) ToWAV(_ context.Context, inputPath, outDir string) (string, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return "", err
	}
	out := filepath.Join(outDir, "audio.wav")
	return out, os.WriteFile(out, data, 0o644)
}

// testApp holds the wired application and its fakes.
type testApp struct {
	app      *fiber.App
	queue    *queue.Queue
	store    *stats.Store
	jobs     *service.JobService
	telegram *fakeTelegram
	asr      *fakeASR
}

// setupApp wires the app the way main does, against fake Telegram and
// transcription servers and without redis or object storage.
func setupApp(t *testing.T, transcript string) *testApp {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := logger.Discard()
	tg := newFakeTelegram(t, []byte("OggS fake voice payload"))
	asrServer := newFakeASR(t, transcript)

	telegram := client.NewTelegramClient(&config.TelegramConfig{BotToken: testBotToken, APIBaseURL: tg.URL})
	asr := client.NewASRClient(&config.ASRConfig{BaseURL: asrServer.URL, Mode: "raw", Model: "small"})
	identity, err := asr.ResolveIdentity(ctx)
	if err != nil {
		t.Fatalf("resolve identity: %v", err)
	}

	store := stats.NewStore(stats.NewFileBackend(filepath.Join(t.TempDir(), "stats.json")), identity, log)
	store.Load(ctx)

	jobQueue := queue.New(1, 5, log)
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	jobs := service.NewJobService(nil, log)
	rateLimiter := middleware.NewRateLimiter(nil)
	estimator := &timeout.Estimator{
		Download:   timeout.Params{Base: 5 * time.Second, Max: 10 * time.Second, FallbackRate: 2000, Multiplier: 3},
		Transcribe: timeout.Params{Base: 5 * time.Second, Max: 10 * time.Second, FallbackRate: 1000, Multiplier: 2},
	}
	limits := config.LimitsConfig{MaxDurationSec: 600, MaxFileBytes: 1024 * 1024, MaxMessageLen: 4000}

	transcribeWorker := worker.NewTranscribeWorker(jobs, store, estimator, telegram, telegram, copyTranscoder{}, asr, hub,
		worker.Options{
			Identity:      identity,
			ScratchDir:    t.TempDir(),
			MaxFileBytes:  limits.MaxFileBytes,
			MaxMessageLen: limits.MaxMessageLen,
			RetryAttempts: 2,
			RetryDelay:    10 * time.Millisecond,
		}, log)
	intake := service.NewIntakeService(limits, 0, validator.New(), jobs, jobQueue, transcribeWorker, telegram, rateLimiter, log)

	verifier := auth.NewHMACVerifier(testJWTSecret)
	app := server.New(server.Deps{
		Webhook:     handler.NewWebhookHandler(intake, testWebhookSecret, log),
		Health:      handler.NewHealthHandler(identity, jobQueue, log),
		Jobs:        handler.NewJobHandler(jobs, jobQueue),
		Stats:       handler.NewStatsHandler(store, nil, validator.New(), log),
		Auth:        handler.NewAuthHandler(verifier),
		APIAuth:     middleware.Authenticate(verifier),
		RateLimiter: rateLimiter,
		Hub:         hub,
	}, server.Options{APIPerMin: 10000})

	return &testApp{app: app, queue: jobQueue, store: store, jobs: jobs, telegram: tg, asr: asrServer}
}

// drain waits for every admitted job to finish.
func (ta *testApp) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ta.queue.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

// generateToken creates an operator token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.NewHMACVerifier(testJWTSecret).Issue("test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

func voiceUpdate(updateID int, fileID string, durationSec int) string {
	return fmt.Sprintf(`{
		"update_id": %d,
		"message": {
			"message_id": %d,
			"from": {"id": 42, "username": "tester"},
			"chat": {"id": 4242},
			"voice": {"file_id": %q, "duration": %d, "file_size": 23, "mime_type": "audio/ogg"}
		}
	}`, updateID, updateID, fileID, durationSec)
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
}

func postWebhook(t *testing.T, app *fiber.App, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(app, http.MethodPost, "/telegram/webhook", body, map[string]string{
		"X-Telegram-Bot-Api-Secret-Token": testWebhookSecret,
	})
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
