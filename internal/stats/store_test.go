package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxnote/bot/internal/client"
	"github.com/voxnote/bot/internal/logger"
	"github.com/voxnote/bot/internal/model"
	"github.com/xuri/excelize/v2"
)

const testKey = "raw:small:cpu:int8"

func newFileStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "stats.json")
	return NewStore(NewFileBackend(path), testKey, logger.Discard()), path
}

func readFile(t *testing.T, path string) model.StatsFile {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file model.StatsFile
	require.NoError(t, json.Unmarshal(data, &file))
	return file
}

func TestRecordJobRunningMean(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	values := []float64{1200, 800, 4000, 10, 2500.5}
	sum := 0.0
	for i, v := range values {
		require.NoError(t, store.RecordJob(ctx, testKey, model.JobOutcome{Success: true, TotalMs: model.Float64(v)}))
		sum += v

		sections := store.Sections(ctx)
		require.Len(t, sections, 1)
		assert.Equal(t, i+1, sections[0].Stats.TotalJobs)
		assert.InDelta(t, sum/float64(i+1), sections[0].Stats.AvgTotalMs, 1e-9)
	}
}

func TestRecordJobRateSamplesOnlyForValidMagnitudes(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	outcomes := []model.JobOutcome{
		{Success: true, AsrMs: model.Float64(3000), DurationSec: model.Float64(30)},          // 100
		{Success: true, AsrMs: model.Float64(5000), DurationSec: model.Float64(0)},           // skipped
		{Success: true, AsrMs: model.Float64(5000), DurationSec: model.Float64(-3)},          // skipped
		{Success: true, AsrMs: model.Float64(5000), DurationSec: model.Float64(math.NaN())},  // skipped
		{Success: true, AsrMs: model.Float64(5000), DurationSec: model.Float64(math.Inf(1))}, // skipped
		{Success: true, AsrMs: model.Float64(5000)},                                          // skipped
		{Success: true, AsrMs: model.Float64(6000), DurationSec: model.Float64(20)},          // 300
		{Success: true, DownloadMs: model.Float64(1000), SizeBytes: model.Int64(2 * bytesPerMB)},
		{Success: true, DownloadMs: model.Float64(1000), SizeBytes: model.Int64(0)},
		{Success: true, DownloadMs: model.Float64(1000)},
	}
	for _, o := range outcomes {
		require.NoError(t, store.RecordJob(ctx, testKey, o))
	}

	hints := store.TimingHints(ctx, testKey)
	assert.Equal(t, 2, hints.AsrRateSamples)
	assert.InDelta(t, 200.0, hints.AsrMsPerAudioSec, 1e-9)
	assert.Equal(t, 1, hints.DownloadRateSamples)
	assert.InDelta(t, 500.0, hints.DownloadMsPerMb, 1e-9)
}

func TestRecordJobErrorBookkeeping(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordJob(ctx, testKey, model.JobOutcome{Success: false, Error: "asr 503"}))
	require.NoError(t, store.RecordJob(ctx, testKey, model.JobOutcome{Success: false}))

	ms := store.Sections(ctx)[0].Stats
	assert.Equal(t, 2, ms.FailedJobs)
	assert.Equal(t, "asr 503", ms.LastError)
	require.NotNil(t, ms.LastJobAt)

	require.NoError(t, store.RecordJob(ctx, testKey, model.JobOutcome{Success: true}))
	ms = store.Sections(ctx)[0].Stats
	assert.Equal(t, 1, ms.SuccessJobs)
	assert.Empty(t, ms.LastError)
}

func TestRecordJobPersistsEveryUpdate(t *testing.T) {
	store, path := newFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordJob(ctx, testKey, model.JobOutcome{Success: true, TotalMs: model.Float64(100)}))
	file := readFile(t, path)
	assert.Equal(t, model.StatsSchemaVersion, file.Version)
	assert.Equal(t, 1, file.Models[testKey].TotalJobs)

	require.NoError(t, store.RecordJob(ctx, "openai:whisper-1", model.JobOutcome{Success: true}))
	file = readFile(t, path)
	assert.Len(t, file.Models, 2)

	// a fresh store reads back the same document
	reloaded := NewStore(NewFileBackend(path), testKey, logger.Discard())
	assert.Len(t, reloaded.Sections(ctx), 2)
}

func TestRecordJobConcurrentWriters(t *testing.T) {
	store, path := newFileStore(t)
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := model.JobOutcome{Success: i%4 != 0, TotalMs: model.Float64(float64(100 * (i + 1)))}
			if !o.Success {
				o.Error = "asr timed out"
			}
			assert.NoError(t, store.RecordJob(ctx, testKey, o))
		}(i)
	}
	wg.Wait()

	// mean of 100, 200, ..., 3200
	wantAvg := 100 * float64(writers+1) / 2

	sections := store.Sections(ctx)
	require.Len(t, sections, 1)
	got := sections[0].Stats
	assert.Equal(t, writers, got.TotalJobs)
	assert.Equal(t, writers*3/4, got.SuccessJobs)
	assert.Equal(t, writers/4, got.FailedJobs)
	assert.InDelta(t, wantAvg, got.AvgTotalMs, 1e-6)

	file := readFile(t, path)
	require.Contains(t, file.Models, testKey)
	assert.Equal(t, writers, file.Models[testKey].TotalJobs)
	assert.Equal(t, writers/4, file.Models[testKey].FailedJobs)
	assert.InDelta(t, wantAvg, file.Models[testKey].AvgTotalMs, 1e-6)
}

func TestLoadMalformedFallsBackToEmpty(t *testing.T) {
	for name, content := range map[string]string{
		"garbage":     "{not json",
		"array":       "[1,2,3]",
		"wrong types": `{"version":2,"models":{"k":{"totalJobs":"many"}}}`,
		"unknown":     `{"hello":"world"}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "stats.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			store := NewStore(NewFileBackend(path), testKey, logger.Discard())
			assert.Empty(t, store.Sections(context.Background()))
			assert.Nil(t, store.ETA(context.Background(), testKey, nil))
		})
	}
}

func TestLoadMigratesLegacyFlatSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	legacy := `{"totalJobs":4,"successJobs":3,"failedJobs":1,"avgTotalMs":2000,"lastError":"boom","someOldField":true}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	store := NewStore(NewFileBackend(path), testKey, logger.Discard())
	store.Load(context.Background())

	// migrated document is on disk before any job is recorded
	file := readFile(t, path)
	assert.Equal(t, model.StatsSchemaVersion, file.Version)
	require.Contains(t, file.Models, testKey)
	assert.Equal(t, 4, file.Models[testKey].TotalJobs)
	assert.Equal(t, "boom", file.Models[testKey].LastError)

	require.NoError(t, store.RecordJob(context.Background(), testKey, model.JobOutcome{Success: true, TotalMs: model.Float64(7000)}))
	ms := store.Sections(context.Background())[0].Stats
	assert.Equal(t, 5, ms.TotalJobs)
	assert.InDelta(t, 3000.0, ms.AvgTotalMs, 1e-9)
}

func TestLoadMigratesLegacyKeyedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	legacy := `{"version":1,"models":{"old-key":{"totalJobs":2,"avgTotalMs":50},"empty":null}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	store := NewStore(NewFileBackend(path), testKey, logger.Discard())
	store.Load(context.Background())

	file := readFile(t, path)
	assert.Equal(t, model.StatsSchemaVersion, file.Version)
	assert.Equal(t, 2, file.Models["old-key"].TotalJobs)
	require.NotNil(t, file.Models["empty"])
	assert.Zero(t, file.Models["empty"].TotalJobs)

	// keys with zero jobs are not reported
	sections := store.Sections(context.Background())
	require.Len(t, sections, 1)
	assert.Equal(t, "old-key", sections[0].Key)
}

func TestCurrentSchemaIsNotRewrittenOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	current := `{"version":2,"models":{"k":{"totalJobs":1}}}`
	require.NoError(t, os.WriteFile(path, []byte(current), 0o644))

	store := NewStore(NewFileBackend(path), testKey, logger.Discard())
	store.Load(context.Background())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, current, string(data))
}

func TestETA(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	assert.Nil(t, store.ETA(ctx, testKey, model.Float64(30)))

	require.NoError(t, store.RecordJob(ctx, testKey, model.JobOutcome{Success: false, Error: "download failed"}))
	eta := store.ETA(ctx, testKey, model.Float64(30))
	require.NotNil(t, eta, "any recorded job yields an ETA")
	assert.False(t, eta.Estimated)
	assert.Equal(t, 1, eta.Jobs)

	require.NoError(t, store.RecordJob(ctx, testKey, model.JobOutcome{
		Success:     true,
		TotalMs:     model.Float64(9000),
		AsrMs:       model.Float64(6000),
		DurationSec: model.Float64(60),
	}))

	eta = store.ETA(ctx, testKey, model.Float64(30))
	require.NotNil(t, eta)
	assert.True(t, eta.Estimated)
	assert.InDelta(t, 3000.0, eta.EstimateMs, 1e-9)
	assert.Equal(t, "Estimated time: ~3s", eta.Text())

	eta = store.ETA(ctx, testKey, nil)
	require.NotNil(t, eta)
	assert.False(t, eta.Estimated)
	assert.Contains(t, eta.Text(), "over 2 jobs")
}

func TestTimingHintsUnknownKey(t *testing.T) {
	store, _ := newFileStore(t)
	assert.Equal(t, model.TimingHints{}, store.TimingHints(context.Background(), "nope"))
}

func TestSummary(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()
	assert.Equal(t, "No jobs recorded yet.", store.Summary(ctx))

	store.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, store.RecordJob(ctx, "b-model", model.JobOutcome{Success: false, Error: "timeout"}))
	require.NoError(t, store.RecordJob(ctx, "a-model", model.JobOutcome{Success: true, TotalMs: model.Float64(65000)}))

	summary := store.Summary(ctx)
	assert.Contains(t, summary, "Model: a-model")
	assert.Contains(t, summary, "Avg total: 1m 5s")
	assert.Contains(t, summary, "Last job: 2026-03-01T12:00:00Z")
	assert.Contains(t, summary, "Last error: timeout")
	assert.Less(t, bytes.Index([]byte(summary), []byte("a-model")), bytes.Index([]byte(summary), []byte("b-model")))
}

type failingBackend struct {
	saves int
}

func (f *failingBackend) Load(context.Context) ([]byte, error) { return nil, errors.New("disk gone") }
func (f *failingBackend) Save(context.Context, []byte) error {
	f.saves++
	return errors.New("read-only")
}
func (f *failingBackend) String() string { return "failing" }

func TestRecordJobSaveFailureKeepsMemoryState(t *testing.T) {
	backend := &failingBackend{}
	store := NewStore(backend, testKey, logger.Discard())
	ctx := context.Background()

	err := store.RecordJob(ctx, testKey, model.JobOutcome{Success: true, TotalMs: model.Float64(10)})
	require.Error(t, err)
	assert.Equal(t, 1, backend.saves)
	assert.Equal(t, 1, store.Sections(ctx)[0].Stats.TotalJobs)
}

type memStorage struct {
	objects map[string][]byte
}

func (m *memStorage) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.objects[key] = data
	return "https://cdn.example/" + key, nil
}

func (m *memStorage) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, client.ErrObjectNotFound
	}
	return data, nil
}

func (m *memStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func TestObjectBackendRoundTrip(t *testing.T) {
	storage := &memStorage{objects: map[string][]byte{}}
	backend := NewObjectBackend(storage, "stats/stats.json")
	ctx := context.Background()

	data, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, data)

	store := NewStore(backend, testKey, logger.Discard())
	require.NoError(t, store.RecordJob(ctx, testKey, model.JobOutcome{Success: true}))
	assert.Contains(t, string(storage.objects["stats/stats.json"]), `"totalJobs": 1`)
}

func TestWriteWorkbook(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordJob(ctx, testKey, model.JobOutcome{Success: true, TotalMs: model.Float64(1500)}))

	var buf bytes.Buffer
	require.NoError(t, store.WriteWorkbook(ctx, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue("Stats", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Model", header)

	key, err := f.GetCellValue("Stats", "A2")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	total, err := f.GetCellValue("Stats", "B2")
	require.NoError(t, err)
	assert.Equal(t, "1", total)
}

func TestFormatMs(t *testing.T) {
	assert.Equal(t, "250ms", FormatMs(250))
	assert.Equal(t, "45s", FormatMs(45000))
	assert.Equal(t, "2m 0s", FormatMs(120000))
	assert.Equal(t, "1h 1m", FormatMs(3660000))
	assert.Equal(t, "0ms", FormatMs(math.NaN()))
}
