package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voxnote/bot/internal/model"
)

const bytesPerMB = 1024 * 1024

// Store owns the in-memory stats document and its durable copy. The document
// is loaded on first use and written back in full after every update.
type Store struct {
	backend Backend
	// identity receives legacy single-model data during migration
	identity string
	log      *logrus.Entry
	now      func() time.Time

	mu   sync.Mutex
	file *model.StatsFile
}

func NewStore(backend Backend, identity string, log *logrus.Entry) *Store {
	return &Store{
		backend:  backend,
		identity: identity,
		log:      log,
		now:      time.Now,
	}
}

// Identity is the backend identity key legacy data is migrated under.
func (s *Store) Identity() string {
	return s.identity
}

// loadLocked returns the cached document, reading and migrating the durable
// copy on first call. Callers hold s.mu.
func (s *Store) loadLocked(ctx context.Context) *model.StatsFile {
	if s.file != nil {
		return s.file
	}

	data, err := s.backend.Load(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Stats unreadable, starting empty")
		s.file = model.NewStatsFile()
		return s.file
	}

	file, migrated := decode(data, s.identity)
	s.file = file
	if migrated {
		s.log.WithField("backend", s.backend.String()).Info("Migrated stats to current schema")
		if err := s.saveLocked(ctx); err != nil {
			s.log.WithError(err).Warn("Failed to persist migrated stats")
		}
	}
	return s.file
}

func (s *Store) saveLocked(ctx context.Context) error {
	data, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return s.backend.Save(ctx, data)
}

// Load forces the lazy load, so migration happens before the first job.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
}

// RecordJob folds one outcome into the stats for key and persists the
// document. The in-memory update always happens; the returned error only
// reports a failed write.
func (s *Store) RecordJob(ctx context.Context, key string, outcome model.JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.loadLocked(ctx)
	ms, ok := file.Models[key]
	if !ok {
		ms = &model.ModelStats{}
		file.Models[key] = ms
	}
	apply(ms, outcome, s.now())

	if err := s.saveLocked(ctx); err != nil {
		return fmt.Errorf("persist stats: %w", err)
	}
	return nil
}

func apply(ms *model.ModelStats, o model.JobOutcome, at time.Time) {
	ms.TotalJobs++
	if o.Success {
		ms.SuccessJobs++
		ms.LastError = ""
	} else {
		ms.FailedJobs++
		if o.Error != "" {
			ms.LastError = o.Error
		}
	}
	at = at.UTC()
	ms.LastJobAt = &at

	n := ms.TotalJobs
	if v, ok := duration(o.TotalMs); ok {
		ms.AvgTotalMs = mean(ms.AvgTotalMs, v, n)
	}
	if v, ok := duration(o.DownloadMs); ok {
		ms.AvgDownloadMs = mean(ms.AvgDownloadMs, v, n)
	}
	if v, ok := duration(o.ConvertMs); ok {
		ms.AvgConvertMs = mean(ms.AvgConvertMs, v, n)
	}
	if v, ok := duration(o.AsrMs); ok {
		ms.AvgAsrMs = mean(ms.AvgAsrMs, v, n)
	}

	if asr, ok := duration(o.AsrMs); ok {
		if sec, ok := model.PositiveFloat(o.DurationSec); ok {
			ms.AsrRateSamples++
			ms.AvgAsrMsPerAudioSec = mean(ms.AvgAsrMsPerAudioSec, asr/sec, ms.AsrRateSamples)
		}
	}
	if dl, ok := duration(o.DownloadMs); ok {
		if size, ok := model.PositiveInt(o.SizeBytes); ok {
			mb := float64(size) / bytesPerMB
			ms.DownloadRateSamples++
			ms.AvgDownloadMsPerMb = mean(ms.AvgDownloadMsPerMb, dl/mb, ms.DownloadRateSamples)
		}
	}
}

// duration accepts a present, finite, non-negative stage duration.
func duration(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return 0, false
	}
	return *v, true
}

func mean(avg, value float64, n int) float64 {
	return avg + (value-avg)/float64(n)
}

// Section is one backend identity with at least one recorded job.
type Section struct {
	Key   string           `json:"key"`
	Stats model.ModelStats `json:"stats"`
}

// Sections returns copies of every key with jobs, sorted by key.
func (s *Store) Sections(ctx context.Context) []Section {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.loadLocked(ctx)
	out := make([]Section, 0, len(file.Models))
	for k, ms := range file.Models {
		if ms.TotalJobs == 0 {
			continue
		}
		out = append(out, Section{Key: k, Stats: *ms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// TimingHints returns the learned rates for key, zero-valued when unknown.
func (s *Store) TimingHints(ctx context.Context, key string) model.TimingHints {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.loadLocked(ctx).Models[key]
	if !ok {
		return model.TimingHints{}
	}
	return model.TimingHints{
		AsrMsPerAudioSec:    ms.AvgAsrMsPerAudioSec,
		AsrRateSamples:      ms.AsrRateSamples,
		DownloadMsPerMb:     ms.AvgDownloadMsPerMb,
		DownloadRateSamples: ms.DownloadRateSamples,
	}
}
