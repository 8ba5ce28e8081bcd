package model

import "time"

// StatsSchemaVersion is the version written to the stats file.
const StatsSchemaVersion = 2

// JobOutcome is the result of one job, folded into ModelStats. Stage
// durations are nil when the stage never ran.
type JobOutcome struct {
	Success     bool     `json:"success"`
	TotalMs     *float64 `json:"totalMs,omitempty"`
	DownloadMs  *float64 `json:"downloadMs,omitempty"`
	ConvertMs   *float64 `json:"convertMs,omitempty"`
	AsrMs       *float64 `json:"asrMs,omitempty"`
	SizeBytes   *int64   `json:"sizeBytes,omitempty"`
	DurationSec *float64 `json:"durationSec,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ModelStats aggregates outcomes for one backend identity. Rate averages
// have their own sample counters because not every job yields a sample.
type ModelStats struct {
	TotalJobs   int `json:"totalJobs"`
	SuccessJobs int `json:"successJobs"`
	FailedJobs  int `json:"failedJobs"`

	AvgTotalMs    float64 `json:"avgTotalMs"`
	AvgDownloadMs float64 `json:"avgDownloadMs"`
	AvgConvertMs  float64 `json:"avgConvertMs"`
	AvgAsrMs      float64 `json:"avgAsrMs"`

	AvgAsrMsPerAudioSec float64 `json:"avgAsrMsPerAudioSec"`
	AsrRateSamples      int     `json:"asrRateSamples"`
	AvgDownloadMsPerMb  float64 `json:"avgDownloadMsPerMb"`
	DownloadRateSamples int     `json:"downloadRateSamples"`

	LastError string     `json:"lastError,omitempty"`
	LastJobAt *time.Time `json:"lastJobAt,omitempty"`
}

// StatsFile is the durable container.
type StatsFile struct {
	Version int                    `json:"version"`
	Models  map[string]*ModelStats `json:"models"`
}

// NewStatsFile returns an empty file at the current schema version.
func NewStatsFile() *StatsFile {
	return &StatsFile{
		Version: StatsSchemaVersion,
		Models:  make(map[string]*ModelStats),
	}
}

// TimingHints exposes the learned rates of one ModelStats.
type TimingHints struct {
	AsrMsPerAudioSec    float64 `json:"asrMsPerAudioSec"`
	AsrRateSamples      int     `json:"asrRateSamples"`
	DownloadMsPerMb     float64 `json:"downloadMsPerMb"`
	DownloadRateSamples int     `json:"downloadRateSamples"`
}
