// Package timeout turns learned stage rates into bounded request timeouts.
package timeout

import (
	"math"
	"time"

	"github.com/voxnote/bot/internal/config"
	"github.com/voxnote/bot/internal/model"
)

// Params are the constants of one stage. FallbackRate is milliseconds per
// unit of magnitude and applies until a rate has been learned.
type Params struct {
	Base         time.Duration
	Max          time.Duration
	FallbackRate float64
	Multiplier   float64
	Buffer       time.Duration
}

func FromConfig(c config.StageTimeout) Params {
	return Params{
		Base:         c.Base,
		Max:          c.Max,
		FallbackRate: c.FallbackRate,
		Multiplier:   c.Multiplier,
		Buffer:       c.Buffer,
	}
}

// Timeout returns magnitude*rate*multiplier+buffer clamped to [Base, Max].
// A missing or non-positive magnitude yields Base.
func (p Params) Timeout(magnitude, learnedRate float64, samples int) time.Duration {
	limit := p.Max
	if limit < p.Base {
		limit = p.Base
	}

	if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) || magnitude <= 0 {
		return p.Base
	}

	rate := p.FallbackRate
	if samples > 0 && learnedRate > 0 && !math.IsInf(learnedRate, 0) {
		rate = learnedRate
	}

	estimatedMs := magnitude*rate*p.Multiplier + float64(p.Buffer.Milliseconds())
	if math.IsNaN(estimatedMs) || estimatedMs <= float64(p.Base.Milliseconds()) {
		return p.Base
	}
	if estimatedMs >= float64(limit.Milliseconds()) {
		return limit
	}
	return time.Duration(estimatedMs * float64(time.Millisecond))
}

// Estimator holds the download and transcription stage parameters.
type Estimator struct {
	Download   Params
	Transcribe Params
}

func NewEstimator(cfg config.TimeoutsConfig) *Estimator {
	return &Estimator{
		Download:   FromConfig(cfg.Download),
		Transcribe: FromConfig(cfg.Transcribe),
	}
}

// DownloadTimeout scales with file size in MB.
func (e *Estimator) DownloadTimeout(sizeBytes *int64, hints model.TimingHints) time.Duration {
	size, ok := model.PositiveInt(sizeBytes)
	if !ok {
		return e.Download.Base
	}
	mb := float64(size) / (1024 * 1024)
	return e.Download.Timeout(mb, hints.DownloadMsPerMb, hints.DownloadRateSamples)
}

// TranscribeTimeout scales with the declared audio duration in seconds.
func (e *Estimator) TranscribeTimeout(durationSec *float64, hints model.TimingHints) time.Duration {
	sec, ok := model.PositiveFloat(durationSec)
	if !ok {
		return e.Transcribe.Base
	}
	return e.Transcribe.Timeout(sec, hints.AsrMsPerAudioSec, hints.AsrRateSamples)
}
