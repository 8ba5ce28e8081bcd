package stats

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/voxnote/bot/internal/model"
)

// ETA is the pre-job estimate shown to the user. When Estimated is false
// only the historical average is known.
type ETA struct {
	Estimated  bool    `json:"estimated"`
	EstimateMs float64 `json:"estimateMs,omitempty"`
	AvgTotalMs float64 `json:"avgTotalMs"`
	Jobs       int     `json:"jobs"`
}

// Text renders the estimate for a chat message.
func (e *ETA) Text() string {
	if e.Estimated {
		return fmt.Sprintf("Estimated time: ~%s", FormatMs(e.EstimateMs))
	}
	return fmt.Sprintf("Average time: ~%s (over %d jobs)", FormatMs(e.AvgTotalMs), e.Jobs)
}

// ETA returns nil when key has no jobs. A learned transcription rate is
// used when a positive declared duration is given.
func (s *Store) ETA(ctx context.Context, key string, durationSec *float64) *ETA {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.loadLocked(ctx).Models[key]
	if !ok || ms.TotalJobs == 0 {
		return nil
	}

	eta := &ETA{AvgTotalMs: ms.AvgTotalMs, Jobs: ms.TotalJobs}
	if sec, ok := model.PositiveFloat(durationSec); ok && ms.AsrRateSamples > 0 && ms.AvgAsrMsPerAudioSec > 0 {
		eta.Estimated = true
		eta.EstimateMs = ms.AvgAsrMsPerAudioSec * sec
	}
	return eta
}

// Summary is a plain-text rollup of every key with recorded jobs.
func (s *Store) Summary(ctx context.Context) string {
	sections := s.Sections(ctx)
	if len(sections) == 0 {
		return "No jobs recorded yet."
	}

	var b strings.Builder
	for i, sec := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		ms := sec.Stats
		fmt.Fprintf(&b, "Model: %s\n", sec.Key)
		fmt.Fprintf(&b, "  Jobs: %d (ok %d, failed %d)\n", ms.TotalJobs, ms.SuccessJobs, ms.FailedJobs)
		fmt.Fprintf(&b, "  Avg total: %s\n", FormatMs(ms.AvgTotalMs))
		fmt.Fprintf(&b, "  Avg download: %s\n", FormatMs(ms.AvgDownloadMs))
		fmt.Fprintf(&b, "  Avg convert: %s\n", FormatMs(ms.AvgConvertMs))
		fmt.Fprintf(&b, "  Avg transcribe: %s\n", FormatMs(ms.AvgAsrMs))
		if ms.LastJobAt != nil {
			fmt.Fprintf(&b, "  Last job: %s\n", ms.LastJobAt.Format(time.RFC3339))
		}
		if ms.LastError != "" {
			fmt.Fprintf(&b, "  Last error: %s\n", ms.LastError)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatMs renders milliseconds as a short human duration, e.g. "1m 5s".
func FormatMs(ms float64) string {
	if math.IsNaN(ms) || ms < 0 {
		ms = 0
	}
	if ms < 1000 {
		return fmt.Sprintf("%.0fms", ms)
	}
	sec := int(math.Round(ms / 1000))
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	if sec < 3600 {
		return fmt.Sprintf("%dm %ds", sec/60, sec%60)
	}
	return fmt.Sprintf("%dh %dm", sec/3600, (sec%3600)/60)
}
