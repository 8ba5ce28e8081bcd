package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/voxnote/bot/internal/client"
	"github.com/voxnote/bot/internal/model"
	"github.com/voxnote/bot/internal/service"
	"github.com/voxnote/bot/internal/stats"
	"github.com/voxnote/bot/internal/timeout"
	"github.com/voxnote/bot/pkg/textsplit"
)

// StageError is a failed Download, Transcode or Transcribe stage.
type StageError struct {
	Stage model.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Transcoder normalizes media into a WAV file inside outDir.
type Transcoder interface {
	ToWAV(ctx context.Context, inputPath, outDir string) (string, error)
}

// Notifier receives job stage updates.
type Notifier interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, stage model.Stage)
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID string, code, message string)
}

// Options are the per-process knobs of the worker.
type Options struct {
	Identity      string
	ScratchDir    string
	MaxFileBytes  int64
	MaxMessageLen int
	RetryAttempts int
	RetryDelay    time.Duration
}

// TranscribeWorker runs admitted jobs through
// announce, download, transcode, transcribe, deliver and record.
type TranscribeWorker struct {
	jobs       *service.JobService
	store      *stats.Store
	estimator  *timeout.Estimator
	files      client.FileSource
	messenger  client.Messenger
	transcoder Transcoder
	asr        client.Transcriber
	hub        Notifier
	opts       Options
	log        *logrus.Entry
	now        func() time.Time
}

// NewTranscribeWorker creates a new transcription worker
func NewTranscribeWorker(
	jobs *service.JobService,
	store *stats.Store,
	estimator *timeout.Estimator,
	files client.FileSource,
	messenger client.Messenger,
	transcoder Transcoder,
	asr client.Transcriber,
	hub Notifier,
	opts Options,
	log *logrus.Entry,
) *TranscribeWorker {
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = textsplit.DefaultMaxLen
	}
	return &TranscribeWorker{
		jobs:       jobs,
		store:      store,
		estimator:  estimator,
		files:      files,
		messenger:  messenger,
		transcoder: transcoder,
		asr:        asr,
		hub:        hub,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}
}

// Process runs one job to completion. The outcome is always recorded and
// the scratch directory is always removed.
func (w *TranscribeWorker) Process(ctx context.Context, jobID string, req *model.JobRequest) error {
	log := w.log.WithFields(logrus.Fields{
		"job_id":  jobID,
		"chat_id": req.ChatID,
		"kind":    req.Kind,
	})
	log.Info("Starting transcription job")

	start := w.now()
	outcome := model.JobOutcome{
		SizeBytes:   req.SizeBytes,
		DurationSec: req.DurationSec,
	}

	w.announce(ctx, jobID, req, log)

	text, err := w.run(ctx, jobID, req, &outcome, log)
	if err != nil {
		outcome.Error = err.Error()
		outcome.TotalMs = w.elapsedMs(start)
		w.record(ctx, jobID, outcome, log)

		reply := service.MsgFailed
		var vErr *service.ValidationError
		if errors.As(err, &vErr) {
			reply = vErr.Reason
		}
		w.send(ctx, req.ChatID, reply, log)

		w.failJob(ctx, jobID, err, log)
		return err
	}

	chunks := w.deliver(ctx, jobID, req.ChatID, text, log)
	outcome.Success = true
	outcome.TotalMs = w.elapsedMs(start)
	w.record(ctx, jobID, outcome, log)

	if err := w.jobs.Complete(ctx, jobID, chunks); err != nil {
		log.WithError(err).Warn("Failed to mark job complete")
	}
	w.hub.BroadcastComplete(jobID, model.JobResult{
		Chunks:     chunks,
		Characters: len([]rune(text)),
		TotalMs:    *outcome.TotalMs,
		NoSpeech:   strings.TrimSpace(text) == "",
	})
	log.WithField("total_ms", *outcome.TotalMs).Info("Transcription job completed")
	return nil
}

// run executes the stages that can fail the job and returns the transcript.
func (w *TranscribeWorker) run(ctx context.Context, jobID string, req *model.JobRequest, outcome *model.JobOutcome, log *logrus.Entry) (string, error) {
	dir, err := os.MkdirTemp(w.opts.ScratchDir, "job-*")
	if err != nil {
		return "", &StageError{Stage: model.StageDownload, Err: fmt.Errorf("create scratch dir: %w", err)}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).Warn("Failed to remove scratch dir")
		}
	}()

	hints := w.store.TimingHints(ctx, w.opts.Identity)

	w.updateStage(ctx, jobID, model.StageDownload, log)
	t0 := w.now()
	inputPath, err := w.download(ctx, req, dir, hints, outcome)
	if err != nil {
		var vErr *service.ValidationError
		if errors.As(err, &vErr) {
			return "", err
		}
		return "", &StageError{Stage: model.StageDownload, Err: err}
	}
	outcome.DownloadMs = w.elapsedMs(t0)

	w.updateStage(ctx, jobID, model.StageTranscode, log)
	t0 = w.now()
	wavPath, err := w.transcoder.ToWAV(ctx, inputPath, dir)
	if err != nil {
		return "", &StageError{Stage: model.StageTranscode, Err: err}
	}
	outcome.ConvertMs = w.elapsedMs(t0)

	w.updateStage(ctx, jobID, model.StageTranscribe, log)
	audio, err := os.ReadFile(wavPath)
	if err != nil {
		return "", &StageError{Stage: model.StageTranscribe, Err: fmt.Errorf("read wav: %w", err)}
	}
	limit := w.estimator.TranscribeTimeout(req.DurationSec, hints)
	transcript, asrMs, err := w.transcribe(ctx, audio, limit, log)
	if err != nil {
		return "", &StageError{Stage: model.StageTranscribe, Err: err}
	}
	outcome.AsrMs = &asrMs

	return transcript.Text, nil
}

func (w *TranscribeWorker) download(ctx context.Context, req *model.JobRequest, dir string, hints model.TimingHints, outcome *model.JobOutcome) (string, error) {
	limit := w.estimator.DownloadTimeout(req.SizeBytes, hints)
	resolveCtx, cancel := context.WithTimeout(ctx, limit)
	file, err := w.files.GetFile(resolveCtx, req.FileID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("resolve file: %w", err)
	}

	// the declared size may be missing; the resolved one can still scale the timeout
	if _, ok := model.PositiveInt(req.SizeBytes); !ok && file.FileSize > 0 {
		limit = w.estimator.DownloadTimeout(&file.FileSize, hints)
	}

	inputPath := filepath.Join(dir, "input"+req.InputExtension())
	f, err := os.Create(inputPath)
	if err != nil {
		return "", fmt.Errorf("create input file: %w", err)
	}
	defer f.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	n, err := w.files.Download(fetchCtx, file, f, w.opts.MaxFileBytes)
	if errors.Is(err, client.ErrFileTooLarge) {
		return "", &service.ValidationError{Reason: service.TooLargeMessage(w.opts.MaxFileBytes)}
	}
	if err != nil {
		return "", err
	}
	if n > 0 {
		outcome.SizeBytes = &n
	}
	return inputPath, nil
}

// transcribe calls the backend with the retry policy. Each attempt gets the
// full timeout; asrMs covers only the successful attempt.
func (w *TranscribeWorker) transcribe(ctx context.Context, audio []byte, limit time.Duration, log *logrus.Entry) (*client.Transcript, float64, error) {
	var transcript *client.Transcript
	var asrMs float64
	attempt := 0

	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		t0 := w.now()
		res, err := w.asr.Transcribe(attemptCtx, audio)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("attempt %d timed out after %s: %w", attempt, limit, err)
			}
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		asrMs = float64(w.now().Sub(t0)) / float64(time.Millisecond)
		transcript = res
		return nil
	}

	policy := backoff.WithContext(newRetryPolicy(w.opts.RetryAttempts, w.opts.RetryDelay), ctx)
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt,
			"retry_in": wait.String(),
		}).Warn("Transcription attempt failed")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, 0, err
	}
	return transcript, asrMs, nil
}

// deliver sends the transcript in chunks and returns how many were sent.
// Send failures are logged, not retried.
func (w *TranscribeWorker) deliver(ctx context.Context, jobID string, chatID int64, text string, log *logrus.Entry) int {
	w.updateStage(ctx, jobID, model.StageDeliver, log)

	if strings.TrimSpace(text) == "" {
		w.send(ctx, chatID, service.MsgNoSpeech, log)
		return 0
	}

	chunks := textsplit.Split(text, w.opts.MaxMessageLen)
	for i, chunk := range chunks {
		if err := w.messenger.SendMessage(ctx, chatID, chunk); err != nil {
			log.WithError(err).WithField("chunk", i).Error("Failed to deliver transcript")
			return i
		}
	}
	return len(chunks)
}

func (w *TranscribeWorker) announce(ctx context.Context, jobID string, req *model.JobRequest, log *logrus.Entry) {
	w.updateStage(ctx, jobID, model.StageAnnounce, log)

	text := service.MsgProcessing
	if eta := w.etaText(ctx, req); eta != "" {
		text += "\n" + eta
	}
	w.send(ctx, req.ChatID, text, log)
}

// etaText never fails the job; a panic in the estimate is swallowed.
func (w *TranscribeWorker) etaText(ctx context.Context, req *model.JobRequest) (text string) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Warn("ETA unavailable")
			text = ""
		}
	}()
	if eta := w.store.ETA(ctx, w.opts.Identity, req.DurationSec); eta != nil {
		return eta.Text()
	}
	return ""
}

func (w *TranscribeWorker) record(ctx context.Context, jobID string, outcome model.JobOutcome, log *logrus.Entry) {
	w.updateStage(ctx, jobID, model.StageRecord, log)
	if err := w.store.RecordJob(ctx, w.opts.Identity, outcome); err != nil {
		log.WithError(err).Warn("Failed to record stats")
	}
}

func (w *TranscribeWorker) send(ctx context.Context, chatID int64, text string, log *logrus.Entry) {
	if err := w.messenger.SendMessage(ctx, chatID, text); err != nil {
		log.WithError(err).Warn("Failed to send message")
	}
}

func (w *TranscribeWorker) updateStage(ctx context.Context, jobID string, stage model.Stage, log *logrus.Entry) {
	log.WithField("stage", stage).Debug("Stage started")
	if err := w.jobs.UpdateStage(ctx, jobID, stage); err != nil {
		log.WithError(err).Warn("Failed to update job stage")
	}
	w.hub.BroadcastProgress(jobID, model.StageProgress[stage], model.JobStatusRunning, stage)
}

func (w *TranscribeWorker) failJob(ctx context.Context, jobID string, err error, log *logrus.Entry) {
	log.WithError(err).Error("Transcription job failed")
	if fErr := w.jobs.Fail(ctx, jobID, err.Error()); fErr != nil {
		log.WithError(fErr).Warn("Failed to mark job as failed")
	}

	code := "TRANSCRIPTION_FAILED"
	var sErr *StageError
	if errors.As(err, &sErr) {
		code = strings.ToUpper(string(sErr.Stage)) + "_FAILED"
	}
	w.hub.BroadcastError(jobID, code, service.MsgFailed)
}

func (w *TranscribeWorker) elapsedMs(since time.Time) *float64 {
	ms := float64(w.now().Sub(since)) / float64(time.Millisecond)
	return &ms
}
