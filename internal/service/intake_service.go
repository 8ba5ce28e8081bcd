package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/voxnote/bot/internal/client"
	"github.com/voxnote/bot/internal/config"
	"github.com/voxnote/bot/internal/model"
	"github.com/voxnote/bot/internal/queue"
)

var (
	// ErrNoMedia is a silent rejection: nothing in the event can be fetched.
	ErrNoMedia = errors.New("no media to process")
	// ErrRateLimited means the sender exceeded the hourly job quota.
	ErrRateLimited = errors.New("sender rate limited")
)

// ValidationError is a policy rejection. Reason is shown to the user.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// JobProcessor runs one admitted job to completion.
type JobProcessor interface {
	Process(ctx context.Context, jobID string, req *model.JobRequest) error
}

// Submitter admits work into the queue.
type Submitter interface {
	Submit(name string, task queue.Task) (int, error)
}

// RateChecker counts events per key within a window.
type RateChecker interface {
	Allow(ctx context.Context, prefix, id string, max int, window time.Duration) (bool, error)
}

// IntakeService validates inbound media and admits it into the queue.
type IntakeService struct {
	limits      config.LimitsConfig
	jobsPerHour int
	validate    *validator.Validate
	jobs        *JobService
	queue       Submitter
	processor   JobProcessor
	messenger   client.Messenger
	limiter     RateChecker
	log         *logrus.Entry
}

func NewIntakeService(
	limits config.LimitsConfig,
	jobsPerHour int,
	validate *validator.Validate,
	jobs *JobService,
	q Submitter,
	processor JobProcessor,
	messenger client.Messenger,
	limiter RateChecker,
	log *logrus.Entry,
) *IntakeService {
	return &IntakeService{
		limits:      limits,
		jobsPerHour: jobsPerHour,
		validate:    validate,
		jobs:        jobs,
		queue:       q,
		processor:   processor,
		messenger:   messenger,
		limiter:     limiter,
		log:         log,
	}
}

// Handle classifies and validates ev, then admits it. Rejections other than
// ErrNoMedia are reported to the chat before returning.
func (s *IntakeService) Handle(ctx context.Context, ev model.InboundEvent) (*model.Job, error) {
	log := s.log.WithFields(logrus.Fields{
		"chat_id": ev.ChatID,
		"kind":    ev.Kind,
		"sender":  ev.SenderName,
	})

	if ev.FileID == "" {
		return nil, ErrNoMedia
	}
	if err := s.validate.Struct(&ev); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	req, err := s.check(ev)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			log.WithField("reason", vErr.Reason).Info("Rejected media")
			s.reply(ctx, ev.ChatID, vErr.Reason)
		}
		return nil, err
	}

	if s.limiter != nil && s.jobsPerHour > 0 && ev.SenderID != 0 {
		ok, err := s.limiter.Allow(ctx, "jobs", strconv.FormatInt(ev.SenderID, 10), s.jobsPerHour, time.Hour)
		if err != nil {
			log.WithError(err).Warn("Rate limiter unavailable, allowing job")
		} else if !ok {
			s.reply(ctx, ev.ChatID, MsgRateLimited)
			return nil, ErrRateLimited
		}
	}

	job, err := s.jobs.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	log = log.WithField("job_id", job.ID)

	jobID := job.ID
	position, err := s.queue.Submit(jobID, func(ctx context.Context) error {
		return s.processor.Process(ctx, jobID, req)
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
			log.WithField("reason", err.Error()).Warn("Job refused admission")
			if rErr := s.jobs.Reject(ctx, jobID, err.Error()); rErr != nil {
				log.WithError(rErr).Warn("Failed to mark job rejected")
			}
			s.reply(ctx, ev.ChatID, MsgQueueFull)
			return nil, fmt.Errorf("admission refused: %w", err)
		}
		return nil, err
	}

	log.WithField("position", position).Info("Job admitted")
	if position > 0 {
		s.reply(ctx, ev.ChatID, QueuedMessage(position))
	}
	return job, nil
}

// check applies the media policy and builds the request.
func (s *IntakeService) check(ev model.InboundEvent) (*model.JobRequest, error) {
	if ev.Kind == model.MediaKindDocument && !model.IsMediaDocument(ev.MimeType, ev.FileName) {
		return nil, &ValidationError{Reason: MsgUnsupportedFile}
	}
	if s.limits.MaxDurationSec > 0 {
		if sec, ok := model.PositiveFloat(ev.DurationSec); ok && sec > float64(s.limits.MaxDurationSec) {
			return nil, &ValidationError{Reason: TooLongMessage(s.limits.MaxDurationSec)}
		}
	}
	if s.limits.MaxFileBytes > 0 {
		if size, ok := model.PositiveInt(ev.SizeBytes); ok && size > s.limits.MaxFileBytes {
			return nil, &ValidationError{Reason: TooLargeMessage(s.limits.MaxFileBytes)}
		}
	}

	return &model.JobRequest{
		ChatID:      ev.ChatID,
		MessageID:   ev.MessageID,
		SenderID:    ev.SenderID,
		Kind:        ev.Kind,
		FileID:      ev.FileID,
		DurationSec: ev.DurationSec,
		SizeBytes:   ev.SizeBytes,
		FileName:    ev.FileName,
		MimeType:    ev.MimeType,
	}, nil
}

func (s *IntakeService) reply(ctx context.Context, chatID int64, text string) {
	if err := s.messenger.SendMessage(ctx, chatID, text); err != nil {
		s.log.WithError(err).WithField("chat_id", chatID).Warn("Failed to send message")
	}
}
