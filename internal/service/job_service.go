package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/voxnote/bot/internal/model"
)

// ErrJobNotFound is returned for unknown or expired job ids.
var ErrJobNotFound = errors.New("job not found")

const jobRetention = 24 * time.Hour

// JobService keeps job status records in process memory. With a redis
// client every record is also mirrored under job:<id> with a TTL; mirror
// failures are logged and never fail the caller.
type JobService struct {
	redis *redis.Client
	log   *logrus.Entry
	now   func() time.Time

	mu   sync.Mutex
	jobs map[string]*model.Job
}

func NewJobService(redisClient *redis.Client, log *logrus.Entry) *JobService {
	return &JobService{
		redis: redisClient,
		log:   log,
		now:   time.Now,
		jobs:  make(map[string]*model.Job),
	}
}

// Create records a queued job for req.
func (s *JobService) Create(ctx context.Context, req *model.JobRequest) (*model.Job, error) {
	job := &model.Job{
		ID:        uuid.New().String(),
		Kind:      req.Kind,
		ChatID:    req.ChatID,
		Status:    model.JobStatusQueued,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveJob(ctx, job)
	return job, nil
}

// Get returns a copy of the job record.
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getJob(ctx, jobID)
}

// UpdateStage marks the job running at stage (called by worker)
func (s *JobService) UpdateStage(ctx context.Context, jobID string, stage model.Stage) error {
	return s.update(ctx, jobID, func(job *model.Job) {
		job.Stage = stage
		job.Progress = model.StageProgress[stage]
		if job.Status == model.JobStatusQueued {
			job.Status = model.JobStatusRunning
			now := s.now()
			job.StartedAt = &now
		}
	})
}

// Complete marks the job succeeded (called by worker)
func (s *JobService) Complete(ctx context.Context, jobID string, chunks int) error {
	return s.update(ctx, jobID, func(job *model.Job) {
		job.Status = model.JobStatusSucceeded
		job.Progress = 100
		job.Chunks = chunks
		now := s.now()
		job.CompletedAt = &now
	})
}

// Fail marks the job failed (called by worker)
func (s *JobService) Fail(ctx context.Context, jobID, errMsg string) error {
	return s.finish(ctx, jobID, model.JobStatusFailed, errMsg)
}

// Reject marks a job that was refused admission.
func (s *JobService) Reject(ctx context.Context, jobID, reason string) error {
	return s.finish(ctx, jobID, model.JobStatusRejected, reason)
}

func (s *JobService) finish(ctx context.Context, jobID string, status model.JobStatus, msg string) error {
	return s.update(ctx, jobID, func(job *model.Job) {
		job.Status = status
		job.Error = &msg
		now := s.now()
		job.CompletedAt = &now
	})
}

func (s *JobService) update(ctx context.Context, jobID string, fn func(job *model.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	fn(job)
	s.saveJob(ctx, job)
	return nil
}

// Helper methods; callers hold s.mu

func (s *JobService) saveJob(ctx context.Context, job *model.Job) {
	s.pruneLocked()
	cp := *job
	s.jobs[job.ID] = &cp
	s.mirror(ctx, &cp)
}

func (s *JobService) mirror(ctx context.Context, job *model.Job) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(job)
	if err == nil {
		err = s.redis.Set(ctx, jobKey(job.ID), data, jobRetention).Err()
	}
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Warn("Failed to mirror job to redis")
	}
}

// getJob falls back to the redis mirror for records of an earlier process.
func (s *JobService) getJob(ctx context.Context, jobID string) (*model.Job, error) {
	if job, ok := s.jobs[jobID]; ok {
		cp := *job
		return &cp, nil
	}
	if s.redis == nil {
		return nil, ErrJobNotFound
	}

	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WithError(err).WithField("job_id", jobID).Warn("Failed to read job mirror")
		}
		return nil, ErrJobNotFound
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// pruneLocked drops finished in-memory records past retention.
func (s *JobService) pruneLocked() {
	cutoff := s.now().Add(-jobRetention)
	for id, job := range s.jobs {
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}
