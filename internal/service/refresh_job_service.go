package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/trr/admin-api/internal/model"
)

const (
	TaskTypeRefreshPhotos = "refresh:photos"
	QueueRefresh          = "refresh"

	jobTTL = 24 * time.Hour
)

// CodeEnqueueFailed marks a job whose task never reached the queue.
const CodeEnqueueFailed = "ENQUEUE_FAILED"

var (
	// ErrJobNotFound is returned when no job is stored under the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFinished is returned, with the stored job, when an update targets
	// a job that already succeeded or failed.
	ErrJobFinished = errors.New("job already finished")
)

// KV is the subset of the redis client the job store needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RefreshJobService creates background refresh jobs and tracks their state.
type RefreshJobService struct {
	redis       KV
	asynqClient Enqueuer
	now         func() time.Time
}

func NewRefreshJobService(redisClient KV, asynqClient Enqueuer) *RefreshJobService {
	return &RefreshJobService{
		redis:       redisClient,
		asynqClient: asynqClient,
		now:         time.Now,
	}
}

// StartRefresh stores a queued job and enqueues the task that will run it.
func (s *RefreshJobService) StartRefresh(ctx context.Context, kind, targetID, backendPath string, body []byte, requestID string) (*model.Job, error) {
	job := &model.Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		TargetID:  targetID,
		Status:    model.JobStatusQueued,
		RequestID: requestID,
		CreatedAt: s.now(),
	}

	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := newRefreshTask(&model.RefreshJobPayload{
		JobID:       job.ID,
		BackendPath: backendPath,
		Body:        body,
		RequestID:   requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	// The proxy already retries the connection; a second run would repeat
	// backend side effects.
	_, err = s.asynqClient.EnqueueContext(ctx, task,
		asynq.Queue(QueueRefresh),
		asynq.MaxRetry(0),
		asynq.Retention(jobTTL),
	)
	if err != nil {
		// The stored job would otherwise sit in queued until it expires.
		message := "Failed to enqueue refresh job"
		job.Status = model.JobStatusFailed
		job.ErrorCode = CodeEnqueueFailed
		job.Error = &message
		now := s.now()
		job.CompletedAt = &now
		if serr := s.saveJob(context.WithoutCancel(ctx), job); serr != nil {
			return nil, fmt.Errorf("failed to enqueue task: %w (marking job failed: %v)", err, serr)
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return job, nil
}

// GetJob returns the stored job or ErrJobNotFound.
func (s *RefreshJobService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}

	return &job, nil
}

// MarkRunning moves a queued job to running (called by worker)
func (s *RefreshJobService) MarkRunning(ctx context.Context, jobID string) (*model.Job, error) {
	return s.update(ctx, jobID, func(job *model.Job) {
		if job.Status == model.JobStatusQueued {
			job.Status = model.JobStatusRunning
			now := s.now()
			job.StartedAt = &now
		}
	})
}

// UpdateProgress records the latest progress (called by worker). A negative
// progress leaves the stored value unchanged.
func (s *RefreshJobService) UpdateProgress(ctx context.Context, jobID string, progress int, step, checkpoint string) (*model.Job, error) {
	return s.update(ctx, jobID, func(job *model.Job) {
		if progress >= 0 {
			job.Progress = progress
		}
		if step != "" {
			job.CurrentStep = step
		}
		if checkpoint != "" {
			job.Checkpoint = checkpoint
		}
	})
}

// CompleteJob marks job as succeeded (called by worker)
func (s *RefreshJobService) CompleteJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.update(ctx, jobID, func(job *model.Job) {
		job.Status = model.JobStatusSucceeded
		job.Progress = 100
		now := s.now()
		job.CompletedAt = &now
	})
}

// FailJob marks job as failed (called by worker)
func (s *RefreshJobService) FailJob(ctx context.Context, jobID, code, message string) (*model.Job, error) {
	return s.update(ctx, jobID, func(job *model.Job) {
		job.Status = model.JobStatusFailed
		job.ErrorCode = code
		job.Error = &message
		now := s.now()
		job.CompletedAt = &now
	})
}

func (s *RefreshJobService) update(ctx context.Context, jobID string, mutate func(job *model.Job)) (*model.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, ErrJobFinished
	}
	mutate(job)
	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	return job, nil
}

// Helper methods

func (s *RefreshJobService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, jobTTL).Err()
}

func jobKey(jobID string) string {
	return fmt.Sprintf("refresh-job:%s", jobID)
}

func newRefreshTask(payload *model.RefreshJobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRefreshPhotos, data), nil
}
