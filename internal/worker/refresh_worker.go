package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"github.com/trr/admin-api/internal/metrics"
	"github.com/trr/admin-api/internal/model"
	"github.com/trr/admin-api/internal/service"
	"github.com/trr/admin-api/internal/sse"
	"github.com/trr/admin-api/internal/streamproxy"
)

// Error codes for outcomes decided by the worker rather than the proxy.
const (
	CodeBackendError     = "BACKEND_ERROR"
	CodeStreamIncomplete = "STREAM_INCOMPLETE"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
)

// errStreamFinished stops forwarding once the backend reported an outcome.
var errStreamFinished = errors.New("backend stream finished")

// JobUpdater persists job state (satisfied by *service.RefreshJobService).
// Updates to a finished job return service.ErrJobFinished.
type JobUpdater interface {
	MarkRunning(ctx context.Context, jobID string) (*model.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int, step, checkpoint string) (*model.Job, error)
	CompleteJob(ctx context.Context, jobID string) (*model.Job, error)
	FailJob(ctx context.Context, jobID, code, message string) (*model.Job, error)
}

// Broadcaster pushes job updates to subscribers (satisfied by *websocket.Hub).
type Broadcaster interface {
	BroadcastProgress(job *model.Job)
	BroadcastComplete(job *model.Job)
	BroadcastError(jobID string, code, message string)
}

// StreamRunner runs one proxied backend stream (satisfied by *streamproxy.Proxy).
type StreamRunner interface {
	Run(ctx context.Context, req streamproxy.Request, sink streamproxy.Sink) streamproxy.Outcome
}

// RefreshWorker runs background refresh jobs through the stream proxy and
// records what the backend reports.
type RefreshWorker struct {
	jobs  JobUpdater
	proxy StreamRunner
	hub   Broadcaster
}

func NewRefreshWorker(jobs JobUpdater, proxy StreamRunner, hub Broadcaster) *RefreshWorker {
	return &RefreshWorker{
		jobs:  jobs,
		proxy: proxy,
		hub:   hub,
	}
}

// ProcessTask handles refresh task processing
func (w *RefreshWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.RefreshJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := log.WithFields(log.Fields{
		"job_id":     payload.JobID,
		"request_id": payload.RequestID,
		"path":       payload.BackendPath,
	})

	if payload.JobID == "" || payload.BackendPath == "" {
		if payload.JobID != "" {
			w.fail(ctx, payload.JobID, CodeInvalidPayload, "Invalid payload")
		}
		return fmt.Errorf("refresh task missing job id or backend path: %w", asynq.SkipRetry)
	}

	logger.Info("Starting refresh job")
	if job, err := w.jobs.MarkRunning(ctx, payload.JobID); err != nil {
		if errors.Is(err, service.ErrJobFinished) {
			logger.Info("Refresh job already finished, skipping")
			return nil
		}
		logger.WithError(err).Warn("Failed to mark job running")
	} else {
		w.hub.BroadcastProgress(job)
	}

	body := []byte(payload.Body)
	if len(body) == 0 || string(body) == "null" {
		body = []byte("{}")
	}

	sink := &jobSink{ctx: ctx, worker: w, jobID: payload.JobID, logger: logger}
	out := w.proxy.Run(ctx, streamproxy.Request{
		Path:      payload.BackendPath,
		Body:      body,
		RequestID: payload.RequestID,
	}, sink)
	sink.flush()

	// Final writes must land even if the worker is shutting down.
	finalCtx := context.WithoutCancel(ctx)

	switch {
	case out.Terminal != nil:
		message := out.Terminal.Error
		if out.Terminal.Detail != "" {
			message += ": " + out.Terminal.Detail
		}
		w.fail(finalCtx, payload.JobID, out.Terminal.ErrorCode, message)
		return fmt.Errorf("refresh job %s failed at %s (%s)", payload.JobID, out.Terminal.Checkpoint, out.Terminal.ErrorCode)

	case sink.failed:
		w.fail(finalCtx, payload.JobID, sink.code, sink.message)
		return fmt.Errorf("refresh job %s failed in backend (%s)", payload.JobID, sink.code)

	case sink.completed:
		job, err := w.jobs.CompleteJob(finalCtx, payload.JobID)
		if errors.Is(err, service.ErrJobFinished) {
			logger.Warn("Refresh job finished elsewhere; completion dropped")
			return nil
		}
		if err != nil {
			logger.WithError(err).Error("Failed to mark job complete")
			return err
		}
		metrics.RefreshJobs.WithLabelValues(string(model.JobStatusSucceeded)).Inc()
		w.hub.BroadcastComplete(job)
		logger.WithField("forwarded_bytes", out.ForwardedBytes).Info("Refresh job completed")
		return nil

	default:
		w.fail(finalCtx, payload.JobID, CodeStreamIncomplete, "Backend stream ended before completion")
		return fmt.Errorf("refresh job %s: backend stream ended before completion", payload.JobID)
	}
}

func (w *RefreshWorker) fail(ctx context.Context, jobID, code, message string) {
	if _, err := w.jobs.FailJob(ctx, jobID, code, message); err != nil {
		if errors.Is(err, service.ErrJobFinished) {
			log.WithField("job_id", jobID).Warn("Refresh job already finished; failure dropped")
			return
		}
		log.WithError(err).WithField("job_id", jobID).Error("Failed to mark job as failed")
	}
	metrics.RefreshJobs.WithLabelValues(string(model.JobStatusFailed)).Inc()
	w.hub.BroadcastError(jobID, code, message)
}

func (w *RefreshWorker) progress(ctx context.Context, jobID string, progress int, step, checkpoint string, logger *log.Entry) {
	job, err := w.jobs.UpdateProgress(ctx, jobID, progress, step, checkpoint)
	if err != nil {
		if !errors.Is(err, service.ErrJobFinished) {
			logger.WithError(err).Warn("Failed to update job progress")
		}
		return
	}
	w.hub.BroadcastProgress(job)
}

// jobSink collects a proxied stream into job updates instead of writing it
// to a client.
type jobSink struct {
	ctx     context.Context
	worker  *RefreshWorker
	jobID   string
	logger  *log.Entry
	decoder sse.Decoder

	completed bool
	failed    bool
	code      string
	message   string
}

func (s *jobSink) Event(ev sse.Event) error {
	p, ok := ev.Data.(streamproxy.Payload)
	if !ok || ev.Type == sse.EventError {
		// Terminal proxy errors are reported through the Outcome.
		return nil
	}
	s.worker.progress(s.ctx, s.jobID, -1, p.Message, p.Checkpoint, s.logger)
	return nil
}

func (s *jobSink) Forward(p []byte) error {
	for _, f := range s.decoder.Feed(p) {
		if s.handleFrame(f) {
			return errStreamFinished
		}
	}
	return nil
}

func (s *jobSink) flush() {
	if s.completed || s.failed {
		return
	}
	if f, ok := s.decoder.Flush(); ok {
		s.handleFrame(f)
	}
}

// handleFrame applies one backend frame and reports whether it was final.
func (s *jobSink) handleFrame(f sse.Frame) bool {
	var data map[string]interface{}
	_ = f.JSON(&data)

	switch f.Event {
	case "progress":
		s.worker.progress(s.ctx, s.jobID, percent(data), stepLabel(data), "", s.logger)
		return false

	case "complete", "done":
		s.completed = true
		return true

	case "error":
		s.failed = true
		s.code = stringField(data, "error_code")
		if s.code == "" {
			s.code = CodeBackendError
		}
		s.message = stringField(data, "error")
		if s.message == "" {
			s.message = "Backend refresh failed"
		}
		if detail := stringField(data, "detail"); detail != "" {
			s.message += ": " + detail
		}
		return true
	}

	return false
}

// percent derives 0-99 progress from stage counters, overall counters or an
// explicit progress field; -1 when the frame carries none.
func percent(data map[string]interface{}) int {
	ratio := func(curKey, totalKey string) (int, bool) {
		cur, ok1 := number(data[curKey])
		total, ok2 := number(data[totalKey])
		if !ok1 || !ok2 || total <= 0 {
			return 0, false
		}
		return clampProgress(cur * 100 / total), true
	}

	if p, ok := ratio("stage_current", "stage_total"); ok {
		return p
	}
	if p, ok := ratio("current", "total"); ok {
		return p
	}
	if p, ok := number(data["progress"]); ok {
		return clampProgress(p)
	}
	return -1
}

func clampProgress(p float64) int {
	if p < 0 {
		return 0
	}
	if p > 99 {
		return 99
	}
	return int(p)
}

func stepLabel(data map[string]interface{}) string {
	for _, key := range []string{"message", "stage", "step"} {
		if s := stringField(data, key); s != "" {
			return s
		}
	}
	return ""
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return strings.TrimSpace(s)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
