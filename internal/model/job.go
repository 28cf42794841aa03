package model

import (
	"encoding/json"
	"time"
)

// Job is a background refresh run tracked outside of any client connection.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	TargetID    string     `json:"targetId"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Checkpoint  string     `json:"checkpoint,omitempty"`
	Error       *string    `json:"error,omitempty"`
	ErrorCode   string     `json:"errorCode,omitempty"`
	RequestID   string     `json:"requestId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Job kinds
const (
	JobKindRefreshPhotos = "refresh_photos"
)

// RefreshJobPayload is what the queue carries for one refresh job.
type RefreshJobPayload struct {
	JobID       string          `json:"jobId"`
	BackendPath string          `json:"backendPath"`
	Body        json.RawMessage `json:"body"`
	RequestID   string          `json:"requestId,omitempty"`
}

// RefreshJobStartResponse is returned when a refresh job is queued.
type RefreshJobStartResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}
