package model

import "time"

// Job is the status record of an admitted transcription job
type Job struct {
	ID          string     `json:"id"`
	Kind        MediaKind  `json:"kind"`
	ChatID      int64      `json:"chatId"`
	Status      JobStatus  `json:"status"`
	Stage       Stage      `json:"stage,omitempty"`
	Progress    int        `json:"progress"`
	Error       *string    `json:"error,omitempty"`
	Chunks      int        `json:"chunks,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// QueueStatus is the admission queue snapshot returned by the API
type QueueStatus struct {
	Running     int `json:"running"`
	Pending     int `json:"pending"`
	Concurrency int `json:"concurrency"`
	MaxDepth    int `json:"maxDepth"`
}
