package api

import (
	"encoding/json"

	"github.com/mattjoyce/offload/internal/journal"
)

// RunResponse is returned by POST /run/{task}.
type RunResponse struct {
	Task   string          `json:"task"`
	Output json.RawMessage `json:"output"`
}

// JobsResponse is returned by GET /jobs.
type JobsResponse struct {
	Jobs   []journal.Record       `json:"jobs"`
	Counts map[journal.Status]int `json:"counts"`
}

// TasksResponse is returned by GET /tasks.
type TasksResponse struct {
	Tasks []string `json:"tasks"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	TasksLoaded   int    `json:"tasks_loaded"`
}
