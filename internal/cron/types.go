package cron

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// internalPrefix marks jobs the gateway schedules for housekeeping. They are
// persisted like any other job but stay out of user-facing listings.
const internalPrefix = "__internal"

// Schedule describes when a job runs. Kind is one of "cron" (six-field
// expression with seconds), "every" (fixed interval) or "at" (one shot).
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload is what a job hands to the OnJob callback. Deliver routes the
// job result to a channel recipient when set.
type Payload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

// IsInternal reports whether the job belongs to the gateway's housekeeping.
func (j CronJob) IsInternal() bool {
	return strings.HasPrefix(j.Name, internalPrefix) || strings.HasPrefix(j.Payload.Message, internalPrefix)
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
