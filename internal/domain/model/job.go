package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkm-jobs/internal/domain"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further worker-driven transition can occur.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// transitions is the full set of legal status edges. Everything else is
// rejected with domain.ErrInvalidTransition by the lifecycle use case.
// pending -> failed covers jobs that die at dequeue or validation time,
// before any progress is ever reported.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusFailed:     {JobStatusRetrying, JobStatusCancelled},
	JobStatusRetrying:   {JobStatusProcessing, JobStatusPending},
}

// CanTransitionTo reports whether the edge s -> next is legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Payload is an opaque producer-defined JSON object. The core stores and
// returns it but never inspects its contents.
type Payload map[string]any

// Equal compares two payloads by their canonical JSON encoding. A nil
// payload and an empty one are the same thing.
func (p Payload) Equal(other Payload) bool {
	if len(p) == 0 && len(other) == 0 {
		return true
	}
	a, err1 := json.Marshal(p)
	b, err2 := json.Marshal(other)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// SizeBytes returns the encoded size of the payload, used for limit checks.
func (p Payload) SizeBytes() int {
	if len(p) == 0 {
		return 0
	}
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(b)
}

type Job struct {
	JobID        string     `json:"job_id"`
	JobType      string     `json:"job_type"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress_percentage"`
	CurrentStage string     `json:"current_stage,omitempty"`
	StageMessage string     `json:"stage_message,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	InputData    Payload    `json:"input_data,omitempty"`
	ResultData   Payload    `json:"result_data,omitempty"`
	ItemID       string     `json:"item_id,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	Tags         []string   `json:"tags,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastUpdated  time.Time  `json:"last_updated"`
}

// NewJob validates inputs and builds a pending job record.
func NewJob(jobID, jobType string, input Payload, itemID string, tags []string, maxRetries int) (*Job, error) {
	if jobType == "" || !validJobType(jobType) {
		return nil, fmt.Errorf("%w: job_type %q must be non-empty lowercase [a-z0-9_]", domain.ErrInvalidArgument, jobType)
	}
	if jobID == "" {
		jobID = GenerateJobID(jobType, itemID)
	}
	if !validJobID(jobID) {
		return nil, fmt.Errorf("%w: job_id %q contains illegal characters or is too long", domain.ErrInvalidArgument, jobID)
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must be >= 0", domain.ErrInvalidArgument)
	}
	now := time.Now().Truncate(time.Microsecond)
	return &Job{
		JobID:       jobID,
		JobType:     jobType,
		Status:      JobStatusPending,
		InputData:   input,
		ItemID:      itemID,
		Tags:        append([]string(nil), tags...),
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		LastUpdated: now,
	}, nil
}

// GenerateJobID builds a producer-style id: {job_type}_{timestamp}_{uuid8},
// with the item id folded in when present.
func GenerateJobID(jobType, itemID string) string {
	ts := time.Now().Format("20060102_150405")
	short := uuid.NewString()[:8]
	if itemID != "" {
		return fmt.Sprintf("%s_%s_%s_%s", jobType, ts, itemID, short)
	}
	return fmt.Sprintf("%s_%s_%s", jobType, ts, short)
}

// Clone returns a deep copy so callers can mutate without aliasing the
// stored record.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Tags = append([]string(nil), j.Tags...)
	cp.InputData = clonePayload(j.InputData)
	cp.ResultData = clonePayload(j.ResultData)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// NextUpdateTime returns the new last_updated value for a write that
// follows prev. Wall-clock time is used when it is ahead of prev; otherwise
// the previous value is nudged forward so last_updated stays strictly
// monotonic per job even under clock skew. Truncated to microseconds to
// round-trip through timestamptz columns unchanged.
func NextUpdateTime(prev time.Time) time.Time {
	now := time.Now().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// CompatibleWith reports whether a duplicate Create carries the same
// immutable identity: same type, same item, same input payload.
func (j *Job) CompatibleWith(other *Job) bool {
	return j.JobType == other.JobType &&
		j.ItemID == other.ItemID &&
		j.InputData.Equal(other.InputData)
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var cp Payload
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil
	}
	return cp
}

const maxJobIDLen = 255

func validJobID(id string) bool {
	if id == "" || len(id) > maxJobIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func validJobType(t string) bool {
	if len(t) > 64 {
		return false
	}
	for _, r := range t {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return !strings.HasPrefix(t, "_") && !strings.HasSuffix(t, "_")
}
