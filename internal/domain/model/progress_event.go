package model

import "time"

// ProgressEvent is the broadcast unit sent to live observers after every
// successful state mutation. Terminal events are the last event a
// subscriber sees for a job id.
type ProgressEvent struct {
	JobID        string    `json:"job_id"`
	JobType      string    `json:"job_type"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress_percentage"`
	CurrentStage string    `json:"current_stage,omitempty"`
	StageMessage string    `json:"stage_message,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Terminal     bool      `json:"terminal"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventFromJob snapshots the broadcast-relevant fields of a job.
func EventFromJob(j *Job) ProgressEvent {
	return ProgressEvent{
		JobID:        j.JobID,
		JobType:      j.JobType,
		Status:       j.Status,
		Progress:     j.Progress,
		CurrentStage: j.CurrentStage,
		StageMessage: j.StageMessage,
		ErrorMessage: j.ErrorMessage,
		Terminal:     j.Status.IsTerminal(),
		Timestamp:    j.LastUpdated,
	}
}
