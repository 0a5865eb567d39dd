// Package bus connects worker families to the message bus: JSON job and
// result envelopes, Kafka-backed receivers and senders, the batched worker
// loop, and the daily side-task scheduler.
package bus

import (
	"encoding/json"
	"fmt"
)

// Result message values. Every consumed job produces exactly one result,
// even on failure.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "failed"
)

// Job is the inbound envelope. Payload shape is per worker family: feedback
// and reasoner jobs carry Text, audio jobs carry Filename.
type Job struct {
	ID            string `json:"id"`
	TaskID        string `json:"taskId,omitempty"`
	Language      string `json:"language,omitempty"`
	Text          string `json:"text,omitempty"`
	Filename      string `json:"filename,omitempty"`
	ClientManager string `json:"client_manager,omitempty"`
}

// ParseJob decodes and validates an inbound envelope.
func ParseJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("bus: decode job: %w", err)
	}
	if j.ID == "" {
		return Job{}, fmt.Errorf("bus: job has empty id")
	}
	return j, nil
}

// Result is the outbound envelope: the job's identifiers, a terminal status
// message, and family-specific fields.
type Result struct {
	ID      string
	TaskID  string
	Message string
	Fields  map[string]any
}

// MarshalJSON flattens Fields next to the fixed envelope keys. Fixed keys
// win on collision.
func (r Result) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		doc[k] = v
	}
	doc["id"] = r.ID
	doc["message"] = r.Message
	if r.TaskID != "" {
		doc["taskId"] = r.TaskID
	}
	return json.Marshal(doc)
}

// Success builds a SUCCESS result for the job with the given fields.
func Success(job Job, fields map[string]any) Result {
	return Result{ID: job.ID, TaskID: job.TaskID, Message: StatusSuccess, Fields: fields}
}

// Failure builds a failed result for the job. Audio jobs keep their filename
// so a failure can be traced back to the recording.
func Failure(job Job) Result {
	var fields map[string]any
	if job.Filename != "" {
		fields = map[string]any{"filename": job.Filename}
	}
	return Result{ID: job.ID, TaskID: job.TaskID, Message: StatusFailed, Fields: fields}
}
