// Package checkpoint persists serialized snapshots of a job's partial
// progress, independent of job state storage, so execution can resume
// after a pause or a crash. Checkpoints may outlive the job they
// describe: archived copies are kept under (jobID, sequence) with a
// longer TTL for forensics.
package checkpoint

import (
	"encoding/json"
	"time"
)

// Checkpoint is a snapshot of a job's partial progress. The current copy
// is keyed by JobID; archives are keyed by (JobID, Sequence).
type Checkpoint struct {
	JobID         string            `json:"job_id" msgpack:"job_id"`
	UserID        string            `json:"user_id" msgpack:"user_id"`
	Sequence      uint64            `json:"sequence" msgpack:"sequence"`
	Timestamp     time.Time         `json:"timestamp" msgpack:"timestamp"`
	Step          string            `json:"step" msgpack:"step"`
	Progress      int               `json:"progress" msgpack:"progress"`
	PartialOutput json.RawMessage   `json:"partial_output,omitempty" msgpack:"partial_output,omitempty"`
	Custom        map[string]string `json:"custom,omitempty" msgpack:"custom,omitempty"`
}

// Size returns the approximate stored size of the checkpoint in bytes.
// Used by recovery cost estimation and integrity validation.
func (c *Checkpoint) Size() int {
	b, err := json.Marshal(c)
	if err != nil {
		return 0
	}
	return len(b)
}
