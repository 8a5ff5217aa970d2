// Package event publishes ordered job mutation events. Every mutation
// carries a strictly increasing per-job sequence number so consumers can
// discard duplicates and detect gaps; on a gap they resync with a
// point-in-time Snapshot.
//
// Publication is best-effort: if the transport is unavailable the
// mutation still succeeds locally, and subscribers that fall behind are
// dropped rather than blocking the publisher.
package event

import (
	"encoding/json"
	"time"

	"github.com/omnibrowser/jobcore/id"
)

// Type names a job mutation on the wire.
type Type string

// Wire event names, one per observable mutation.
const (
	TypeJobCreated   Type = "JOB_CREATED"
	TypeJobProgress  Type = "JOB_PROGRESS"
	TypeJobPaused    Type = "JOB_PAUSED"
	TypeJobResumed   Type = "JOB_RESUMED"
	TypeJobCompleted Type = "JOB_COMPLETED"
	TypeJobFailed    Type = "JOB_FAILED"
	TypeJobCancelled Type = "JOB_CANCELLED"
	TypeJobRecovered Type = "JOB_RECOVERED"
)

// Event is the payload published per mutation on a per-job channel.
type Event struct {
	ID        id.EventID      `json:"id"`
	Name      Type            `json:"event"`
	UserID    string          `json:"user_id"`
	JobID     string          `json:"job_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel returns the per-job channel name events are published on.
func Channel(jobID string) string {
	return "jobcore:events:" + jobID
}
