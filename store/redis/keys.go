package redis

import "strconv"

// Redis key naming conventions for jobcore data.
// All keys are prefixed with "jobcore:" to avoid collisions.

const keyPrefix = "jobcore:"

// jobKey returns the key holding the full job record: jobcore:job:state:{id}
func jobKey(id string) string { return keyPrefix + "job:state:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration. Expired job
// keys leave stale members behind; readers skip missing records.
const jobIDsKey = keyPrefix + "job:ids"

// seqKey returns the per-job event sequence counter: jobcore:job:seq:{id}
func seqKey(id string) string { return keyPrefix + "job:seq:" + id }

// checkpointKey returns the current checkpoint copy: jobcore:checkpoint:{jobID}
func checkpointKey(jobID string) string { return keyPrefix + "checkpoint:" + jobID }

// archiveKey returns an immutable archived copy:
// jobcore:checkpoint:archive:{jobID}:{sequence}
func archiveKey(jobID string, seq uint64) string {
	return keyPrefix + "checkpoint:archive:" + jobID + ":" + strconv.FormatUint(seq, 10)
}

// checkpointIDsKey is the Set tracking job IDs with a current checkpoint.
const checkpointIDsKey = keyPrefix + "checkpoint:ids"
