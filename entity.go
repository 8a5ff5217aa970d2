package jobcore

import "time"

// Entity carries the audit timestamps embedded in every persisted record.
// CreatedAt is set once at creation; UpdatedAt is refreshed by stores on
// every write. Neither participates in staleness detection — that is
// Job.LastActivity's role alone.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch refreshes UpdatedAt to the current UTC time.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}
