package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omnibrowser/jobcore/id"
	"github.com/omnibrowser/jobcore/job"
)

// subscriberBuffer is the channel depth per in-process subscriber.
// A subscriber that falls further behind loses events; the gap is
// visible in the sequence numbers and recoverable via Snapshot.
const subscriberBuffer = 64

// Snapshot is a point-in-time view of a job handed to late subscribers
// so they can resync after missing events.
type Snapshot struct {
	Job          *job.Job  `json:"job"`
	LastSequence uint64    `json:"last_sequence"`
	TakenAt      time.Time `json:"taken_at"`
}

// Registry stamps every mutation with a per-job sequence number,
// republishes it on the transport, and fans out to in-process
// subscribers.
type Registry struct {
	seq       Sequencer
	jobs      job.Store
	transport Transport
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[int]chan *Event // jobID -> subscriber id -> channel
	next int
}

// Option configures a Registry.
type Option func(*Registry)

// WithTransport sets the external transport. Defaults to Nop.
func WithTransport(t Transport) Option {
	return func(r *Registry) { r.transport = t }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry. The job store backs Snapshot reads;
// the sequencer backs ordering.
func NewRegistry(seq Sequencer, jobs job.Store, opts ...Option) *Registry {
	r := &Registry{
		seq:       seq,
		jobs:      jobs,
		transport: Nop{},
		logger:    slog.Default(),
		subs:      make(map[string]map[int]chan *Event),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Publish stamps the mutation with the next sequence number for the job
// and delivers it. Transport failures are logged, never returned: the
// mutation already succeeded locally and must not be rolled back over a
// degraded transport. Only sequencer failures are reported.
func (r *Registry) Publish(ctx context.Context, name Type, j *job.Job, payload json.RawMessage) error {
	jobID := j.ID.String()

	seq, err := r.seq.NextSequence(ctx, jobID)
	if err != nil {
		return fmt.Errorf("event: next sequence for %s: %w", jobID, err)
	}

	evt := &Event{
		ID:        id.NewEventID(),
		Name:      name,
		UserID:    j.UserID,
		JobID:     jobID,
		Payload:   payload,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event: marshal: %w", err)
	}

	if pubErr := r.transport.Publish(ctx, Channel(jobID), data); pubErr != nil {
		r.logger.Warn("event transport publish failed",
			slog.String("job_id", jobID),
			slog.String("event", string(name)),
			slog.Uint64("sequence", seq),
			slog.String("error", pubErr.Error()),
		)
	}

	r.fanOut(jobID, evt)
	return nil
}

// fanOut delivers to in-process subscribers without blocking. Full
// subscriber buffers drop the event; the sequence gap tells the consumer
// to resync.
func (r *Registry) fanOut(jobID string, evt *Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.subs[jobID] {
		select {
		case ch <- evt:
		default:
			r.logger.Debug("event subscriber lagging, dropped",
				slog.String("job_id", jobID),
				slog.Uint64("sequence", evt.Sequence),
			)
		}
	}
}

// Subscribe registers an in-process observer for one job's events.
// The returned cancel function must be called to release the channel.
func (r *Registry) Subscribe(jobID string) (<-chan *Event, func()) {
	ch := make(chan *Event, subscriberBuffer)

	r.mu.Lock()
	if r.subs[jobID] == nil {
		r.subs[jobID] = make(map[int]chan *Event)
	}
	key := r.next
	r.next++
	r.subs[jobID][key] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if m, ok := r.subs[jobID]; ok {
			delete(m, key)
			if len(m) == 0 {
				delete(r.subs, jobID)
			}
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// CloseSubscribers closes every subscriber channel and drops the
// registrations. Called on shutdown so subscriber range loops exit;
// cancel functions from Subscribe stay safe to call afterwards.
func (r *Registry) CloseSubscribers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for jobID, m := range r.subs {
		for _, ch := range m {
			close(ch)
		}
		delete(r.subs, jobID)
	}
}

// Snapshot returns the job's full current state plus the last issued
// sequence, letting a late or gapped subscriber resync.
func (r *Registry) Snapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	j, err := r.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	last, err := r.seq.LastSequence(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("event: last sequence for %s: %w", jobID, err)
	}

	return &Snapshot{
		Job:          j,
		LastSequence: last,
		TakenAt:      time.Now().UTC(),
	}, nil
}
