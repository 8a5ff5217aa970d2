package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeStore is a minimal in-memory Store for manager tests. TTLs are
// recorded, not enforced.
type fakeStore struct {
	current  map[string]*Checkpoint
	archives map[string]*Checkpoint
	lastTTL  time.Duration

	archiveErr error
	saveErr    error
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		current:  make(map[string]*Checkpoint),
		archives: make(map[string]*Checkpoint),
	}
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, cp *Checkpoint, ttl time.Duration) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	c := *cp
	f.current[cp.JobID] = &c
	f.lastTTL = ttl
	return nil
}

func (f *fakeStore) LoadCheckpoint(_ context.Context, jobID string) (*Checkpoint, error) {
	cp, ok := f.current[jobID]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (f *fakeStore) DeleteCheckpoint(_ context.Context, jobID string) error {
	delete(f.current, jobID)
	return nil
}

func (f *fakeStore) ArchiveCheckpoint(_ context.Context, cp *Checkpoint, _ time.Duration) error {
	if f.archiveErr != nil {
		return f.archiveErr
	}
	c := *cp
	f.archives[cp.JobID] = &c
	return nil
}

func (f *fakeStore) ListCheckpoints(_ context.Context) ([]*Checkpoint, error) {
	var all []*Checkpoint
	for _, cp := range f.current {
		c := *cp
		all = append(all, &c)
	}
	return all, nil
}

func TestManagerSaveAssignsSequence(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	m := NewManager(fs)
	ctx := context.Background()

	first, err := m.Save(ctx, &Checkpoint{JobID: "job-a", Step: "one"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Sequence != 1 {
		t.Fatalf("first sequence = %d, want 1", first.Sequence)
	}
	if first.Timestamp.IsZero() {
		t.Fatal("timestamp not filled in")
	}

	second, err := m.Save(ctx, &Checkpoint{JobID: "job-a", Step: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Sequence != 2 {
		t.Fatalf("second sequence = %d, want 2", second.Sequence)
	}

	// Other jobs have their own counter.
	other, err := m.Save(ctx, &Checkpoint{JobID: "job-b"})
	if err != nil {
		t.Fatal(err)
	}
	if other.Sequence != 1 {
		t.Fatalf("other job sequence = %d, want 1", other.Sequence)
	}
}

func TestManagerSaveRequiresJobID(t *testing.T) {
	t.Parallel()
	m := NewManager(newFakeStore())

	if _, err := m.Save(context.Background(), &Checkpoint{}); err == nil {
		t.Fatal("expected error for empty job id")
	}
}

func TestManagerSaveArchivesCopy(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	m := NewManager(fs)
	ctx := context.Background()

	if _, err := m.Save(ctx, &Checkpoint{JobID: "job-a", Step: "one"}); err != nil {
		t.Fatal(err)
	}
	if fs.archives["job-a"] == nil {
		t.Fatal("save did not archive a copy")
	}

	// The archive copy is immutable: deleting the current checkpoint
	// leaves it in place.
	if err := m.Delete(ctx, "job-a"); err != nil {
		t.Fatal(err)
	}
	if fs.archives["job-a"] == nil {
		t.Fatal("delete removed the archive copy")
	}
}

func TestManagerSaveSwallowsArchiveError(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.archiveErr = errors.New("archive backend down")
	m := NewManager(fs)

	saved, err := m.Save(context.Background(), &Checkpoint{JobID: "job-a"})
	if err != nil {
		t.Fatalf("save failed on archive error: %v", err)
	}
	if saved.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", saved.Sequence)
	}
}

func TestManagerSaveReturnsStoreError(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.saveErr = errors.New("store down")
	m := NewManager(fs)

	if _, err := m.Save(context.Background(), &Checkpoint{JobID: "job-a"}); err == nil {
		t.Fatal("expected save error to propagate")
	}
}

func TestManagerTTLOptions(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	m := NewManager(fs, WithCheckpointTTL(time.Minute))

	if _, err := m.Save(context.Background(), &Checkpoint{JobID: "job-a"}); err != nil {
		t.Fatal(err)
	}
	if fs.lastTTL != time.Minute {
		t.Fatalf("checkpoint ttl = %v, want 1m", fs.lastTTL)
	}
}

func TestManagerResumableJobs(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	m := NewManager(fs)
	ctx := context.Background()

	for _, cp := range []*Checkpoint{
		{JobID: "job-a", UserID: "alice"},
		{JobID: "job-b", UserID: "bob"},
		{JobID: "job-c", UserID: "alice"},
	} {
		if _, err := m.Save(ctx, cp); err != nil {
			t.Fatal(err)
		}
	}

	owned, err := m.ResumableJobs(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 2 {
		t.Fatalf("got %d resumable jobs, want 2", len(owned))
	}
	for _, cp := range owned {
		if cp.UserID != "alice" {
			t.Fatalf("resumable job owned by %q, want alice", cp.UserID)
		}
	}
}
