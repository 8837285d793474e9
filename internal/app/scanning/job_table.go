package scanning

import (
	"errors"
	"sort"
	"sync"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

// errJobDeleted is returned by mutate once a job has been removed.
var errJobDeleted = errors.New("job deleted")

// jobEntry guards one job. Readers take snapshots under the read lock; the
// worker owning the job is the only caller of mutate.
type jobEntry struct {
	mu      sync.RWMutex
	job     *scanning.Job
	seq     uint64
	rev     uint64
	deleted bool

	// writeMu orders repository writes; written is the last rev stored.
	writeMu sync.Mutex
	written uint64

	// readers tracks in-flight result and report reads so deletion can wait
	// for them before reclaiming storage.
	readers sync.WaitGroup
	// runners tracks stage runners, including ones left behind by a stage
	// timeout, so deletion can wait for them to stop touching the workdir.
	runners sync.WaitGroup
}

func (e *jobEntry) snapshot() scanning.JobSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.job.Snapshot()
}

// mutate applies fn and returns the job state before and after it, with
// the revision of the after state.
func (e *jobEntry) mutate(fn func(*scanning.Job) error) (before, after scanning.JobSnapshot, rev uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return before, after, 0, errJobDeleted
	}
	before = e.job.Snapshot()
	if err := fn(e.job); err != nil {
		return before, before, e.rev, err
	}
	e.rev++
	return before, e.job.Snapshot(), e.rev, nil
}

// write stores the state at rev unless a later revision is already stored.
// Writes for one job never overlap.
func (e *jobEntry) write(rev uint64, store func() error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if rev <= e.written {
		return nil
	}
	if err := store(); err != nil {
		return err
	}
	e.written = rev
	return nil
}

// acquire registers a reader. It fails once the job is being deleted.
func (e *jobEntry) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false
	}
	e.readers.Add(1)
	return true
}

func (e *jobEntry) release() { e.readers.Done() }

// markDeleted blocks further writes and reader leases.
func (e *jobEntry) markDeleted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = true
}

// jobTable is the canonical map from job id to job. Jobs must be added in
// creation order.
type jobTable struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*jobEntry
	nextSeq uint64
}

func newJobTable() *jobTable {
	return &jobTable{entries: make(map[uuid.UUID]*jobEntry)}
}

func (t *jobTable) add(job *scanning.Job) *jobEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSeq++
	e := &jobEntry{job: job, seq: t.nextSeq}
	t.entries[job.ID()] = e
	return e
}

func (t *jobTable) get(id uuid.UUID) (*jobEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

func (t *jobTable) remove(id uuid.UUID) (*jobEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return e, ok
}

// referencesArtifact reports whether any remaining job uses ref.
func (t *jobTable) referencesArtifact(ref scanning.ArtifactRef) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.snapshot().ArtifactRef == ref {
			return true
		}
	}
	return false
}

// snapshots returns every job, most recently created first.
func (t *jobTable) snapshots() []scanning.JobSnapshot {
	t.mu.RLock()
	entries := make([]*jobEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })

	out := make([]scanning.JobSnapshot, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}
