// Package memory provides in-memory implementations of the scanning
// repositories for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

var _ scanning.JobRepository = (*JobStore)(nil)

type jobRecord struct {
	seq  uint64
	snap scanning.JobSnapshot
}

// JobStore keeps job records in a map. Stored values are copies, so callers
// can never mutate a record through a returned job.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]jobRecord
	nextSeq uint64
}

// NewJobStore creates an empty in-memory job repository.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]jobRecord)}
}

func (s *JobStore) CreateJob(ctx context.Context, job *scanning.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	s.jobs[job.ID()] = jobRecord{seq: s.nextSeq, snap: job.Snapshot()}
	return nil
}

func (s *JobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[job.ID()]
	if !ok {
		return scanning.ErrJobNotFound
	}
	rec.snap = job.Snapshot()
	s.jobs[job.ID()] = rec
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (*scanning.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, scanning.ErrJobNotFound
	}
	return toJob(rec.snap), nil
}

func (s *JobStore) ListJobs(ctx context.Context) ([]*scanning.Job, error) {
	s.mu.RLock()
	records := make([]jobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].seq > records[j].seq })
	jobs := make([]*scanning.Job, len(records))
	for i, rec := range records {
		jobs[i] = toJob(rec.snap)
	}
	return jobs, nil
}

func (s *JobStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func toJob(snap scanning.JobSnapshot) *scanning.Job {
	var failure *scanning.JobError
	if snap.Error != nil {
		f := *snap.Error
		failure = &f
	}
	return scanning.ReconstructJob(
		snap.ID,
		snap.Filename,
		snap.ArtifactRef,
		snap.InputType,
		snap.Status,
		snap.Progress,
		snap.Message,
		snap.CreatedAt,
		snap.StartedAt,
		snap.CompletedAt,
		snap.ResultRef,
		failure,
	)
}
