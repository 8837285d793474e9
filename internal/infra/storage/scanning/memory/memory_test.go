package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/qark-armada/internal/domain/scanning"
	"github.com/ahrav/qark-armada/pkg/common/uuid"
)

func newJob(t *testing.T, name string, createdAt time.Time) *scanning.Job {
	t.Helper()
	return scanning.NewJob(uuid.New(), name, scanning.ArtifactRef("sha256-"+name), scanning.InputTypeAPK, createdAt)
}

func TestJobStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	job := newJob(t, "a.apk", time.Now())

	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, job.Snapshot(), got.Snapshot())

	require.NoError(t, job.StartStage(scanning.StageDecompile, time.Now()))
	require.NoError(t, store.UpdateJob(ctx, job))

	got, err = store.GetJob(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusDecompiling, got.Status())

	require.NoError(t, store.DeleteJob(ctx, job.ID()))
	require.NoError(t, store.DeleteJob(ctx, job.ID()))

	_, err = store.GetJob(ctx, job.ID())
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
	assert.ErrorIs(t, store.UpdateJob(ctx, job), scanning.ErrJobNotFound)
}

func TestJobStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	job := newJob(t, "a.apk", time.Now())
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID())
	require.NoError(t, err)
	require.NoError(t, got.StartStage(scanning.StageDecompile, time.Now()))

	again, err := store.GetJob(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusPending, again.Status())
}

func TestJobStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	now := time.Now()

	first := newJob(t, "first.apk", now)
	second := newJob(t, "second.apk", now)
	third := newJob(t, "third.apk", now.Add(time.Second))
	for _, j := range []*scanning.Job{first, second, third} {
		require.NoError(t, store.CreateJob(ctx, j))
	}

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"third.apk", "second.apk", "first.apk"},
		[]string{jobs[0].Filename(), jobs[1].Filename(), jobs[2].Filename()})
}

func TestFindingStore(t *testing.T) {
	ctx := context.Background()
	store := NewFindingStore()
	set := scanning.NewFindingSet(uuid.New(), nil, time.Now())

	_, err := store.GetFindingSet(ctx, set.ID())
	assert.ErrorIs(t, err, scanning.ErrResultNotReady)

	require.NoError(t, store.SaveFindingSet(ctx, set))
	got, err := store.GetFindingSet(ctx, set.ID())
	require.NoError(t, err)
	assert.Equal(t, set.ID(), got.ID())
	assert.Equal(t, 1, store.Len())

	require.NoError(t, store.DeleteFindingSet(ctx, set.ID()))
	assert.Equal(t, 0, store.Len())
}
