package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "db", "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndGet(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	job := Job{
		ID:         "b7a1",
		CreatedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		WeightKg:   82.5,
		TargetSize: 43,
		Diagnosis:  "Supination",
		ArchType:   "Flat",
		Infill:     40,
		MeshPaths:  []string{"out/b7a1_Left.stl", "out/b7a1_Right.stl"},
	}
	require.NoError(t, l.Record(ctx, job))

	got, err := l.Get(ctx, "b7a1")
	require.NoError(t, err)
	if diff := cmp.Diff(job, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	assert.Error(t, l.Record(ctx, job), "duplicate id")
}

func TestGetMissing(t *testing.T) {
	_, err := openTestLedger(t).Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestListNewestFirst(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, Job{
			ID:        fmt.Sprintf("job-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
			MeshPaths: []string{},
		}))
	}

	jobs, err := l.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-4", jobs[0].ID)
	assert.Equal(t, "job-2", jobs[2].ID)

	all, err := l.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestRecordConcurrent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Record(ctx, Job{ID: fmt.Sprintf("c-%d", i)}))
		}(i)
	}
	wg.Wait()

	jobs, err := l.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 20)
}

func TestOpenMemory(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Record(context.Background(), Job{ID: "m"}))
}
