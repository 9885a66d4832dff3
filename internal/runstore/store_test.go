package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		URL:          filepath.Join(t.TempDir(), "runs.db"),
		PingTimeout:  2 * time.Second,
		MaxOpenConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *Store, runset, state, host, path string) int64 {
	t.Helper()
	ctx := context.Background()
	ids, err := s.Schedule(ctx, ScheduleRequest{Count: 1, Revision: "17", Runset: runset})
	require.NoError(t, err)
	require.NoError(t, s.SetState(ctx, ids[0], state))
	require.NoError(t, s.SetOutput(ctx, ids[0], host, path))
	return ids[0]
}

func TestRunsDefaultsToCopiedState(t *testing.T) {
	s := openTestStore(t)
	copied := seedRun(t, s, "a", StateCopied, "hpc1", "/out/1")
	seedRun(t, s, "a", StateFailed, "hpc1", "/out/2")

	runs, err := s.Runs(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, copied, runs[0].ID)
	assert.Equal(t, "hpc1", runs[0].OutputHost)
	assert.Equal(t, "/out/1", runs[0].OutputPath)
	assert.Equal(t, "17", runs[0].Revision)
	assert.False(t, runs[0].CreatedAt.IsZero())
}

func TestRunsFilters(t *testing.T) {
	s := openTestStore(t)
	r1 := seedRun(t, s, "alpha", StateCopied, "hpc1", "/out/1")
	r2 := seedRun(t, s, "beta", StateCopied, "hpc2", "/out/2")
	r3 := seedRun(t, s, "alpha", StateCompleted, "hpc2", "/out/3")
	ctx := context.Background()

	runs, err := s.Runs(ctx, Filter{Runset: "alpha"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r1, runs[0].ID)

	runs, err = s.Runs(ctx, Filter{States: []string{StateCopied, StateCompleted}, Host: "hpc2"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, r2, runs[0].ID)
	assert.Equal(t, r3, runs[1].ID)

	runs, err = s.Runs(ctx, Filter{States: []string{StateCopied}, RunIDs: []int64{r2, r3}})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r2, runs[0].ID)
}

func TestScheduleAssignsIncreasingIDs(t *testing.T) {
	s := openTestStore(t)
	ids, err := s.Schedule(context.Background(), ScheduleRequest{Count: 3, Revision: "head", Runset: "sweep"})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	run, err := s.Run(context.Background(), ids[2])
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, run.State)
	assert.Equal(t, "sweep", run.Runset)
}

func TestScheduleRejectsBadRequests(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Schedule(context.Background(), ScheduleRequest{Count: 0, Revision: "1"})
	assert.Error(t, err)
	_, err = s.Schedule(context.Background(), ScheduleRequest{Count: 1})
	assert.Error(t, err)
}

func TestSetStateUnknownRun(t *testing.T) {
	s := openTestStore(t)
	err := s.SetState(context.Background(), 999, StateCopied)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Run(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.SetState(context.Background(), 1, "bogus")
	assert.Error(t, err)
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InitSchema(context.Background()))
	require.NoError(t, s.InitSchema(context.Background()))
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "postgres://bob:xxxxxx@db:5432/runs", MaskPassword("postgres://bob:secret@db:5432/runs"))
	assert.Equal(t, "host=db password=xxxxxx dbname=runs", MaskPassword("host=db password=hunter2 dbname=runs"))
	assert.Equal(t, "/tmp/runs.db", MaskPassword("/tmp/runs.db"))
}

func TestRebindForPostgres(t *testing.T) {
	s := &Store{dialect: dialectPostgres}
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", s.rebind("a = ? AND b IN ("+placeholders(2)+")"))
	s = &Store{dialect: dialectSQLite}
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}
