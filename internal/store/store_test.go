package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pagesmith/internal/domain"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sampleSession(id string, updated time.Time) *domain.Session {
	s := domain.NewSession(id, "anon_owner", epoch)
	s.RecordMessage(domain.RoleUser, "", "build me a blog", epoch, nil)
	s.StageOutputs = map[domain.Stage]json.RawMessage{domain.StageWelcome: json.RawMessage(`{"ok":true}`)}
	s.CollectedData = map[string]any{"kind": "blog"}
	s.UpdatedAt = updated
	return s
}

var sessionCmp = cmp.Options{
	cmpopts.EquateEmpty(),
	cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) }),
	cmp.Comparer(func(a, b json.RawMessage) bool { return string(a) == string(b) }),
}

// exerciseRepository runs the behavior every backend must share.
func exerciseRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, repo.Ping(ctx))

	s := sampleSession("s-1", epoch)
	require.NoError(t, repo.Create(ctx, s))
	assert.ErrorIs(t, repo.Create(ctx, s), ErrExists)

	got, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	if diff := cmp.Diff(s, got, sessionCmp); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Mutating the returned copy must not affect the stored value.
	got.History[0].Content = "changed"
	again, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "build me a blog", again.History[0].Content)

	again.CurrentStage = domain.StageDesign
	again.Metrics.Turns = 4
	require.NoError(t, repo.Replace(ctx, again))
	got, err = repo.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageDesign, got.CurrentStage)
	assert.Equal(t, 4, got.Metrics.Turns)

	assert.ErrorIs(t, repo.Replace(ctx, sampleSession("missing", epoch)), ErrNotFound)
	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Delete(ctx, "s-1"))
	require.NoError(t, repo.Delete(ctx, "s-1"))
	_, err = repo.Get(ctx, "s-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func exerciseIdleListing(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	old := sampleSession("old", epoch)
	fresh := sampleSession("fresh", epoch.Add(2*time.Hour))
	done := sampleSession("done", epoch)
	done.Status = domain.SessionCompleted
	for _, s := range []*domain.Session{old, fresh, done} {
		require.NoError(t, repo.Create(ctx, s))
	}

	lister, ok := repo.(IdleLister)
	require.True(t, ok)
	ids, err := lister.ListIdle(ctx, epoch.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	var abandoned []string
	j := NewJanitor(repo, time.Hour, func(id string) { abandoned = append(abandoned, id) })
	require.NotNil(t, j)
	j.now = func() time.Time { return epoch.Add(90 * time.Minute) }

	assert.Equal(t, 1, j.Sweep(ctx))
	assert.Equal(t, []string{"old"}, abandoned)

	got, err := repo.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAbandoned, got.Status)

	assert.Zero(t, j.Sweep(ctx), "abandoned sessions are not swept twice")
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseRepository(t, NewMemory())
}

func TestMemoryStoreIdle(t *testing.T) {
	t.Parallel()
	exerciseIdleListing(t, NewMemory())
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	exerciseRepository(t, newTestSQLite(t))
}

func TestSQLiteStoreIdle(t *testing.T) {
	t.Parallel()
	exerciseIdleListing(t, newTestSQLite(t))
}

func TestJanitorSkipsRunningSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	repo := NewMemory()
	s := sampleSession("busy", epoch)
	require.NoError(t, s.BeginExecution(domain.AgentExecution{ID: "e1", Stage: domain.StageWelcome, StartedAt: epoch}))
	require.NoError(t, repo.Create(ctx, s))

	j := NewJanitor(repo, time.Minute, nil)
	j.now = func() time.Time { return epoch.Add(time.Hour) }
	assert.Zero(t, j.Sweep(ctx))
}

type plainRepo struct{ Repository }

func TestNewJanitorRequiresIdleLister(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewJanitor(plainRepo{}, time.Minute, nil))
}
