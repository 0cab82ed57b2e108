package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/faultline/faultline/internal/store"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("faultline_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func createTestProject(t *testing.T, s store.Store) *models.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &models.Project{
		ID:        uuid.New(),
		OrgID:     uuid.New(),
		Name:      "Checkout",
		Slug:      "checkout",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func newTestIssue(t *testing.T, s store.Store, projectID uuid.UUID, fingerprint string) *models.Issue {
	t.Helper()
	now := time.Now().UTC()
	iss := &models.Issue{
		ID:          uuid.New(),
		ProjectID:   projectID,
		ShortID:     "CHECKOUT-" + fingerprint,
		Fingerprint: fingerprint,
		Title:       "TypeError: boom",
		Culprit:     "orders.submitOrder",
		Status:      models.IssueStatusUnresolved,
		FirstSeenAt: now,
		LastSeenAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateIssue(context.Background(), iss))
	return iss
}

// ─── projects ───

func TestProject_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	p := createTestProject(t, s)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Slug, got.Slug)
	assert.Equal(t, p.OrgID, got.OrgID)

	_, err = s.GetProject(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProject_DuplicateSlugConflicts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	p := createTestProject(t, s)
	dup := *p
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.CreateProject(ctx, &dup), store.ErrDuplicateKey)

	// Same slug in another org is fine.
	other := *p
	other.ID = uuid.New()
	other.OrgID = uuid.New()
	assert.NoError(t, s.CreateProject(ctx, &other))
}

func TestProject_NextIssueNumberIsMonotonic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.NextIssueNumber(ctx, p.ID)
			assert.NoError(t, err)
			mu.Lock()
			assert.False(t, seen[n], "issue number %d allocated twice", n)
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 10)
}

// ─── issues ───

func TestIssue_CreateConflictOnFingerprint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)

	first := newTestIssue(t, s, p.ID, "fp-1")

	dup := *first
	dup.ID = uuid.New()
	dup.ShortID = "CHECKOUT-other"
	assert.ErrorIs(t, s.CreateIssue(ctx, &dup), store.ErrDuplicateKey)

	got, err := s.GetIssueByFingerprint(ctx, p.ID, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestIssue_ApplyEventCountsAndRegresses(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)
	iss := newTestIssue(t, s, p.ID, "fp-1")

	res, err := s.ApplyEventToIssue(ctx, iss.ID, time.Now().UTC(), "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Issue.EventCount)
	assert.False(t, res.Regressed())
	assert.Equal(t, models.IssueStatusUnresolved, res.Issue.Status)

	_, err = s.ResolveIssue(ctx, iss.ID, p.ID, "alex", "1.1.0")
	require.NoError(t, err)

	res, err = s.ApplyEventToIssue(ctx, iss.ID, time.Now().UTC(), "1.2.0")
	require.NoError(t, err)
	assert.True(t, res.Regressed())
	assert.Equal(t, models.IssueStatusRegressed, res.Issue.Status)
	assert.Equal(t, 1, res.Issue.TimesRegressed)
	require.NotNil(t, res.Issue.RegressedInRelease)
	assert.Equal(t, "1.2.0", *res.Issue.RegressedInRelease)

	// The next event sees a regressed issue: no second transition.
	res, err = s.ApplyEventToIssue(ctx, iss.ID, time.Now().UTC(), "1.2.0")
	require.NoError(t, err)
	assert.False(t, res.Regressed())
	assert.Equal(t, 1, res.Issue.TimesRegressed)
}

func TestIssue_ConcurrentRegressionFiresOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)
	iss := newTestIssue(t, s, p.ID, "fp-1")

	_, err := s.ResolveIssue(ctx, iss.ID, p.ID, "alex", "1.0.0")
	require.NoError(t, err)

	const workers = 8
	var regressions int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ApplyEventToIssue(ctx, iss.ID, time.Now().UTC(), "1.1.0")
			if assert.NoError(t, err) && res.Regressed() {
				mu.Lock()
				regressions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), regressions, "exactly one worker observes the transition")

	got, err := s.GetIssue(ctx, iss.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.EventCount)
}

func TestIssue_IgnoredNeverRegresses(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)
	iss := newTestIssue(t, s, p.ID, "fp-1")

	_, err := s.IgnoreIssue(ctx, iss.ID, p.ID)
	require.NoError(t, err)

	res, err := s.ApplyEventToIssue(ctx, iss.ID, time.Now().UTC(), "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusIgnored, res.Issue.Status)
	assert.False(t, res.Regressed())
}

func TestIssue_RecordUserIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)
	iss := newTestIssue(t, s, p.ID, "fp-1")

	first, err := s.RecordIssueUser(ctx, iss.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.RecordIssueUser(ctx, iss.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := s.RecordIssueUser(ctx, iss.ID, "user-2")
	require.NoError(t, err)
	assert.True(t, other)

	got, err := s.GetIssue(ctx, iss.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UserCount)
}

func TestIssue_Transitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)
	iss := newTestIssue(t, s, p.ID, "fp-1")

	resolved, err := s.ResolveIssue(ctx, iss.ID, p.ID, "alex", "1.1.0")
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "alex", *resolved.ResolvedBy)

	// Resolving again keeps the original metadata.
	resolvedAgain, err := s.ResolveIssue(ctx, iss.ID, p.ID, "sam", "9.9.9")
	require.NoError(t, err)
	assert.Equal(t, "alex", *resolvedAgain.ResolvedBy)

	unresolved, err := s.UnresolveIssue(ctx, iss.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusUnresolved, unresolved.Status)
	assert.Nil(t, unresolved.ResolvedBy)
	assert.Nil(t, unresolved.ResolvedAt)

	ignored, err := s.IgnoreIssue(ctx, iss.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusIgnored, ignored.Status)

	unignored, err := s.UnignoreIssue(ctx, iss.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusUnresolved, unignored.Status)

	assigned, err := s.AssignIssue(ctx, iss.ID, p.ID, "sam")
	require.NoError(t, err)
	require.NotNil(t, assigned.AssignedTo)
	assert.Equal(t, "sam", *assigned.AssignedTo)

	cleared, err := s.AssignIssue(ctx, iss.ID, p.ID, "")
	require.NoError(t, err)
	assert.Nil(t, cleared.AssignedTo)

	require.NoError(t, s.DeleteIssue(ctx, iss.ID, p.ID))
	_, err = s.GetIssue(ctx, iss.ID, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIssue_ListFilters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)

	a := newTestIssue(t, s, p.ID, "fp-a")
	newTestIssue(t, s, p.ID, "fp-b")
	_, err := s.ResolveIssue(ctx, a.ID, p.ID, "alex", "")
	require.NoError(t, err)

	all, total, err := s.ListIssues(ctx, store.IssueFilter{ProjectID: p.ID, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	resolved, total, err := s.ListIssues(ctx, store.IssueFilter{
		ProjectID: p.ID, Status: models.IssueStatusResolved, Page: 1, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, resolved, 1)
	assert.Equal(t, a.ID, resolved[0].ID)
}

// ─── events ───

func TestEvent_InsertAndPrune(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)
	iss := newTestIssue(t, s, p.ID, "fp-1")

	col := 4
	old := &models.CrashEvent{
		ID:             uuid.New(),
		OrgID:          p.OrgID,
		ProjectID:      p.ID,
		IssueID:        iss.ID,
		DistinctID:     "user-1",
		ExceptionType:  "TypeError",
		ExceptionValue: "boom",
		Platform:       models.PlatformJavaScript,
		Environment:    "production",
		Release:        "1.0.0",
		Tags:           map[string]string{"browser": "firefox"},
		Stacktrace: models.Stacktrace{Frames: []models.Frame{
			{Function: "submitOrder", Filename: "orders.js", Line: 10, Column: &col, InApp: true},
		}},
		Timestamp:  time.Now().Add(-48 * time.Hour).UTC(),
		ReceivedAt: time.Now().Add(-48 * time.Hour).UTC(),
	}
	require.NoError(t, s.InsertEvent(ctx, old))

	recent := *old
	recent.ID = uuid.New()
	recent.Timestamp = time.Now().UTC()
	recent.ReceivedAt = time.Now().UTC()
	require.NoError(t, s.InsertEvent(ctx, &recent))

	deleted, err := s.DeleteEventsBefore(ctx, p.ID, time.Now().Add(-24*time.Hour).UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = s.DeleteEventsBefore(ctx, p.ID, time.Now().Add(-24*time.Hour).UTC())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

// ─── artifacts ───

func TestArtifact_UpsertKeepsOriginal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)

	a := &models.SymbolArtifact{
		ID:          uuid.New(),
		ProjectID:   p.ID,
		Release:     "1.0.0",
		Name:        "app.min.js.map",
		Type:        models.ArtifactTypeSourceMap,
		ContentHash: "hash-1",
		Size:        12,
		Data:        []byte(`{"version":3}`),
		CreatedAt:   time.Now().UTC(),
	}
	stored, err := s.CreateArtifact(ctx, a)
	require.NoError(t, err)

	replacement := *a
	replacement.ID = uuid.New()
	replacement.ContentHash = "hash-2"
	replacement.Data = []byte(`{"version":3,"names":[]}`)
	updated, err := s.CreateArtifact(ctx, &replacement)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, updated.ID, "upsert keeps the original row")
	assert.Equal(t, "hash-2", updated.ContentHash)

	found, err := s.FindArtifact(ctx, p.ID, "1.0.0", "", "app.min.js.map")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", found.ContentHash)
	assert.Empty(t, found.Data, "FindArtifact returns metadata only")

	data, err := s.GetArtifactData(ctx, p.ID, "hash-2")
	require.NoError(t, err)
	assert.Equal(t, replacement.Data, data)

	_, err = s.FindArtifact(ctx, p.ID, "2.0.0", "", "app.min.js.map")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ─── fingerprint rules ───

func TestFingerprintRules_ReplaceRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := createTestProject(t, s)

	rules := []models.FingerprintRule{
		{MatchType: models.MatchExceptionType, Pattern: "DatabaseError*", Components: []string{"database"}},
		{MatchType: models.MatchModule, Pattern: "vendor.*", Components: []string{"vendor", "{{type}}"}},
	}
	require.NoError(t, s.ReplaceFingerprintRules(ctx, p.ID, rules))

	got, err := s.GetFingerprintRules(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "DatabaseError*", got[0].Pattern)
	assert.Equal(t, []string{"vendor", "{{type}}"}, got[1].Components)

	require.NoError(t, s.ReplaceFingerprintRules(ctx, p.ID, nil))
	got, err = s.GetFingerprintRules(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
