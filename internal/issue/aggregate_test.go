package issue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/faultline/faultline/internal/notify"
	"github.com/faultline/faultline/internal/store"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore embeds the nil Store interface so unstubbed calls panic,
// making unexpected store traffic visible in tests.
type mockStore struct {
	store.Store

	mu           sync.Mutex
	issues       map[string]*models.Issue // keyed by fingerprint
	issueNumbers int64
	applied      []uuid.UUID
	users        map[string]struct{}
	prevStatus   string

	failCreateOnce bool
}

func newMockStore() *mockStore {
	return &mockStore{
		issues:     make(map[string]*models.Issue),
		users:      make(map[string]struct{}),
		prevStatus: models.IssueStatusUnresolved,
	}
}

func (m *mockStore) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	return &models.Project{ID: id, Slug: "checkout"}, nil
}

func (m *mockStore) NextIssueNumber(context.Context, uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issueNumbers++
	return m.issueNumbers, nil
}

func (m *mockStore) GetIssueByFingerprint(_ context.Context, _ uuid.UUID, fingerprint string) (*models.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if iss, ok := m.issues[fingerprint]; ok {
		cp := *iss
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) CreateIssue(_ context.Context, iss *models.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateOnce {
		m.failCreateOnce = false
		// Simulate a concurrent winner inserting the same fingerprint.
		winner := *iss
		winner.ID = uuid.New()
		winner.ShortID = "CHECKOUT-99"
		m.issues[iss.Fingerprint] = &winner
		return store.ErrDuplicateKey
	}
	if _, ok := m.issues[iss.Fingerprint]; ok {
		return store.ErrDuplicateKey
	}
	cp := *iss
	m.issues[iss.Fingerprint] = &cp
	return nil
}

func (m *mockStore) ApplyEventToIssue(_ context.Context, issueID uuid.UUID, seenAt time.Time, _ string) (*store.IssueEventResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, issueID)
	for _, iss := range m.issues {
		if iss.ID == issueID {
			iss.EventCount++
			iss.LastSeenAt = seenAt
			prev := m.prevStatus
			if prev == models.IssueStatusResolved {
				iss.Status = models.IssueStatusRegressed
			}
			m.prevStatus = iss.Status
			return &store.IssueEventResult{Issue: *iss, PrevStatus: prev}, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) RecordIssueUser(_ context.Context, issueID uuid.UUID, distinctID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := issueID.String() + "/" + distinctID
	if _, ok := m.users[key]; ok {
		return false, nil
	}
	m.users[key] = struct{}{}
	// The real store bumps user_count on the issue row; later snapshots
	// must see it.
	for _, iss := range m.issues {
		if iss.ID == issueID {
			iss.UserCount++
		}
	}
	return true, nil
}

func intPtr(n int) *int { return &n }

func testEvent(projectID uuid.UUID) *models.CrashEvent {
	return &models.CrashEvent{
		ID:             uuid.New(),
		ProjectID:      projectID,
		DistinctID:     "user-1",
		ExceptionType:  "TypeError",
		ExceptionValue: "Cannot read properties of undefined",
		Platform:       models.PlatformJavaScript,
		Environment:    "production",
		Release:        "1.4.0",
		Timestamp:      time.Now().UTC(),
		Stacktrace: models.Stacktrace{Frames: []models.Frame{
			{Function: "handleClick", Module: "checkout.cart", Filename: "cart.js", Line: 10, Column: intPtr(4), InApp: true},
			{Function: "dispatch", Filename: "vendor.js", Line: 1, Column: intPtr(900)},
		}},
	}
}

// ─── aggregator ───

func TestRecordCreatesIssueOnFirstEvent(t *testing.T) {
	m := newMockStore()
	agg := NewAggregator(m)
	ev := testEvent(uuid.New())

	out, err := agg.Record(context.Background(), ev, "fp-1")
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.False(t, out.Regressed)
	assert.True(t, out.FirstUser)
	assert.Equal(t, "CHECKOUT-1", out.Issue.ShortID)
	assert.Equal(t, "TypeError: Cannot read properties of undefined", out.Issue.Title)
	assert.Equal(t, "checkout.cart.handleClick", out.Issue.Culprit)
	assert.Equal(t, models.IssueStatusUnresolved, out.Issue.Status)
	assert.Equal(t, int64(1), out.Issue.EventCount)
	assert.Equal(t, int64(1), out.Issue.UserCount)
}

func TestRecordFoldsIntoExistingIssue(t *testing.T) {
	m := newMockStore()
	agg := NewAggregator(m)
	projectID := uuid.New()

	first, err := agg.Record(context.Background(), testEvent(projectID), "fp-1")
	require.NoError(t, err)
	second, err := agg.Record(context.Background(), testEvent(projectID), "fp-1")
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Issue.ID, second.Issue.ID)
	assert.Equal(t, int64(2), second.Issue.EventCount)
	// Same distinct ID both times: the user is counted once.
	assert.False(t, second.FirstUser)
	assert.Equal(t, int64(1), second.Issue.UserCount)
}

func TestRecordLosesInsertRaceAndReFetches(t *testing.T) {
	m := newMockStore()
	m.failCreateOnce = true
	agg := NewAggregator(m)

	out, err := agg.Record(context.Background(), testEvent(uuid.New()), "fp-1")
	require.NoError(t, err)

	assert.False(t, out.Created, "race loser must not report creation")
	assert.Equal(t, "CHECKOUT-99", out.Issue.ShortID)
}

func TestRecordReportsRegression(t *testing.T) {
	m := newMockStore()
	agg := NewAggregator(m)
	projectID := uuid.New()

	_, err := agg.Record(context.Background(), testEvent(projectID), "fp-1")
	require.NoError(t, err)

	m.prevStatus = models.IssueStatusResolved
	out, err := agg.Record(context.Background(), testEvent(projectID), "fp-1")
	require.NoError(t, err)

	assert.True(t, out.Regressed)
	assert.Equal(t, models.IssueStatusRegressed, out.Issue.Status)
}

func TestTitleTruncatesLongMessages(t *testing.T) {
	ev := testEvent(uuid.New())
	long := make([]rune, 500)
	for i := range long {
		long[i] = 'x'
	}
	ev.ExceptionValue = string(long)

	title := titleFor(ev)
	assert.LessOrEqual(t, len([]rune(title)), len("TypeError: ")+maxTitleLen+1)
	assert.Contains(t, title, "TypeError: ")
}

func TestCulpritFallsBackToAnyFrame(t *testing.T) {
	ev := testEvent(uuid.New())
	for i := range ev.Stacktrace.Frames {
		ev.Stacktrace.Frames[i].InApp = false
	}
	assert.Equal(t, "checkout.cart.handleClick", culpritFor(ev))

	ev.Stacktrace.Frames = nil
	assert.Equal(t, "", culpritFor(ev))
}

// ─── service ───

type opStore struct {
	store.Store
	issue *models.Issue
}

func (s *opStore) ResolveIssue(_ context.Context, _, _ uuid.UUID, by, release string) (*models.Issue, error) {
	iss := *s.issue
	iss.Status = models.IssueStatusResolved
	iss.ResolvedBy = &by
	iss.ResolvedInRelease = &release
	return &iss, nil
}

func (s *opStore) AssignIssue(_ context.Context, _, _ uuid.UUID, assignee string) (*models.Issue, error) {
	iss := *s.issue
	if assignee != "" {
		iss.AssignedTo = &assignee
	}
	return &iss, nil
}

func TestResolvePublishesNotification(t *testing.T) {
	projectID := uuid.New()
	iss := &models.Issue{ID: uuid.New(), ProjectID: projectID, ShortID: "CHECKOUT-1"}
	registry := notify.NewRegistry(8, nil)
	sub := registry.Subscribe(projectID)
	defer sub.Close()

	svc := NewService(&opStore{issue: iss}, registry)
	resolved, err := svc.Resolve(context.Background(), iss.ID, projectID, "alex", "1.5.0")
	require.NoError(t, err)
	assert.Equal(t, models.IssueStatusResolved, resolved.Status)

	select {
	case n := <-sub.C():
		assert.Equal(t, notify.TypeIssueResolved, n.Type)
		assert.Equal(t, iss.ID, n.IssueID)
		assert.Equal(t, "1.5.0", n.Release)
	default:
		t.Fatal("expected a resolved notification")
	}
}

func TestAssignPublishesOnlyWhenAssigneeSet(t *testing.T) {
	projectID := uuid.New()
	iss := &models.Issue{ID: uuid.New(), ProjectID: projectID, ShortID: "CHECKOUT-1"}
	registry := notify.NewRegistry(8, nil)
	sub := registry.Subscribe(projectID)
	defer sub.Close()

	svc := NewService(&opStore{issue: iss}, registry)

	_, err := svc.Assign(context.Background(), iss.ID, projectID, "")
	require.NoError(t, err)
	select {
	case <-sub.C():
		t.Fatal("clearing an assignee must not notify")
	default:
	}

	_, err = svc.Assign(context.Background(), iss.ID, projectID, "alex")
	require.NoError(t, err)
	select {
	case n := <-sub.C():
		assert.Equal(t, notify.TypeIssueAssigned, n.Type)
	default:
		t.Fatal("expected an assigned notification")
	}
}
