package store

import (
	"context"
	"errors"
	"time"

	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	NextIssueNumber(ctx context.Context, projectID uuid.UUID) (int64, error)

	// CreateIssue inserts a new issue; ErrDuplicateKey signals that a
	// concurrent ingestion created the same (project, fingerprint) first.
	CreateIssue(ctx context.Context, iss *models.Issue) error
	GetIssueByFingerprint(ctx context.Context, projectID uuid.UUID, fingerprint string) (*models.Issue, error)
	GetIssue(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error)

	// ApplyEventToIssue atomically folds one event into an existing issue:
	// counts, last-seen, and the resolved->regressed transition. The
	// returned PrevStatus tells the caller whether the transition fired.
	ApplyEventToIssue(ctx context.Context, issueID uuid.UUID, seenAt time.Time, release string) (*IssueEventResult, error)

	// RecordIssueUser marks a distinct identifier as seen on an issue and
	// bumps user_count exactly once per identifier. Returns true on first
	// observation.
	RecordIssueUser(ctx context.Context, issueID uuid.UUID, distinctID string) (bool, error)

	ResolveIssue(ctx context.Context, id, projectID uuid.UUID, by, release string) (*models.Issue, error)
	UnresolveIssue(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error)
	IgnoreIssue(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error)
	UnignoreIssue(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error)
	AssignIssue(ctx context.Context, id, projectID uuid.UUID, assignee string) (*models.Issue, error)
	DeleteIssue(ctx context.Context, id, projectID uuid.UUID) error

	InsertEvent(ctx context.Context, ev *models.CrashEvent) error
	DeleteEventsBefore(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error)

	// CreateArtifact upserts on (project, release, dist, name); uploading
	// identical bytes returns the existing artifact row.
	CreateArtifact(ctx context.Context, a *models.SymbolArtifact) (*models.SymbolArtifact, error)
	FindArtifact(ctx context.Context, projectID uuid.UUID, release, dist, name string) (*models.SymbolArtifact, error)
	GetArtifactData(ctx context.Context, projectID uuid.UUID, contentHash string) ([]byte, error)

	ReplaceFingerprintRules(ctx context.Context, projectID uuid.UUID, rules []models.FingerprintRule) error
	GetFingerprintRules(ctx context.Context, projectID uuid.UUID) ([]models.FingerprintRule, error)
}

// IssueFilter narrows and paginates issue listings.
type IssueFilter struct {
	ProjectID uuid.UUID
	Status    string
	Since     time.Time
	Page      int
	Limit     int
}

// IssueEventResult is the outcome of ApplyEventToIssue.
type IssueEventResult struct {
	Issue      models.Issue
	PrevStatus string
}

// Regressed reports whether this event flipped the issue from resolved to
// regressed.
func (r *IssueEventResult) Regressed() bool {
	return r.PrevStatus == models.IssueStatusResolved
}
