package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

func (s *PostgresStore) CreateProject(ctx context.Context, p *models.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, org_id, name, slug, issue_counter, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		p.ID, p.OrgID, p.Name, p.Slug, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var p models.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, name, slug, issue_counter, created_at, updated_at
		 FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.OrgID, &p.Name, &p.Slug, &p.IssueCounter, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) NextIssueNumber(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`UPDATE projects SET issue_counter = issue_counter + 1, updated_at = NOW()
		 WHERE id = $1 RETURNING issue_counter`, projectID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("next issue number: %w", err)
	}
	return n, nil
}

// --- Issues ---

const issueColumns = `id, project_id, short_id, fingerprint, title, culprit, status,
	event_count, user_count, first_seen_at, last_seen_at,
	resolved_at, resolved_by, resolved_in_release,
	times_regressed, last_regressed_at, regressed_in_release,
	assigned_to, created_at, updated_at`

func scanIssue(row pgx.Row) (*models.Issue, error) {
	var i models.Issue
	err := row.Scan(&i.ID, &i.ProjectID, &i.ShortID, &i.Fingerprint, &i.Title, &i.Culprit,
		&i.Status, &i.EventCount, &i.UserCount, &i.FirstSeenAt, &i.LastSeenAt,
		&i.ResolvedAt, &i.ResolvedBy, &i.ResolvedInRelease,
		&i.TimesRegressed, &i.LastRegressedAt, &i.RegressedInRelease,
		&i.AssignedTo, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) CreateIssue(ctx context.Context, iss *models.Issue) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO issues (id, project_id, short_id, fingerprint, title, culprit, status,
		   event_count, user_count, first_seen_at, last_seen_at, times_regressed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13)
		 ON CONFLICT (project_id, fingerprint) DO NOTHING`,
		iss.ID, iss.ProjectID, iss.ShortID, iss.Fingerprint, iss.Title, iss.Culprit, iss.Status,
		iss.EventCount, iss.UserCount, iss.FirstSeenAt, iss.LastSeenAt, iss.CreatedAt, iss.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *PostgresStore) GetIssueByFingerprint(ctx context.Context, projectID uuid.UUID, fingerprint string) (*models.Issue, error) {
	iss, err := scanIssue(s.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_id = $1 AND fingerprint = $2`,
		projectID, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue by fingerprint: %w", err)
	}
	return iss, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error) {
	iss, err := scanIssue(s.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1 AND project_id = $2`, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return iss, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*models.Issue, int, error) {
	conditions := []string{"project_id = $1"}
	args := []any{filter.ProjectID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("last_seen_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM issues WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(
		`SELECT %s FROM issues WHERE %s ORDER BY last_seen_at DESC LIMIT $%d OFFSET $%d`,
		issueColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, iss)
	}
	return issues, total, rows.Err()
}

func (s *PostgresStore) ApplyEventToIssue(ctx context.Context, issueID uuid.UUID, seenAt time.Time, release string) (*IssueEventResult, error) {
	// The sub-select takes a row lock so concurrent events serialize, and
	// surfaces the pre-update status: resolved -> regressed must be
	// detected by exactly one event.
	row := s.pool.QueryRow(ctx,
		`UPDATE issues i SET
		   event_count = i.event_count + 1,
		   last_seen_at = GREATEST(i.last_seen_at, $2),
		   status = CASE WHEN i.status = 'resolved' THEN 'regressed' ELSE i.status END,
		   times_regressed = i.times_regressed + CASE WHEN i.status = 'resolved' THEN 1 ELSE 0 END,
		   last_regressed_at = CASE WHEN i.status = 'resolved' THEN $2 ELSE i.last_regressed_at END,
		   regressed_in_release = CASE WHEN i.status = 'resolved' THEN NULLIF($3, '') ELSE i.regressed_in_release END,
		   updated_at = NOW()
		 FROM (SELECT id, status AS prev_status FROM issues WHERE id = $1 FOR UPDATE) prev
		 WHERE i.id = prev.id
		 RETURNING `+prefixedIssueColumns("i")+`, prev.prev_status`,
		issueID, seenAt, release)

	var res IssueEventResult
	i := &res.Issue
	err := row.Scan(&i.ID, &i.ProjectID, &i.ShortID, &i.Fingerprint, &i.Title, &i.Culprit,
		&i.Status, &i.EventCount, &i.UserCount, &i.FirstSeenAt, &i.LastSeenAt,
		&i.ResolvedAt, &i.ResolvedBy, &i.ResolvedInRelease,
		&i.TimesRegressed, &i.LastRegressedAt, &i.RegressedInRelease,
		&i.AssignedTo, &i.CreatedAt, &i.UpdatedAt, &res.PrevStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("apply event to issue: %w", err)
	}
	return &res, nil
}

func (s *PostgresStore) RecordIssueUser(ctx context.Context, issueID uuid.UUID, distinctID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("record issue user: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO issue_users (issue_id, distinct_id) VALUES ($1, $2)
		 ON CONFLICT (issue_id, distinct_id) DO NOTHING`,
		issueID, distinctID)
	if err != nil {
		return false, fmt.Errorf("record issue user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE issues SET user_count = user_count + 1, updated_at = NOW() WHERE id = $1`,
		issueID); err != nil {
		return false, fmt.Errorf("increment user count: %w", err)
	}
	return true, tx.Commit(ctx)
}

func (s *PostgresStore) ResolveIssue(ctx context.Context, id, projectID uuid.UUID, by, release string) (*models.Issue, error) {
	// Resolving an already-resolved issue is a no-op that keeps the
	// original resolution metadata.
	iss, err := scanIssue(s.pool.QueryRow(ctx,
		`UPDATE issues SET
		   resolved_at = CASE WHEN status = 'resolved' THEN resolved_at ELSE NOW() END,
		   resolved_by = CASE WHEN status = 'resolved' THEN resolved_by ELSE NULLIF($3, '') END,
		   resolved_in_release = CASE WHEN status = 'resolved' THEN resolved_in_release ELSE NULLIF($4, '') END,
		   status = 'resolved',
		   updated_at = NOW()
		 WHERE id = $1 AND project_id = $2
		 RETURNING `+issueColumns, id, projectID, by, release))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve issue: %w", err)
	}
	return iss, nil
}

func (s *PostgresStore) UnresolveIssue(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error) {
	iss, err := scanIssue(s.pool.QueryRow(ctx,
		`UPDATE issues SET
		   status = CASE WHEN status IN ('resolved', 'regressed') THEN 'unresolved' ELSE status END,
		   resolved_at = NULL, resolved_by = NULL, resolved_in_release = NULL,
		   updated_at = NOW()
		 WHERE id = $1 AND project_id = $2
		 RETURNING `+issueColumns, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unresolve issue: %w", err)
	}
	return iss, nil
}

func (s *PostgresStore) IgnoreIssue(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error) {
	iss, err := scanIssue(s.pool.QueryRow(ctx,
		`UPDATE issues SET status = 'ignored', updated_at = NOW()
		 WHERE id = $1 AND project_id = $2
		 RETURNING `+issueColumns, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ignore issue: %w", err)
	}
	return iss, nil
}

func (s *PostgresStore) UnignoreIssue(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error) {
	iss, err := scanIssue(s.pool.QueryRow(ctx,
		`UPDATE issues SET
		   status = CASE WHEN status = 'ignored' THEN 'unresolved' ELSE status END,
		   updated_at = NOW()
		 WHERE id = $1 AND project_id = $2
		 RETURNING `+issueColumns, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unignore issue: %w", err)
	}
	return iss, nil
}

func (s *PostgresStore) AssignIssue(ctx context.Context, id, projectID uuid.UUID, assignee string) (*models.Issue, error) {
	iss, err := scanIssue(s.pool.QueryRow(ctx,
		`UPDATE issues SET assigned_to = NULLIF($3, ''), updated_at = NOW()
		 WHERE id = $1 AND project_id = $2
		 RETURNING `+issueColumns, id, projectID, assignee))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("assign issue: %w", err)
	}
	return iss, nil
}

func (s *PostgresStore) DeleteIssue(ctx context.Context, id, projectID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM issues WHERE id = $1 AND project_id = $2`, id, projectID)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Events ---

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *models.CrashEvent) error {
	stacktrace, err := json.Marshal(ev.Stacktrace)
	if err != nil {
		return fmt.Errorf("marshal stacktrace: %w", err)
	}
	var rawStacktrace []byte
	if ev.RawStacktrace != nil {
		if rawStacktrace, err = json.Marshal(ev.RawStacktrace); err != nil {
			return fmt.Errorf("marshal raw stacktrace: %w", err)
		}
	}
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	extra, err := json.Marshal(ev.Extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}
	flags, err := json.Marshal(ev.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	breadcrumbs, err := json.Marshal(ev.Breadcrumbs)
	if err != nil {
		return fmt.Errorf("marshal breadcrumbs: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (id, org_id, project_id, issue_id, person_id, distinct_id,
		   exception_type, exception_value, stacktrace, raw_stacktrace,
		   release, dist, environment, platform, tags, extra, flags, breadcrumbs,
		   occurred_at, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		ev.ID, ev.OrgID, ev.ProjectID, ev.IssueID, ev.PersonID, ev.DistinctID,
		ev.ExceptionType, ev.ExceptionValue, stacktrace, rawStacktrace,
		ev.Release, ev.Dist, ev.Environment, ev.Platform, tags, extra, flags, breadcrumbs,
		ev.Timestamp, ev.ReceivedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE project_id = $1 AND received_at < $2`, projectID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events before cutoff: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Artifacts ---

const artifactColumns = `id, project_id, release, dist, name, type, content_hash, size, has_sources_content, created_at`

func scanArtifact(row pgx.Row) (*models.SymbolArtifact, error) {
	var a models.SymbolArtifact
	err := row.Scan(&a.ID, &a.ProjectID, &a.Release, &a.Dist, &a.Name, &a.Type,
		&a.ContentHash, &a.Size, &a.HasSourcesContent, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateArtifact(ctx context.Context, a *models.SymbolArtifact) (*models.SymbolArtifact, error) {
	// Re-uploads of the same scoped name keep the original row ID; the
	// content columns follow the latest upload.
	result, err := scanArtifact(s.pool.QueryRow(ctx,
		`INSERT INTO artifacts (id, project_id, release, dist, name, type, content_hash, size, has_sources_content, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (project_id, release, dist, name) DO UPDATE SET
		   type = EXCLUDED.type,
		   content_hash = EXCLUDED.content_hash,
		   size = EXCLUDED.size,
		   has_sources_content = EXCLUDED.has_sources_content,
		   data = EXCLUDED.data
		 RETURNING `+artifactColumns,
		a.ID, a.ProjectID, a.Release, a.Dist, a.Name, a.Type,
		a.ContentHash, a.Size, a.HasSourcesContent, a.Data, a.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) FindArtifact(ctx context.Context, projectID uuid.UUID, release, dist, name string) (*models.SymbolArtifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE project_id = $1 AND release = $2 AND dist = $3 AND name = $4`,
		projectID, release, dist, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find artifact: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetArtifactData(ctx context.Context, projectID uuid.UUID, contentHash string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM artifacts WHERE project_id = $1 AND content_hash = $2 LIMIT 1`,
		projectID, contentHash,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact data: %w", err)
	}
	return data, nil
}

// --- Fingerprint rules ---

func (s *PostgresStore) ReplaceFingerprintRules(ctx context.Context, projectID uuid.UUID, rules []models.FingerprintRule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace fingerprint rules: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM fingerprint_rules WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("clear fingerprint rules: %w", err)
	}

	for i, rule := range rules {
		components, err := json.Marshal(rule.Components)
		if err != nil {
			return fmt.Errorf("marshal rule components: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO fingerprint_rules (id, project_id, position, match_type, pattern, components, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
			uuid.New(), projectID, i, rule.MatchType, rule.Pattern, components); err != nil {
			return fmt.Errorf("insert fingerprint rule: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetFingerprintRules(ctx context.Context, projectID uuid.UUID) ([]models.FingerprintRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT match_type, pattern, components FROM fingerprint_rules
		 WHERE project_id = $1 ORDER BY position`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get fingerprint rules: %w", err)
	}
	defer rows.Close()

	var rules []models.FingerprintRule
	for rows.Next() {
		var rule models.FingerprintRule
		var components []byte
		if err := rows.Scan(&rule.MatchType, &rule.Pattern, &components); err != nil {
			return nil, fmt.Errorf("scan fingerprint rule: %w", err)
		}
		if err := json.Unmarshal(components, &rule.Components); err != nil {
			return nil, fmt.Errorf("unmarshal rule components: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// prefixedIssueColumns qualifies the issue column list with a table alias
// for queries that join.
func prefixedIssueColumns(alias string) string {
	cols := strings.Split(issueColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
