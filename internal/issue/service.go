package issue

import (
	"context"
	"time"

	"github.com/faultline/faultline/internal/notify"
	"github.com/faultline/faultline/internal/store"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
)

// Service carries the operator-facing issue transitions and broadcasts
// the ones live dashboards care about.
type Service struct {
	store    store.Store
	notifier *notify.Registry
}

func NewService(s store.Store, notifier *notify.Registry) *Service {
	return &Service{store: s, notifier: notifier}
}

func (s *Service) Get(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error) {
	return s.store.GetIssue(ctx, id, projectID)
}

func (s *Service) List(ctx context.Context, filter store.IssueFilter) ([]*models.Issue, int, error) {
	return s.store.ListIssues(ctx, filter)
}

// Resolve marks an issue resolved, recording who resolved it and in which
// release. Resolving an already-resolved issue is a no-op, not an error.
func (s *Service) Resolve(ctx context.Context, id, projectID uuid.UUID, by, release string) (*models.Issue, error) {
	iss, err := s.store.ResolveIssue(ctx, id, projectID, by, release)
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(notify.Notification{
		Type:      notify.TypeIssueResolved,
		ProjectID: projectID,
		IssueID:   iss.ID,
		ShortID:   iss.ShortID,
		Status:    iss.Status,
		Release:   release,
		Timestamp: time.Now().UTC(),
	})
	return iss, nil
}

// Unresolve reopens a resolved or regressed issue, clearing its
// resolution metadata.
func (s *Service) Unresolve(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error) {
	return s.store.UnresolveIssue(ctx, id, projectID)
}

// Ignore mutes an issue: it keeps counting events but never regresses and
// emits no notifications.
func (s *Service) Ignore(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error) {
	return s.store.IgnoreIssue(ctx, id, projectID)
}

// Unignore returns an ignored issue to unresolved. Issues in any other
// state are left as they are.
func (s *Service) Unignore(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error) {
	return s.store.UnignoreIssue(ctx, id, projectID)
}

// Assign sets or clears (empty assignee) the issue's assignee.
func (s *Service) Assign(ctx context.Context, id, projectID uuid.UUID, assignee string) (*models.Issue, error) {
	iss, err := s.store.AssignIssue(ctx, id, projectID, assignee)
	if err != nil {
		return nil, err
	}
	if assignee != "" {
		s.notifier.Publish(notify.Notification{
			Type:      notify.TypeIssueAssigned,
			ProjectID: projectID,
			IssueID:   iss.ID,
			ShortID:   iss.ShortID,
			Status:    iss.Status,
			Timestamp: time.Now().UTC(),
		})
	}
	return iss, nil
}

// Delete removes an issue and, via cascade, its events and user records.
func (s *Service) Delete(ctx context.Context, id, projectID uuid.UUID) error {
	return s.store.DeleteIssue(ctx, id, projectID)
}
