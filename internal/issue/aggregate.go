// Package issue groups crash events into issues and drives the issue
// lifecycle. The aggregator owns the find-or-create path on the hot
// ingestion loop; Service carries the operator-facing transitions.
package issue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/faultline/faultline/internal/store"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
)

// maxTitleLen bounds the exception message portion of an issue title.
const maxTitleLen = 120

// Aggregator folds events into issues keyed by (project, fingerprint).
type Aggregator struct {
	store store.Store
}

func NewAggregator(s store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Outcome describes what one event did to its issue.
type Outcome struct {
	Issue     models.Issue
	Created   bool
	Regressed bool
	FirstUser bool
}

// Record finds or creates the issue for fingerprint and folds ev into it.
// Concurrent ingestions of the same fingerprint converge on a single
// issue: the insert race loser re-fetches the winner's row.
func (a *Aggregator) Record(ctx context.Context, ev *models.CrashEvent, fingerprint string) (*Outcome, error) {
	iss, created, err := a.findOrCreate(ctx, ev, fingerprint)
	if err != nil {
		return nil, err
	}

	res, err := a.store.ApplyEventToIssue(ctx, iss.ID, ev.Timestamp, ev.Release)
	if err != nil {
		return nil, fmt.Errorf("applying event to issue %s: %w", iss.ShortID, err)
	}

	firstUser := false
	if ev.DistinctID != "" {
		firstUser, err = a.store.RecordIssueUser(ctx, iss.ID, ev.DistinctID)
		if err != nil {
			return nil, fmt.Errorf("recording issue user: %w", err)
		}
		if firstUser {
			res.Issue.UserCount++
		}
	}

	return &Outcome{
		Issue:     res.Issue,
		Created:   created,
		Regressed: !created && res.Regressed(),
		FirstUser: firstUser,
	}, nil
}

func (a *Aggregator) findOrCreate(ctx context.Context, ev *models.CrashEvent, fingerprint string) (*models.Issue, bool, error) {
	iss, err := a.store.GetIssueByFingerprint(ctx, ev.ProjectID, fingerprint)
	if err == nil {
		return iss, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up issue by fingerprint: %w", err)
	}

	project, err := a.store.GetProject(ctx, ev.ProjectID)
	if err != nil {
		return nil, false, fmt.Errorf("loading project for new issue: %w", err)
	}
	number, err := a.store.NextIssueNumber(ctx, ev.ProjectID)
	if err != nil {
		return nil, false, fmt.Errorf("allocating issue number: %w", err)
	}

	now := time.Now().UTC()
	iss = &models.Issue{
		ID:          uuid.New(),
		ProjectID:   ev.ProjectID,
		ShortID:     fmt.Sprintf("%s-%d", strings.ToUpper(project.Slug), number),
		Fingerprint: fingerprint,
		Title:       titleFor(ev),
		Culprit:     culpritFor(ev),
		Status:      models.IssueStatusUnresolved,
		FirstSeenAt: ev.Timestamp,
		LastSeenAt:  ev.Timestamp,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = a.store.CreateIssue(ctx, iss)
	if err == nil {
		return iss, true, nil
	}
	if !errors.Is(err, store.ErrDuplicateKey) {
		return nil, false, fmt.Errorf("creating issue: %w", err)
	}

	// Lost the insert race; the winner's row is what we fold into. The
	// allocated issue number is abandoned, leaving a gap in the sequence.
	iss, err = a.store.GetIssueByFingerprint(ctx, ev.ProjectID, fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("re-fetching issue after insert race: %w", err)
	}
	return iss, false, nil
}

// titleFor builds the issue title from the exception type and a truncated
// message.
func titleFor(ev *models.CrashEvent) string {
	value := ev.ExceptionValue
	if runes := []rune(value); len(runes) > maxTitleLen {
		value = string(runes[:maxTitleLen]) + "…"
	}
	if value == "" {
		return ev.ExceptionType
	}
	return ev.ExceptionType + ": " + value
}

// culpritFor names the code location blamed for the issue: the innermost
// in-app frame, falling back to the innermost frame of any kind.
func culpritFor(ev *models.CrashEvent) string {
	frames := ev.Stacktrace.Frames
	for _, f := range frames {
		if f.InApp && f.Function != "" {
			return qualified(f)
		}
	}
	for _, f := range frames {
		if f.Function != "" {
			return qualified(f)
		}
	}
	return ""
}

func qualified(f models.Frame) string {
	if f.Module != "" {
		return f.Module + "." + f.Function
	}
	return f.Function
}
