package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/faultline/faultline/internal/api/response"
	"github.com/faultline/faultline/internal/store"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
)

const (
	defaultIssuePageLimit = 25
	maxIssuePageLimit     = 100
)

// IssueService is the issue-lifecycle surface handlers depend on,
// implemented by issue.Service.
type IssueService interface {
	Get(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error)
	List(ctx context.Context, filter store.IssueFilter) ([]*models.Issue, int, error)
	Resolve(ctx context.Context, id, projectID uuid.UUID, by, release string) (*models.Issue, error)
	Unresolve(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error)
	Ignore(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error)
	Unignore(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error)
	Assign(ctx context.Context, id, projectID uuid.UUID, assignee string) (*models.Issue, error)
	Delete(ctx context.Context, id, projectID uuid.UUID) error
}

// NewListIssuesHandler returns the handler for
// GET /api/v1/projects/{projectID}/issues.
func NewListIssuesHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := requireProject(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filter := store.IssueFilter{
			ProjectID: projectID,
			Status:    q.Get("status"),
			Page:      1,
			Limit:     defaultIssuePageLimit,
		}
		if filter.Status != "" && !validIssueStatus(filter.Status) {
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"Unknown issue status "+filter.Status, nil)
			return
		}
		if v := q.Get("page"); v != "" {
			if page, err := strconv.Atoi(v); err == nil && page > 0 {
				filter.Page = page
			}
		}
		if v := q.Get("limit"); v != "" {
			if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
				filter.Limit = min(limit, maxIssuePageLimit)
			}
		}
		if v := q.Get("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.Error(w, http.StatusBadRequest, response.CodeValidation,
					"since must be an RFC3339 timestamp", nil)
				return
			}
			filter.Since = since
		}

		issues, total, err := svc.List(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, response.CodeStorage,
				"Could not list issues", nil)
			return
		}
		response.Collection(w, issues, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewGetIssueHandler returns the handler for
// GET /api/v1/projects/{projectID}/issues/{issueID}.
func NewGetIssueHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, issueID, ok := issueScope(w, r)
		if !ok {
			return
		}
		iss, err := svc.Get(r.Context(), issueID, projectID)
		if err != nil {
			writeIssueError(w, err)
			return
		}
		response.JSON(w, iss)
	}
}

// NewResolveIssueHandler returns the handler for
// POST .../issues/{issueID}/resolve. The optional body carries who
// resolved the issue and in which release.
func NewResolveIssueHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, issueID, ok := issueScope(w, r)
		if !ok {
			return
		}
		var req struct {
			By      string `json:"by"`
			Release string `json:"release"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid JSON body", nil)
				return
			}
		}
		iss, err := svc.Resolve(r.Context(), issueID, projectID, req.By, req.Release)
		if err != nil {
			writeIssueError(w, err)
			return
		}
		response.JSON(w, iss)
	}
}

// NewIssueTransitionHandler builds a handler for the bodyless transitions:
// unresolve, ignore, unignore.
func NewIssueTransitionHandler(transition func(ctx context.Context, id, projectID uuid.UUID) (*models.Issue, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, issueID, ok := issueScope(w, r)
		if !ok {
			return
		}
		iss, err := transition(r.Context(), issueID, projectID)
		if err != nil {
			writeIssueError(w, err)
			return
		}
		response.JSON(w, iss)
	}
}

// NewAssignIssueHandler returns the handler for PUT .../issues/{issueID}/assignee.
// An empty assignee clears the assignment.
func NewAssignIssueHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, issueID, ok := issueScope(w, r)
		if !ok {
			return
		}
		var req struct {
			Assignee string `json:"assignee"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid JSON body", nil)
			return
		}
		iss, err := svc.Assign(r.Context(), issueID, projectID, req.Assignee)
		if err != nil {
			writeIssueError(w, err)
			return
		}
		response.JSON(w, iss)
	}
}

// NewDeleteIssueHandler returns the handler for DELETE .../issues/{issueID}.
func NewDeleteIssueHandler(svc IssueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, issueID, ok := issueScope(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), issueID, projectID); err != nil {
			writeIssueError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// EventPruner deletes old events, used by retention tooling.
type EventPruner interface {
	DeleteEventsBefore(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error)
}

// NewDeleteEventsHandler returns the handler for
// DELETE /api/v1/projects/{projectID}/events?before=<RFC3339>.
func NewDeleteEventsHandler(s EventPruner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := requireProject(w, r)
		if !ok {
			return
		}
		before := r.URL.Query().Get("before")
		if before == "" {
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"before query parameter is required", nil)
			return
		}
		cutoff, err := time.Parse(time.RFC3339, before)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"before must be an RFC3339 timestamp", nil)
			return
		}
		deleted, err := s.DeleteEventsBefore(r.Context(), projectID, cutoff)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, response.CodeStorage,
				"Could not delete events", nil)
			return
		}
		response.JSON(w, map[string]int64{"deleted": deleted})
	}
}

func issueScope(w http.ResponseWriter, r *http.Request) (projectID, issueID uuid.UUID, ok bool) {
	projectID, ok = requireProject(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	issueID, ok = urlUUID(w, r, "issueID")
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return projectID, issueID, true
}

func writeIssueError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Issue not found", nil)
		return
	}
	response.Error(w, http.StatusInternalServerError, response.CodeStorage,
		"Could not apply issue operation", nil)
}

func validIssueStatus(s string) bool {
	switch s {
	case models.IssueStatusUnresolved, models.IssueStatusResolved,
		models.IssueStatusIgnored, models.IssueStatusRegressed:
		return true
	}
	return false
}
