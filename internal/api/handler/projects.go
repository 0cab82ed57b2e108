// Package handler contains the HTTP handlers. Each handler is built by a
// constructor taking the narrowest interface it needs, which keeps the
// contract tests free of real infrastructure.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/faultline/faultline/internal/api/response"
	"github.com/faultline/faultline/internal/store"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
)

var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// ProjectStore is the project surface handlers depend on.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
}

// NewCreateProjectHandler returns the handler for POST /api/v1/projects.
func NewCreateProjectHandler(s ProjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OrgID string `json:"org_id"`
			Name  string `json:"name"`
			Slug  string `json:"slug"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "name is required", nil)
			return
		}
		orgID, err := uuid.Parse(req.OrgID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "org_id must be a UUID", nil)
			return
		}
		slug := req.Slug
		if slug == "" {
			slug = slugify(req.Name)
		}
		if !slugPattern.MatchString(slug) {
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"slug must be lowercase alphanumeric with hyphens", nil)
			return
		}

		now := time.Now().UTC()
		project := &models.Project{
			ID:        uuid.New(),
			OrgID:     orgID,
			Name:      req.Name,
			Slug:      slug,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateProject(r.Context(), project); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, response.CodeConflict,
					"A project with this slug already exists in the organization", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, response.CodeStorage,
				"Could not create project", nil)
			return
		}
		response.Created(w, project)
	}
}

// NewGetProjectHandler returns the handler for GET /api/v1/projects/{projectID}.
func NewGetProjectHandler(s ProjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := requireProject(w, r)
		if !ok {
			return
		}
		project, err := s.GetProject(r.Context(), projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, response.CodeNotFound, "Project not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, response.CodeStorage,
				"Could not load project", nil)
			return
		}
		response.JSON(w, project)
	}
}

// slugify derives a project slug from its display name.
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
