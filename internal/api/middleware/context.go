package middleware

import (
	"context"
	"net/http"

	"github.com/faultline/faultline/internal/api/response"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type contextKey string

const projectIDKey contextKey = "project_id"

// SetProjectID is exported for handler tests that bypass the router.
func SetProjectID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, projectIDKey, id)
}

// GetProjectID returns the project scoping the current request.
func GetProjectID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(projectIDKey).(uuid.UUID)
	return id, ok
}

// ProjectCtx parses the {projectID} route parameter and stores it in the
// request context. Everything under /projects/{projectID} runs behind it.
func ProjectCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "projectID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest,
				"INVALID_PROJECT_ID", "Project ID must be a UUID", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetProjectID(r.Context(), id)))
	})
}
