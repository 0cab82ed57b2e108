package handler

import (
	"net/http"

	mw "github.com/faultline/faultline/internal/api/middleware"
	"github.com/faultline/faultline/internal/api/response"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// requireProject pulls the project ID set by the ProjectCtx middleware.
// Its absence is a routing bug, reported as a 500 rather than a panic.
func requireProject(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	projectID, ok := mw.GetProjectID(r)
	if !ok {
		response.Error(w, http.StatusInternalServerError, response.CodeInternal,
			"Request is missing project scope", nil)
		return uuid.Nil, false
	}
	return projectID, true
}

// urlUUID parses a UUID route parameter, writing a 400 on failure.
func urlUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation,
			param+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
