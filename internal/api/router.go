package api

import (
	"net/http"

	mw "github.com/faultline/faultline/internal/api/middleware"
	"github.com/faultline/faultline/internal/api/response"
	"github.com/go-chi/chi/v5"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateProject http.HandlerFunc
	GetProject    http.HandlerFunc

	IngestEvents http.HandlerFunc
	DeleteEvents http.HandlerFunc

	UploadArtifact http.HandlerFunc

	ListIssues     http.HandlerFunc
	GetIssue       http.HandlerFunc
	ResolveIssue   http.HandlerFunc
	UnresolveIssue http.HandlerFunc
	IgnoreIssue    http.HandlerFunc
	UnignoreIssue  http.HandlerFunc
	AssignIssue    http.HandlerFunc
	DeleteIssue    http.HandlerFunc

	GetRules http.HandlerFunc
	PutRules http.HandlerFunc

	Stream http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Post("/api/v1/projects", orNotImplemented(deps.CreateProject))

	r.Route("/api/v1/projects/{projectID}", func(r chi.Router) {
		r.Use(mw.ProjectCtx)

		r.Get("/", orNotImplemented(deps.GetProject))

		// Ingestion is the only rate-limited surface.
		r.Group(func(r chi.Router) {
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}
			r.Post("/events", orNotImplemented(deps.IngestEvents))
		})
		r.Delete("/events", orNotImplemented(deps.DeleteEvents))

		r.Post("/artifacts", orNotImplemented(deps.UploadArtifact))

		r.Get("/issues", orNotImplemented(deps.ListIssues))
		r.Route("/issues/{issueID}", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.GetIssue))
			r.Delete("/", orNotImplemented(deps.DeleteIssue))
			r.Post("/resolve", orNotImplemented(deps.ResolveIssue))
			r.Post("/unresolve", orNotImplemented(deps.UnresolveIssue))
			r.Post("/ignore", orNotImplemented(deps.IgnoreIssue))
			r.Post("/unignore", orNotImplemented(deps.UnignoreIssue))
			r.Put("/assignee", orNotImplemented(deps.AssignIssue))
		})

		r.Get("/fingerprint-rules", orNotImplemented(deps.GetRules))
		r.Put("/fingerprint-rules", orNotImplemented(deps.PutRules))

		r.Get("/stream", orNotImplemented(deps.Stream))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
