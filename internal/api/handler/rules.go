package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"path"

	"github.com/faultline/faultline/internal/api/response"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
)

// maxFingerprintRules bounds a project's custom rule list; rules are
// evaluated in order on every ingested event.
const maxFingerprintRules = 100

// RuleStore is the fingerprint-rule surface handlers depend on.
type RuleStore interface {
	ReplaceFingerprintRules(ctx context.Context, projectID uuid.UUID, rules []models.FingerprintRule) error
	GetFingerprintRules(ctx context.Context, projectID uuid.UUID) ([]models.FingerprintRule, error)
}

// NewPutRulesHandler returns the handler for
// PUT /api/v1/projects/{projectID}/fingerprint-rules. The body replaces
// the project's rule list wholesale; an empty array clears it.
func NewPutRulesHandler(s RuleStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := requireProject(w, r)
		if !ok {
			return
		}

		var rules []models.FingerprintRule
		if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"Body must be a JSON array of rules", nil)
			return
		}
		if len(rules) > maxFingerprintRules {
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"Too many fingerprint rules", nil)
			return
		}
		for i, rule := range rules {
			if msg := validateRule(rule); msg != "" {
				response.Error(w, http.StatusBadRequest, response.CodeValidation, msg,
					map[string]int{"index": i})
				return
			}
		}

		if err := s.ReplaceFingerprintRules(r.Context(), projectID, rules); err != nil {
			response.Error(w, http.StatusInternalServerError, response.CodeStorage,
				"Could not store fingerprint rules", nil)
			return
		}
		response.JSON(w, rules)
	}
}

// NewGetRulesHandler returns the handler for
// GET /api/v1/projects/{projectID}/fingerprint-rules.
func NewGetRulesHandler(s RuleStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := requireProject(w, r)
		if !ok {
			return
		}
		rules, err := s.GetFingerprintRules(r.Context(), projectID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, response.CodeStorage,
				"Could not load fingerprint rules", nil)
			return
		}
		if rules == nil {
			rules = []models.FingerprintRule{}
		}
		response.JSON(w, rules)
	}
}

func validateRule(rule models.FingerprintRule) string {
	if !models.ValidMatchType(rule.MatchType) {
		return "Unknown match_type " + rule.MatchType
	}
	if rule.Pattern == "" {
		return "pattern is required"
	}
	// Glob syntax errors surface at upload, not per event.
	if _, err := path.Match(rule.Pattern, "probe"); err != nil {
		return "pattern is not a valid glob"
	}
	if len(rule.Components) == 0 {
		return "components must not be empty"
	}
	for _, c := range rule.Components {
		if c == "" {
			return "components must not contain empty strings"
		}
	}
	return ""
}
