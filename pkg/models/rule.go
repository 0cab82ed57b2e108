package models

// Fingerprint-rule match types. The set is closed; the engine matches on
// them exhaustively.
const (
	MatchExceptionType = "exception_type"
	MatchMessage       = "message"
	MatchModule        = "module"
	MatchFunction      = "function"
)

var validMatchTypes = map[string]bool{
	MatchExceptionType: true,
	MatchMessage:       true,
	MatchModule:        true,
	MatchFunction:      true,
}

// ValidMatchType reports whether t is one of the accepted rule match types.
func ValidMatchType(t string) bool {
	return validMatchTypes[t]
}

// FingerprintRule is a project-level grouping override. Rules are evaluated
// in declaration order; the first rule whose glob pattern matches the
// selected event field replaces the fingerprint components with its literal
// component list.
type FingerprintRule struct {
	MatchType  string   `json:"match_type" validate:"required"`
	Pattern    string   `json:"pattern"    validate:"required,max=200"`
	Components []string `json:"components" validate:"required,min=1,dive,max=200"`
}
