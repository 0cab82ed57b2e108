package models

import (
	"time"

	"github.com/google/uuid"
)

// Platform tags accepted on incoming events. Anything else is rejected at
// validation time.
const (
	PlatformJavaScript = "javascript"
	PlatformNode       = "node"
	PlatformPython     = "python"
	PlatformRuby       = "ruby"
	PlatformJava       = "java"
	PlatformGo         = "go"
	PlatformRust       = "rust"
	PlatformCSharp     = "csharp"
	PlatformPHP        = "php"
	PlatformOther      = "other"
)

var validPlatforms = map[string]bool{
	PlatformJavaScript: true,
	PlatformNode:       true,
	PlatformPython:     true,
	PlatformRuby:       true,
	PlatformJava:       true,
	PlatformGo:         true,
	PlatformRust:       true,
	PlatformCSharp:     true,
	PlatformPHP:        true,
	PlatformOther:      true,
}

// ValidPlatform reports whether p is one of the accepted platform tags.
func ValidPlatform(p string) bool {
	return validPlatforms[p]
}

// Breadcrumb is a timestamped, leveled trail entry recorded by the SDK
// before the crash occurred.
type Breadcrumb struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level,omitempty"`
	Category  string    `json:"category,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// CrashEvent is a single crash/error occurrence reported by an instrumented
// application. Events are immutable once persisted; the resolved person ID
// and the active-flag map arrive already computed by external services and
// are stored as opaque values.
type CrashEvent struct {
	ID             uuid.UUID         `db:"id"              json:"id"`
	OrgID          uuid.UUID         `db:"org_id"          json:"org_id"`
	ProjectID      uuid.UUID         `db:"project_id"      json:"project_id"`
	IssueID        uuid.UUID         `db:"issue_id"        json:"issue_id"`
	PersonID       *uuid.UUID        `db:"person_id"       json:"person_id,omitempty"`
	DistinctID     string            `db:"distinct_id"     json:"distinct_id"      validate:"required,max=200"`
	ExceptionType  string            `db:"exception_type"  json:"exception_type"   validate:"required,max=128"`
	ExceptionValue string            `db:"exception_value" json:"exception_value"  validate:"required,max=4096"`
	Stacktrace     Stacktrace        `db:"stacktrace"      json:"stacktrace"`
	RawStacktrace  *Stacktrace       `db:"raw_stacktrace"  json:"raw_stacktrace,omitempty"`
	Release        string            `db:"release"         json:"release,omitempty"  validate:"max=250"`
	Dist           string            `db:"dist"            json:"dist,omitempty"     validate:"max=64"`
	Environment    string            `db:"environment"     json:"environment"        validate:"required,max=64"`
	Platform       string            `db:"platform"        json:"platform"           validate:"required"`
	Tags           map[string]string `db:"tags"            json:"tags,omitempty"`
	Extra          map[string]any    `db:"extra"           json:"extra,omitempty"`
	Flags          map[string]string `db:"flags"           json:"flags,omitempty"`
	Breadcrumbs    []Breadcrumb      `db:"breadcrumbs"     json:"breadcrumbs,omitempty"`
	Timestamp      time.Time         `db:"occurred_at"     json:"timestamp"          validate:"required"`
	ReceivedAt     time.Time         `db:"received_at"     json:"received_at"`
}
