package models

import (
	"time"

	"github.com/google/uuid"
)

// Issue lifecycle states. An issue starts unresolved; resolved issues that
// receive a new event become regressed.
const (
	IssueStatusUnresolved = "unresolved"
	IssueStatusResolved   = "resolved"
	IssueStatusIgnored    = "ignored"
	IssueStatusRegressed  = "regressed"
)

// Issue is the deduplicated aggregate of all events sharing a fingerprint
// within a project. (project_id, fingerprint) is unique.
type Issue struct {
	ID                 uuid.UUID  `db:"id"                   json:"id"`
	ProjectID          uuid.UUID  `db:"project_id"           json:"project_id"`
	ShortID            string     `db:"short_id"             json:"short_id"`
	Fingerprint        string     `db:"fingerprint"          json:"fingerprint"`
	Title              string     `db:"title"                json:"title"`
	Culprit            string     `db:"culprit"              json:"culprit"`
	Status             string     `db:"status"               json:"status"`
	EventCount         int64      `db:"event_count"          json:"event_count"`
	UserCount          int64      `db:"user_count"           json:"user_count"`
	FirstSeenAt        time.Time  `db:"first_seen_at"        json:"first_seen_at"`
	LastSeenAt         time.Time  `db:"last_seen_at"         json:"last_seen_at"`
	ResolvedAt         *time.Time `db:"resolved_at"          json:"resolved_at,omitempty"`
	ResolvedBy         *string    `db:"resolved_by"          json:"resolved_by,omitempty"`
	ResolvedInRelease  *string    `db:"resolved_in_release"  json:"resolved_in_release,omitempty"`
	TimesRegressed     int        `db:"times_regressed"      json:"times_regressed"`
	LastRegressedAt    *time.Time `db:"last_regressed_at"    json:"last_regressed_at,omitempty"`
	RegressedInRelease *string    `db:"regressed_in_release" json:"regressed_in_release,omitempty"`
	AssignedTo         *string    `db:"assigned_to"          json:"assigned_to,omitempty"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}
