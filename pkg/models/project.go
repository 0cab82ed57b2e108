package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is the ingestion scope every event and artifact belongs to.
// The slug prefixes issue short IDs ("CHECKOUT-42"); issue_counter backs
// their per-project numbering.
type Project struct {
	ID           uuid.UUID `db:"id"            json:"id"`
	OrgID        uuid.UUID `db:"org_id"        json:"org_id"`
	Name         string    `db:"name"          json:"name"`
	Slug         string    `db:"slug"          json:"slug"`
	IssueCounter int64     `db:"issue_counter" json:"-"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}
