package models

import (
	"time"

	"github.com/google/uuid"
)

// Artifact type tags. Kinds are fixed; matching on them is exhaustive.
const (
	ArtifactTypeSourceMap      = "source_map"
	ArtifactTypeMinifiedSource = "minified_source"
)

// SymbolArtifact is an uploaded debug file scoped to (project, release,
// dist, name) and content-addressed by a BLAKE2b-256 hash of its bytes.
// Re-uploading identical bytes under the same scope is a no-op that returns
// the existing artifact.
type SymbolArtifact struct {
	ID                uuid.UUID `db:"id"                  json:"id"`
	ProjectID         uuid.UUID `db:"project_id"          json:"project_id"`
	Release           string    `db:"release"             json:"release"`
	Dist              string    `db:"dist"                json:"dist"`
	Name              string    `db:"name"                json:"name"`
	Type              string    `db:"type"                json:"type"`
	ContentHash       string    `db:"content_hash"        json:"content_hash"`
	Size              int64     `db:"size"                json:"size"`
	HasSourcesContent bool      `db:"has_sources_content" json:"has_sources_content"`
	Data              []byte    `db:"data"                json:"-"`
	CreatedAt         time.Time `db:"created_at"          json:"created_at"`
}
