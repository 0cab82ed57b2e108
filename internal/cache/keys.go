package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// ArtifactDataKey caches raw artifact bytes by content hash. Identical
// bytes uploaded under different names or releases share one entry.
func ArtifactDataKey(contentHash string) string {
	return fmt.Sprintf("artifact:data:%s", contentHash)
}

// RateLimitKey scopes ingestion rate-limit counters per project.
func RateLimitKey(projectID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:%s", projectID)
}
