// Package symbolicate resolves minified stack frames to original source
// locations using uploaded source maps, and demangles compiled-language
// symbols where no map applies. Every failure mode degrades to leaving
// the frame untouched; symbolication never fails an event.
package symbolicate

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/faultline/faultline/internal/cache"
	"github.com/faultline/faultline/internal/demangle"
	"github.com/faultline/faultline/internal/sourcemap"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// contextLines is the number of source lines extracted around the
// resolved line.
const contextLines = 5

// ArtifactStore is the read side of the artifact storage the pipeline
// depends on. Implemented by store.PostgresStore.
type ArtifactStore interface {
	FindArtifact(ctx context.Context, projectID uuid.UUID, release, dist, name string) (*models.SymbolArtifact, error)
	GetArtifactData(ctx context.Context, projectID uuid.UUID, contentHash string) ([]byte, error)
}

// parsed is one cached decode attempt, success or failure. Failures are
// cached too: a malformed artifact disables symbolication for frames that
// reference it instead of being re-parsed per event.
type parsed struct {
	m   *sourcemap.Map
	err error
}

// Symbolicator is safe for concurrent use. Parsed maps are cached by
// content hash, so identical maps uploaded under different releases share
// one decode; cold parses collapse through a singleflight group.
type Symbolicator struct {
	source ArtifactStore
	cache  cache.Cache
	ttl    time.Duration

	flight singleflight.Group
	mu     sync.RWMutex
	maps   map[string]parsed
}

// New creates a Symbolicator. c caches raw artifact bytes with the given
// TTL and may be shared with other subsystems.
func New(source ArtifactStore, c cache.Cache, ttl time.Duration) *Symbolicator {
	return &Symbolicator{
		source: source,
		cache:  c,
		ttl:    ttl,
		maps:   make(map[string]parsed),
	}
}

// Stats summarizes what one Symbolicate call changed.
type Stats struct {
	Resolved  int // frames resolved via a source map
	Rewritten int // frames changed in any way, demangling included
}

// Symbolicate resolves every frame it can and returns the rewritten
// stacktrace plus stats on what changed. The input is not mutated.
// Cancellation mid-stacktrace leaves the remaining frames untouched.
func (s *Symbolicator) Symbolicate(ctx context.Context, projectID uuid.UUID, release, dist string, st models.Stacktrace) (models.Stacktrace, Stats) {
	out := st.Clone()
	var stats Stats
	for i := range out.Frames {
		if ctx.Err() != nil {
			break
		}
		mapped, changed := s.symbolicateFrame(ctx, projectID, release, dist, &out.Frames[i])
		if mapped {
			stats.Resolved++
		}
		if changed {
			stats.Rewritten++
		}
	}
	return out, stats
}

// symbolicateFrame rewrites one frame in place. mapped reports a source
// map resolution; changed reports any rewrite, so callers can tell a
// demangle-only frame from an untouched one.
func (s *Symbolicator) symbolicateFrame(ctx context.Context, projectID uuid.UUID, release, dist string, f *models.Frame) (mapped, changed bool) {
	if f.Filename != "" && f.Line > 0 && f.Column != nil {
		if s.applySourceMap(ctx, projectID, release, dist, f) {
			return true, true
		}
	}
	// No map applied: best-effort demangling for compiled symbols.
	if looksMangled(f.Function) {
		name := demangle.Demangle(f.Function)
		module, function := demangle.SplitModule(name)
		changed = function != f.Function || (module != "" && module != f.Module)
		f.Function = function
		if module != "" {
			f.Module = module
		}
	}
	return false, changed
}

func (s *Symbolicator) applySourceMap(ctx context.Context, projectID uuid.UUID, release, dist string, f *models.Frame) bool {
	art := s.findSourceMap(ctx, projectID, release, dist, f.Filename)
	if art == nil {
		return false
	}

	m, err := s.parsedMap(ctx, projectID, art.ContentHash)
	if err != nil {
		slog.Warn("source map unusable, frame left raw",
			"project_id", projectID, "release", release, "artifact", art.Name, "error", err)
		return false
	}

	// Frames carry 1-based lines; the mapping table is 0-based.
	loc, ok := m.Lookup(f.Line-1, *f.Column)
	if !ok {
		return false
	}

	f.Filename = loc.Source
	f.Line = loc.Line + 1
	col := loc.Column
	f.Column = &col
	if loc.HasName {
		f.Function = loc.Name
	}
	if pre, line, post, ok := m.SourceContext(loc, contextLines); ok {
		f.PreContext = pre
		f.ContextLine = line
		f.PostContext = post
	}
	return true
}

// findSourceMap locates the map artifact for a generated file. Frame
// filenames are often full URLs; both the cleaned path and its basename
// are tried with a .map suffix.
func (s *Symbolicator) findSourceMap(ctx context.Context, projectID uuid.UUID, release, dist, filename string) *models.SymbolArtifact {
	cleaned := cleanFilename(filename)
	candidates := []string{cleaned + ".map"}
	if base := path.Base(cleaned); base != cleaned {
		candidates = append(candidates, base+".map")
	}

	for _, name := range candidates {
		art, err := s.source.FindArtifact(ctx, projectID, release, dist, name)
		if err != nil {
			continue
		}
		if art.Type == models.ArtifactTypeSourceMap {
			return art
		}
	}
	return nil
}

// parsedMap returns the decoded map for a content hash, parsing at most
// once per hash across all goroutines.
func (s *Symbolicator) parsedMap(ctx context.Context, projectID uuid.UUID, contentHash string) (*sourcemap.Map, error) {
	s.mu.RLock()
	if p, ok := s.maps[contentHash]; ok {
		s.mu.RUnlock()
		return p.m, p.err
	}
	s.mu.RUnlock()

	v, err, _ := s.flight.Do(contentHash, func() (any, error) {
		data, err := s.artifactBytes(ctx, projectID, contentHash)
		if err != nil {
			// Fetch failures are transient; do not poison the cache.
			return nil, err
		}
		m, err := sourcemap.Parse(data)

		s.mu.Lock()
		s.maps[contentHash] = parsed{m: m, err: err}
		s.mu.Unlock()
		return m, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*sourcemap.Map), nil
}

// artifactBytes reads raw artifact content through the byte cache.
func (s *Symbolicator) artifactBytes(ctx context.Context, projectID uuid.UUID, contentHash string) ([]byte, error) {
	key := cache.ArtifactDataKey(contentHash)
	if data, found, err := s.cache.Get(ctx, key); err == nil && found {
		return data, nil
	}

	data, err := s.source.GetArtifactData(ctx, projectID, contentHash)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.Warn("artifact byte cache write failed", "error", err)
	}
	return data, nil
}

// cleanFilename strips URL scheme, host, query and fragment from a frame
// filename, leaving the path SDKs upload artifacts under.
func cleanFilename(filename string) string {
	if idx := strings.Index(filename, "://"); idx >= 0 {
		rest := filename[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			filename = rest[slash+1:]
		} else {
			filename = rest
		}
	}
	if idx := strings.IndexAny(filename, "?#"); idx >= 0 {
		filename = filename[:idx]
	}
	return strings.TrimPrefix(filename, "/")
}

// looksMangled reports whether a symbol carries compiler name mangling
// (Itanium/legacy Rust _Z, Rust v0 _R).
func looksMangled(symbol string) bool {
	return strings.HasPrefix(symbol, "_Z") || strings.HasPrefix(symbol, "_R")
}
