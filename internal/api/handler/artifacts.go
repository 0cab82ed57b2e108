package handler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/faultline/faultline/internal/api/response"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// maxArtifactBytes bounds a single uploaded file. Source maps for large
// bundles run tens of megabytes.
const maxArtifactBytes = 64 << 20

var errNotSourceMap = errors.New("not a version 3 source map")

// ArtifactStore is the artifact surface the upload handler depends on.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, a *models.SymbolArtifact) (*models.SymbolArtifact, error)
}

// NewUploadArtifactHandler returns the handler for
// POST /api/v1/projects/{projectID}/artifacts. The request is multipart:
// a "file" part plus "release" and optional "dist" and "name" fields.
func NewUploadArtifactHandler(s ArtifactStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := requireProject(w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxArtifactBytes)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"Request must be multipart form data within the size limit", nil)
			return
		}

		release := r.FormValue("release")
		if release == "" {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "release is required", nil)
			return
		}
		dist := r.FormValue("dist")

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "file part is required", nil)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "Could not read uploaded file", nil)
			return
		}
		if len(data) == 0 {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "Uploaded file is empty", nil)
			return
		}

		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}
		name = strings.TrimPrefix(strings.TrimSpace(name), "~/")
		if name == "" {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "Artifact name is required", nil)
			return
		}

		artifactType := classifyArtifact(name)
		hasContent := false
		if artifactType == models.ArtifactTypeSourceMap {
			info, err := inspectSourceMap(data)
			if err != nil {
				response.Error(w, http.StatusBadRequest, response.CodeValidation,
					"File is not a valid version 3 source map", nil)
				return
			}
			hasContent = info.hasSourcesContent
		}

		sum := blake2b.Sum256(data)
		artifact := &models.SymbolArtifact{
			ID:                uuid.New(),
			ProjectID:         projectID,
			Release:           release,
			Dist:              dist,
			Name:              name,
			Type:              artifactType,
			ContentHash:       hex.EncodeToString(sum[:]),
			Size:              int64(len(data)),
			HasSourcesContent: hasContent,
			Data:              data,
			CreatedAt:         time.Now().UTC(),
		}

		stored, err := s.CreateArtifact(r.Context(), artifact)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, response.CodeStorage,
				"Could not store artifact", nil)
			return
		}
		response.Created(w, stored)
	}
}

func classifyArtifact(name string) string {
	if strings.HasSuffix(name, ".map") {
		return models.ArtifactTypeSourceMap
	}
	return models.ArtifactTypeMinifiedSource
}

type sourceMapInfo struct {
	hasSourcesContent bool
}

// inspectSourceMap performs the cheap structural checks done at upload
// time. Full mapping decode is deferred to symbolication.
func inspectSourceMap(data []byte) (sourceMapInfo, error) {
	var doc struct {
		Version        int       `json:"version"`
		Sources        []string  `json:"sources"`
		Mappings       *string   `json:"mappings"`
		SourcesContent []*string `json:"sourcesContent"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return sourceMapInfo{}, err
	}
	if doc.Version != 3 || doc.Mappings == nil {
		return sourceMapInfo{}, errNotSourceMap
	}
	for _, c := range doc.SourcesContent {
		if c != nil {
			return sourceMapInfo{hasSourcesContent: true}, nil
		}
	}
	return sourceMapInfo{}, nil
}
