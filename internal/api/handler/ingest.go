package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/faultline/faultline/internal/api/response"
	"github.com/faultline/faultline/internal/ingest"
	"github.com/faultline/faultline/pkg/models"
	"github.com/google/uuid"
)

// EventIngester is the pipeline surface the ingestion handler depends on.
type EventIngester interface {
	Ingest(ctx context.Context, ev *models.CrashEvent) (*ingest.Result, error)
	IngestBatch(ctx context.Context, events []*models.CrashEvent) []ingest.BatchItem
}

// NewIngestHandler returns the handler for POST /api/v1/projects/{projectID}/events.
// The body is either a single event object or an array of up to
// maxBatchSize events; arrays are processed item by item with per-item
// outcomes.
func NewIngestHandler(p EventIngester, maxEventBytes int64, maxBatchSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := requireProject(w, r)
		if !ok {
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, response.CodePayloadLarge,
					"Event payload exceeds the size limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"Could not read request body", nil)
			return
		}

		if isJSONArray(body) {
			ingestBatch(w, r, p, projectID, body, maxBatchSize)
			return
		}
		ingestSingle(w, r, p, projectID, body)
	}
}

func ingestSingle(w http.ResponseWriter, r *http.Request, p EventIngester, projectID uuid.UUID, body []byte) {
	var ev models.CrashEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid JSON body", nil)
		return
	}
	ev.ProjectID = projectID

	res, err := p.Ingest(r.Context(), &ev)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	response.Accepted(w, ingestAck{
		EventID:   res.Event.ID,
		IssueID:   res.Issue.ID,
		ShortID:   res.Issue.ShortID,
		New:       res.Created,
		Regressed: res.Regressed,
	})
}

func ingestBatch(w http.ResponseWriter, r *http.Request, p EventIngester, projectID uuid.UUID, body []byte, maxBatchSize int) {
	var raw []models.CrashEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Invalid JSON body", nil)
		return
	}
	if len(raw) == 0 {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "Batch must not be empty", nil)
		return
	}
	if len(raw) > maxBatchSize {
		response.Error(w, http.StatusRequestEntityTooLarge, response.CodePayloadLarge,
			"Batch exceeds the maximum item count", nil)
		return
	}

	events := make([]*models.CrashEvent, len(raw))
	for i := range raw {
		raw[i].ProjectID = projectID
		events[i] = &raw[i]
	}

	items := p.IngestBatch(r.Context(), events)
	out := make([]batchAck, len(items))
	accepted := 0
	for i, item := range items {
		ack := batchAck{EventID: item.EventID}
		if item.Err != nil {
			ack.Error = ingestErrorBody(item.Err)
		} else {
			accepted++
			ack.IssueID = item.Result.Issue.ID
			ack.ShortID = item.Result.Issue.ShortID
			ack.New = item.Result.Created
			ack.Regressed = item.Result.Regressed
		}
		out[i] = ack
	}
	response.Accepted(w, batchResponse{Accepted: accepted, Rejected: len(items) - accepted, Events: out})
}

type ingestAck struct {
	EventID   uuid.UUID `json:"event_id"`
	IssueID   uuid.UUID `json:"issue_id"`
	ShortID   string    `json:"short_id"`
	New       bool      `json:"new"`
	Regressed bool      `json:"regressed"`
}

type batchAck struct {
	EventID   uuid.UUID    `json:"event_id"`
	IssueID   uuid.UUID    `json:"issue_id,omitempty"`
	ShortID   string       `json:"short_id,omitempty"`
	New       bool         `json:"new,omitempty"`
	Regressed bool         `json:"regressed,omitempty"`
	Error     *ingestError `json:"error,omitempty"`
}

type batchResponse struct {
	Accepted int        `json:"accepted"`
	Rejected int        `json:"rejected"`
	Events   []batchAck `json:"events"`
}

type ingestError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func ingestErrorBody(err error) *ingestError {
	var verr *ingest.ValidationError
	if errors.As(err, &verr) {
		return &ingestError{Code: response.CodeValidation, Message: "Event failed validation", Fields: verr.Fields}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ingestError{Code: response.CodeInternal, Message: "Request cancelled before the event was processed"}
	}
	return &ingestError{Code: response.CodeStorage, Message: "Event could not be stored"}
}

func writeIngestError(w http.ResponseWriter, err error) {
	var verr *ingest.ValidationError
	if errors.As(err, &verr) {
		response.Error(w, http.StatusBadRequest, response.CodeValidation,
			"Event failed validation", verr.Fields)
		return
	}
	response.Error(w, http.StatusInternalServerError, response.CodeStorage,
		"Event could not be stored", nil)
}

// isJSONArray reports whether the body's first JSON token opens an array.
func isJSONArray(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
