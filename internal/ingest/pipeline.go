// Package ingest runs the event processing pipeline: validate,
// symbolicate, fingerprint, aggregate, persist, notify. Symbolication is
// best-effort; everything after validation that fails is a storage error.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/faultline/faultline/internal/config"
	"github.com/faultline/faultline/internal/fingerprint"
	"github.com/faultline/faultline/internal/issue"
	"github.com/faultline/faultline/internal/metrics"
	"github.com/faultline/faultline/internal/notify"
	"github.com/faultline/faultline/internal/store"
	"github.com/faultline/faultline/internal/symbolicate"
	"github.com/faultline/faultline/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// maxBreadcrumbs bounds the trail kept per event; older entries are
// dropped first.
const maxBreadcrumbs = 100

// ValidationError rejects an event before it enters the pipeline. Fields
// maps field names to what is wrong with them.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

// Result is the outcome of ingesting one event.
type Result struct {
	Event     *models.CrashEvent
	Issue     models.Issue
	Created   bool
	Regressed bool
}

// BatchItem is the per-event outcome of a batch ingestion. Err is a
// *ValidationError for rejected items and a storage error otherwise.
type BatchItem struct {
	EventID uuid.UUID
	Result  *Result
	Err     error
}

// Pipeline is safe for concurrent use; one instance serves all requests.
type Pipeline struct {
	store        store.Store
	symbolicator *symbolicate.Symbolicator
	aggregator   *issue.Aggregator
	notifier     *notify.Registry
	metrics      *metrics.Metrics
	validate     *validator.Validate
	cfg          config.IngestConfig
}

func NewPipeline(s store.Store, sym *symbolicate.Symbolicator, agg *issue.Aggregator, notifier *notify.Registry, m *metrics.Metrics, cfg config.IngestConfig) *Pipeline {
	return &Pipeline{
		store:        s,
		symbolicator: sym,
		aggregator:   agg,
		notifier:     notifier,
		metrics:      m,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		cfg:          cfg,
	}
}

// Ingest processes one event end to end. A *ValidationError means the
// event never entered the pipeline; any other error means it could not be
// persisted.
func (p *Pipeline) Ingest(ctx context.Context, ev *models.CrashEvent) (*Result, error) {
	p.normalize(ev)
	if err := p.validateEvent(ev); err != nil {
		p.metrics.EventsRejected.Inc()
		p.metrics.EventsIngested.WithLabelValues("rejected").Inc()
		return nil, err
	}

	rules := p.loadRules(ctx, ev.ProjectID)
	p.symbolicateEvent(ctx, ev)
	fp := fingerprint.Compute(ev, rules)

	out, err := p.aggregator.Record(ctx, ev, fp)
	if err != nil {
		p.metrics.EventsIngested.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("aggregating event %s: %w", ev.ID, err)
	}
	ev.IssueID = out.Issue.ID

	if err := p.store.InsertEvent(ctx, ev); err != nil {
		p.metrics.EventsIngested.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("persisting event %s: %w", ev.ID, err)
	}

	p.publishOutcome(ev, out)
	p.metrics.EventsIngested.WithLabelValues("accepted").Inc()

	return &Result{Event: ev, Issue: out.Issue, Created: out.Created, Regressed: out.Regressed}, nil
}

// IngestBatch processes events independently: one bad event does not
// fail its neighbors. Cancellation between items leaves the remainder
// unprocessed with the context error recorded.
func (p *Pipeline) IngestBatch(ctx context.Context, events []*models.CrashEvent) []BatchItem {
	items := make([]BatchItem, 0, len(events))
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			for _, rest := range events[i:] {
				items = append(items, BatchItem{EventID: rest.ID, Err: err})
			}
			break
		}
		res, err := p.Ingest(ctx, ev)
		items = append(items, BatchItem{EventID: ev.ID, Result: res, Err: err})
	}
	return items
}

func (p *Pipeline) normalize(ev *models.CrashEvent) {
	now := time.Now().UTC()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.ReceivedAt = now
	// Client clocks drift; timestamps from the future are clamped.
	if ev.Timestamp.IsZero() || ev.Timestamp.After(now.Add(time.Minute)) {
		ev.Timestamp = now
	}
	if ev.Platform == "" {
		ev.Platform = models.PlatformOther
	}
	if ev.Environment == "" {
		ev.Environment = "production"
	}
	if len(ev.Breadcrumbs) > maxBreadcrumbs {
		ev.Breadcrumbs = ev.Breadcrumbs[len(ev.Breadcrumbs)-maxBreadcrumbs:]
	}
}

func (p *Pipeline) validateEvent(ev *models.CrashEvent) error {
	fields := make(map[string]string)

	if err := p.validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[strings.ToLower(fe.Field())] = "failed " + fe.Tag() + " validation"
			}
		} else {
			fields["event"] = err.Error()
		}
	}
	if !models.ValidPlatform(ev.Platform) {
		fields["platform"] = "unknown platform " + ev.Platform
	}
	if p.cfg.MaxTags > 0 && len(ev.Tags) > p.cfg.MaxTags {
		fields["tags"] = fmt.Sprintf("at most %d tags allowed", p.cfg.MaxTags)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// loadRules fetches the project's custom fingerprint rules. Rule lookup
// failures degrade to default grouping rather than rejecting the event.
func (p *Pipeline) loadRules(ctx context.Context, projectID uuid.UUID) []models.FingerprintRule {
	rules, err := p.store.GetFingerprintRules(ctx, projectID)
	if err != nil {
		slog.Warn("fingerprint rules unavailable, using default grouping",
			"project_id", projectID, "error", err)
		return nil
	}
	return rules
}

// symbolicateEvent rewrites the stacktrace in place, preserving the raw
// frames alongside. It never fails the event.
func (p *Pipeline) symbolicateEvent(ctx context.Context, ev *models.CrashEvent) {
	if len(ev.Stacktrace.Frames) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SymbolicationTimeout)
	defer cancel()

	raw := ev.Stacktrace.Clone()
	symbolicated, stats := p.symbolicator.Symbolicate(sctx, ev.ProjectID, ev.Release, ev.Dist, ev.Stacktrace)
	// Any rewrite, including demangle-only, keeps the pre-symbolication
	// frames alongside.
	if stats.Rewritten > 0 {
		ev.RawStacktrace = &raw
	}
	if stats.Resolved > 0 {
		p.metrics.FramesSymbolicated.Add(float64(stats.Resolved))
	}
	ev.Stacktrace = symbolicated
}

func (p *Pipeline) publishOutcome(ev *models.CrashEvent, out *issue.Outcome) {
	switch {
	case out.Created:
		p.metrics.IssuesCreated.Inc()
		p.notifier.Publish(notify.Notification{
			Type:      notify.TypeIssueNew,
			ProjectID: ev.ProjectID,
			IssueID:   out.Issue.ID,
			ShortID:   out.Issue.ShortID,
			Status:    out.Issue.Status,
			Release:   ev.Release,
		})
	case out.Regressed:
		p.metrics.Regressions.Inc()
		p.notifier.Publish(notify.Notification{
			Type:      notify.TypeIssueRegressed,
			ProjectID: ev.ProjectID,
			IssueID:   out.Issue.ID,
			ShortID:   out.Issue.ShortID,
			Status:    out.Issue.Status,
			Release:   ev.Release,
		})
	}
}
