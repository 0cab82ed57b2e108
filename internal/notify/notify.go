// Package notify fans issue-lifecycle notifications out to live
// subscribers. Delivery is best-effort and at-most-once: a slow subscriber
// loses its oldest pending notifications, never blocks ingestion.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification types emitted on the per-project stream.
const (
	TypeIssueNew       = "issue.new"
	TypeIssueRegressed = "issue.regressed"
	TypeIssueResolved  = "issue.resolved"
	TypeIssueAssigned  = "issue.assigned"
	TypeHeartbeat      = "heartbeat"
)

// Notification is one discrete message on a project stream.
type Notification struct {
	Type      string    `json:"type"`
	ProjectID uuid.UUID `json:"project_id"`
	IssueID   uuid.UUID `json:"issue_id,omitempty"`
	ShortID   string    `json:"short_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Release   string    `json:"release,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DropHandler observes notifications discarded because a subscriber buffer
// overflowed. Used for metrics; may be nil.
type DropHandler func(projectID uuid.UUID)

// Registry owns the live subscriber sets, one per project. It is
// constructed per service instance and injected where needed; there is no
// process-wide registry.
type Registry struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]map[*Subscriber]struct{}
	bufSize int
	onDrop  DropHandler
}

// NewRegistry creates a registry whose subscribers buffer up to bufSize
// undelivered notifications each.
func NewRegistry(bufSize int, onDrop DropHandler) *Registry {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Registry{
		subs:    make(map[uuid.UUID]map[*Subscriber]struct{}),
		bufSize: bufSize,
		onDrop:  onDrop,
	}
}

// Subscriber is one live consumer of a project's notifications.
type Subscriber struct {
	registry  *Registry
	projectID uuid.UUID
	ch        chan Notification
	closeOnce sync.Once
}

// C returns the subscriber's notification channel. It is closed by Close.
func (s *Subscriber) C() <-chan Notification {
	return s.ch
}

// Close removes the subscriber from the registry and closes its channel.
// Safe to call more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		r := s.registry
		r.mu.Lock()
		if set, ok := r.subs[s.projectID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(r.subs, s.projectID)
			}
		}
		r.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a new subscriber for a project.
func (r *Registry) Subscribe(projectID uuid.UUID) *Subscriber {
	s := &Subscriber{
		registry:  r,
		projectID: projectID,
		ch:        make(chan Notification, r.bufSize),
	}
	r.mu.Lock()
	set, ok := r.subs[projectID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.subs[projectID] = set
	}
	set[s] = struct{}{}
	r.mu.Unlock()
	return s
}

// Publish delivers n to every subscriber of its project without blocking.
// A full subscriber buffer sheds its oldest entry to make room.
func (r *Registry) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.subs[n.ProjectID] {
		select {
		case s.ch <- n:
			continue
		default:
		}
		// Buffer full: drop the oldest pending notification, then retry
		// once. If a concurrent Close raced us, the second send may still
		// fail; the notification is simply lost (at-most-once).
		select {
		case <-s.ch:
			if r.onDrop != nil {
				r.onDrop(n.ProjectID)
			}
		default:
		}
		select {
		case s.ch <- n:
		default:
			if r.onDrop != nil {
				r.onDrop(n.ProjectID)
			}
		}
	}
}

// SubscriberCount reports the number of live subscribers for a project.
func (r *Registry) SubscriberCount(projectID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[projectID])
}
