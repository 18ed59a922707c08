package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventTypeApplyStarted       = "apply.started"
	EventTypeApplyCompleted     = "apply.completed"
	EventTypeApplyFailed        = "apply.failed"
	EventTypePackageStarted     = "package.started"
	EventTypePackageCompleted   = "package.completed"
	EventTypePackageFailed      = "package.failed"
	EventTypeRollbackStarted    = "rollback.started"
	EventTypeElevatedTerminated = "elevated.terminated"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

var (
	ErrEventDropped     = errors.New("event buffer full, event dropped")
	ErrPublisherStopped = errors.New("event publisher stopped")
)

// Event is a progress notification from an apply session.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"type"`
	Source     string         `json:"source"`
	Level      string         `json:"level"`
	SessionID  string         `json:"session_id,omitempty"`
	PackageID  string         `json:"package_id,omitempty"`
	BoundaryID string         `json:"boundary_id,omitempty"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
}

type (
	EventSubscriber func(Event)
	EventFilter     func(Event) bool
)

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers in publish order. In async
// mode a single goroutine delivers from a bounded buffer, so a slow
// subscriber delays others but never reorders them; Shutdown drains what
// is still buffered.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	buffer chan Event
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
}

func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}

	ep.buffer = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Subscribe registers fn for events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
}

// Publish stamps and delivers e. Async publishers never block: a full
// buffer drops the event and returns ErrEventDropped.
func (ep *EventPublisher) Publish(e Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if ep.buffer == nil {
		ep.deliver(e)
		return nil
	}
	select {
	case <-ep.stop:
		return ErrPublisherStopped
	default:
	}
	select {
	case ep.buffer <- e:
		return nil
	default:
		return ErrEventDropped
	}
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for {
		select {
		case e := <-ep.buffer:
			ep.deliver(e)
		case <-ep.stop:
			for {
				select {
				case e := <-ep.buffer:
					ep.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops an async publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.buffer == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) PublishApplyStarted(sessionID, bundleID, action string) error {
	return ep.Publish(Event{
		Type:      EventTypeApplyStarted,
		Source:    "apply",
		Level:     EventLevelInfo,
		SessionID: sessionID,
		Message:   fmt.Sprintf("Apply %s of %s started", action, bundleID),
		Data:      map[string]any{"bundle_id": bundleID, "action": action},
	})
}

func (ep *EventPublisher) PublishApplyCompleted(sessionID, restart string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeApplyCompleted,
		Source:    "apply",
		Level:     EventLevelInfo,
		SessionID: sessionID,
		Message:   "Apply completed",
		Data:      map[string]any{"restart": restart, "duration": duration.Seconds()},
	})
}

func (ep *EventPublisher) PublishApplyFailed(sessionID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeApplyFailed,
		Source:    "apply",
		Level:     EventLevelError,
		SessionID: sessionID,
		Message:   "Apply failed: " + reason,
	})
}

func (ep *EventPublisher) PublishPackageStarted(sessionID, packageID, action string, rollback bool) error {
	msg := fmt.Sprintf("Package %s %s started", packageID, action)
	if rollback {
		msg = fmt.Sprintf("Package %s %s rolling back", packageID, action)
	}
	return ep.Publish(Event{
		Type:      EventTypePackageStarted,
		Source:    "apply",
		Level:     EventLevelInfo,
		SessionID: sessionID,
		PackageID: packageID,
		Message:   msg,
		Data:      map[string]any{"action": action, "rollback": rollback},
	})
}

func (ep *EventPublisher) PublishPackageCompleted(sessionID, packageID, restart string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypePackageCompleted,
		Source:    "apply",
		Level:     EventLevelInfo,
		SessionID: sessionID,
		PackageID: packageID,
		Message:   fmt.Sprintf("Package %s completed", packageID),
		Data:      map[string]any{"restart": restart, "duration": duration.Seconds()},
	})
}

// PublishPackageFailed reports a failed package action. Failures of
// non-vital packages are warnings since the apply continues.
func (ep *EventPublisher) PublishPackageFailed(sessionID, packageID, reason string, vital bool) error {
	level := EventLevelWarning
	if vital {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:      EventTypePackageFailed,
		Source:    "apply",
		Level:     level,
		SessionID: sessionID,
		PackageID: packageID,
		Message:   fmt.Sprintf("Package %s failed: %s", packageID, reason),
		Data:      map[string]any{"vital": vital},
	})
}

func (ep *EventPublisher) PublishRollbackStarted(sessionID, boundaryID string, checkpoint uint32) error {
	return ep.Publish(Event{
		Type:       EventTypeRollbackStarted,
		Source:     "apply",
		Level:      EventLevelWarning,
		SessionID:  sessionID,
		BoundaryID: boundaryID,
		Message:    fmt.Sprintf("Rolling back boundary %s from checkpoint %d", boundaryID, checkpoint),
		Data:       map[string]any{"checkpoint": checkpoint},
	})
}

func (ep *EventPublisher) PublishElevatedTerminated(sessionID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeElevatedTerminated,
		Source:    "elevation",
		Level:     EventLevelError,
		SessionID: sessionID,
		Message:   "Elevated process terminated: " + reason,
	})
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

func FilterBySession(sessionID string) EventFilter {
	return func(e Event) bool { return e.SessionID == sessionID }
}

func FilterByPackage(packageID string) EventFilter {
	return func(e Event) bool { return e.PackageID == packageID }
}
