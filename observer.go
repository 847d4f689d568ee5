package botkeeper

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer receives lifecycle events.
type Observer interface {
	// OnEvent is called on its own goroutine for every matching event.
	OnEvent(ctx context.Context, event cloudevents.Event) error
	// ObserverID must be unique among registered observers.
	ObserverID() string
}

// Subject is implemented by the Manager.
type Subject interface {
	// RegisterObserver subscribes observer to eventTypes, or to every event when none are given.
	RegisterObserver(observer Observer, eventTypes ...string) error
	UnregisterObserver(observer Observer) error
	NotifyObservers(ctx context.Context, event cloudevents.Event) error
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event types emitted by the manager. The event subject is the application id.
const (
	EventTypeAppLoaded    = "com.botkeeper.app.loaded"
	EventTypeAppStarted   = "com.botkeeper.app.started"
	EventTypeAppStopped   = "com.botkeeper.app.stopped"
	EventTypeAppDestroyed = "com.botkeeper.app.destroyed"
	EventTypeAppReloaded  = "com.botkeeper.app.reloaded"
	EventTypeAppFailed    = "com.botkeeper.app.failed"
	EventTypeAppLeaked    = "com.botkeeper.app.leaked"

	EventTypeConfigReloaded = "com.botkeeper.config.reloaded"
)

// FunctionalObserver adapts a function to Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that calls handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string {
	return f.id
}

type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// eventHub is the Subject implementation embedded in Manager.
type eventHub struct {
	source    string
	logger    Logger
	mu        sync.RWMutex
	observers map[string]*observerRegistration
}

func newEventHub(source string, logger Logger) *eventHub {
	return &eventHub{source: source, logger: logger, observers: make(map[string]*observerRegistration)}
}

func (h *eventHub) RegisterObserver(observer Observer, eventTypes ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	h.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   types,
		registeredAt: time.Now(),
	}
	h.logger.Debug("observer registered", "observer", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

func (h *eventHub) UnregisterObserver(observer Observer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.observers, observer.ObserverID())
	return nil
}

func (h *eventHub) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if event.Time().IsZero() {
		event.SetTime(time.Now())
	}
	if err := ValidateCloudEvent(event); err != nil {
		h.logger.Error("invalid event", "eventType", event.Type(), "error", err)
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, reg := range h.observers {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		go func(reg *observerRegistration) {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("observer panicked", "observer", reg.observer.ObserverID(), "event", event.Type(), "panic", r)
				}
			}()
			if err := reg.observer.OnEvent(ctx, event); err != nil {
				h.logger.Error("observer error", "observer", reg.observer.ObserverID(), "event", event.Type(), "error", err)
			}
		}(reg)
	}
	return nil
}

func (h *eventHub) GetObservers() []ObserverInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info := make([]ObserverInfo, 0, len(h.observers))
	for _, reg := range h.observers {
		types := make([]string, 0, len(reg.eventTypes))
		for t := range reg.eventTypes {
			types = append(types, t)
		}
		info = append(info, ObserverInfo{
			ID:           reg.observer.ObserverID(),
			EventTypes:   types,
			RegisteredAt: reg.registeredAt,
		})
	}
	return info
}

// emit sends an event about application id. Observers never block the caller.
func (h *eventHub) emit(eventType, id string, data map[string]any) {
	event := NewCloudEvent(eventType, h.source, data, nil)
	if id != "" {
		event.SetSubject(id)
	}
	if err := h.NotifyObservers(context.Background(), event); err != nil {
		h.logger.Debug("failed to notify observers", "event", eventType, "error", err)
	}
}
