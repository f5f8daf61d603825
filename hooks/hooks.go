package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusdup/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Log Store Events
	EventPreWALAppend    EventType = "PreWALAppend"
	EventPostWALRotate   EventType = "PostWALRotate"
	EventPostWALRecovery EventType = "PostWALRecovery"
	EventPostWALPurge    EventType = "PostWALPurge"

	// Duplication Events
	EventPostDuplicationShip   EventType = "PostDuplicationShip"
	EventDuplicationStatus     EventType = "DuplicationStatusChanged"
	EventDuplicationFailed     EventType = "DuplicationFailed"
	EventPostDuplicationRemove EventType = "PostDuplicationRemove"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// HookListener reacts to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook cancels the operation.
	// Errors from other hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for non-Pre events.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreWALAppendPayload is fired before a mutation is queued for the log.
// Returning an error from a listener rejects the append.
type PreWALAppendPayload struct {
	Mutation *core.Mutation
}

func NewPreWALAppendEvent(payload PreWALAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreWALAppend, payload: payload}
}

// PostWALRotatePayload describes a segment rollover.
type PostWALRotatePayload struct {
	Partition       core.PartitionID
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
	StartDecree     core.Decree
}

func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// PostWALRecoveryPayload describes the outcome of opening a log.
type PostWALRecoveryPayload struct {
	Partition       core.PartitionID
	Segments        int
	LastDecree      core.Decree
	MaxCommitDecree core.Decree
	TruncatedBytes  int64
	TruncatedPath   string
}

func NewPostWALRecoveryEvent(payload PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: payload}
}

// PostWALPurgePayload describes reclaimed segments.
type PostWALPurgePayload struct {
	Partition   core.PartitionID
	UpToIndex   uint64
	PurgedCount int
}

func NewPostWALPurgeEvent(payload PostWALPurgePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALPurge, payload: payload}
}

// DuplicationShipPayload is fired after the sink acknowledged a batch.
type DuplicationShipPayload struct {
	DupID           core.DupID
	Partition       core.PartitionID
	RemoteAddress   string
	FirstDecree     core.Decree
	LastDecree      core.Decree
	Mutations       int
	Attempts        int
	ConfirmedDecree core.Decree
}

func NewPostDuplicationShipEvent(payload DuplicationShipPayload) HookEvent {
	return &BaseEvent{eventType: EventPostDuplicationShip, payload: payload}
}

// DuplicationStatusPayload is fired on every lifecycle transition.
type DuplicationStatusPayload struct {
	DupID     core.DupID
	Partition core.PartitionID
	From      core.DuplicationStatus
	To        core.DuplicationStatus
}

func NewDuplicationStatusEvent(payload DuplicationStatusPayload) HookEvent {
	return &BaseEvent{eventType: EventDuplicationStatus, payload: payload}
}

// DuplicationFailedPayload carries an error the duplicator will not recover
// from on its own (reclaimed data, corruption, permanent sink rejection).
type DuplicationFailedPayload struct {
	DupID           core.DupID
	Partition       core.PartitionID
	RemoteAddress   string
	ConfirmedDecree core.Decree
	Err             error
}

func NewDuplicationFailedEvent(payload DuplicationFailedPayload) HookEvent {
	return &BaseEvent{eventType: EventDuplicationFailed, payload: payload}
}

// DuplicationRemovePayload is fired when a duplication is removed from its manager.
type DuplicationRemovePayload struct {
	DupID           core.DupID
	Partition       core.PartitionID
	ConfirmedDecree core.Decree
}

func NewPostDuplicationRemoveEvent(payload DuplicationRemovePayload) HookEvent {
	return &BaseEvent{eventType: EventPostDuplicationRemove, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	// Listeners with equal priority keep their registration order.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// ListenerFunc adapts a function into a synchronous, priority 0 HookListener.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                       { return 0 }
func (f ListenerFunc) IsAsync() bool                                       { return false }
