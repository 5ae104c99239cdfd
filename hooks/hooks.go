package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Append Events
	EventPreAppend       EventType = "PreAppend"
	EventPostAppendBatch EventType = "PostAppendBatch"

	// Log Maintenance Events
	EventPostSegmentRoll      EventType = "PostSegmentRoll"
	EventPostPurge            EventType = "PostPurge"
	EventPostClear            EventType = "PostClear"
	EventPostRecoveryTruncate EventType = "PostRecoveryTruncate"
	EventPostPipelineFatal    EventType = "PostPipelineFatal"

	// Replication Events
	EventPostSlaveConnected      EventType = "PostSlaveConnected"
	EventPostSlaveDisconnected   EventType = "PostSlaveDisconnected"
	EventPostContinuityViolation EventType = "PostContinuityViolation"
	EventPostReplicaStateChange  EventType = "PostReplicaStateChange"
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

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreAppend) cancels the operation.
	// Errors from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// ListenerFunc adapts a function to a synchronous HookListener.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                      { return 0 }
func (f ListenerFunc) IsAsync() bool                                      { return false }

// --- Append Payloads ---

// PreAppendPayload contains the record payload before it is queued.
// Payload is a pointer so listeners can rewrite the bytes.
type PreAppendPayload struct {
	Payload *[]byte
}

// NewPreAppendEvent creates an event for before a payload is appended.
func NewPreAppendEvent(payload PreAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreAppend, payload: payload}
}

// AppendBatchPayload describes one committed write batch.
type AppendBatchPayload struct {
	Records  int
	Bytes    int64
	FirstLSN uint64
	LastLSN  uint64
	Duration time.Duration
}

// NewPostAppendBatchEvent creates an event for after a batch hit the tail segment.
func NewPostAppendBatchEvent(payload AppendBatchPayload) HookEvent {
	return &BaseEvent{eventType: EventPostAppendBatch, payload: payload}
}

// --- Log Maintenance Payloads ---

// SegmentRollPayload contains information about a segment rollover.
type SegmentRollPayload struct {
	SealedFileLSN uint64
	SealedSize    int64
	NewFileLSN    uint64
	NewPath       string
}

// NewPostSegmentRollEvent creates an event for after a new tail segment was created.
func NewPostSegmentRollEvent(payload SegmentRollPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentRoll, payload: payload}
}

// PurgePayload lists the base LSNs of the segments a purge removed.
type PurgePayload struct {
	UpTo    uint64
	Removed []uint64
}

// NewPostPurgeEvent creates an event for after sealed segments were deleted.
func NewPostPurgeEvent(payload PurgePayload) HookEvent {
	return &BaseEvent{eventType: EventPostPurge, payload: payload}
}

// ClearPayload lists the segments deleted by a clear.
type ClearPayload struct {
	Dir     string
	Removed []uint64
}

// NewPostClearEvent creates an event for after a log was emptied.
func NewPostClearEvent(payload ClearPayload) HookEvent {
	return &BaseEvent{eventType: EventPostClear, payload: payload}
}

// RecoveryTruncatePayload reports bytes cut off a damaged tail.
type RecoveryTruncatePayload struct {
	Path           string
	TruncatedBytes int64
}

// NewPostRecoveryTruncateEvent creates an event for after a tail segment was repaired.
func NewPostRecoveryTruncateEvent(payload RecoveryTruncatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecoveryTruncate, payload: payload}
}

// PipelineFatalPayload carries the error that shut an append pipeline down.
type PipelineFatalPayload struct {
	Dir string
	Err error
}

// NewPostPipelineFatalEvent creates an event for after the append pipeline closed itself.
func NewPostPipelineFatalEvent(payload PipelineFatalPayload) HookEvent {
	return &BaseEvent{eventType: EventPostPipelineFatal, payload: payload}
}

// --- Replication Payloads ---

// SlavePayload identifies a replication peer as seen by the master.
type SlavePayload struct {
	RemoteAddr string
	StartLSN   uint64
	Err        error
}

// NewPostSlaveConnectedEvent creates an event for after a slave finished its handshake.
func NewPostSlaveConnectedEvent(payload SlavePayload) HookEvent {
	return &BaseEvent{eventType: EventPostSlaveConnected, payload: payload}
}

// NewPostSlaveDisconnectedEvent creates an event for after a slave stream ended.
func NewPostSlaveDisconnectedEvent(payload SlavePayload) HookEvent {
	return &BaseEvent{eventType: EventPostSlaveDisconnected, payload: payload}
}

// ContinuityPayload describes a replicated record that did not chain.
type ContinuityPayload struct {
	Prev uint64
	Got  uint64
}

// NewPostContinuityViolationEvent creates an event for after a replica rejected a record.
func NewPostContinuityViolationEvent(payload ContinuityPayload) HookEvent {
	return &BaseEvent{eventType: EventPostContinuityViolation, payload: payload}
}

// ReplicaStatePayload reports a replica engine state transition.
type ReplicaStatePayload struct {
	From string
	To   string
}

// NewPostReplicaStateChangeEvent creates an event for after a replica changed state.
func NewPostReplicaStateChangeEvent(payload ReplicaStatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostReplicaStateChange, payload: payload}
}

// listenerWithPriority wraps a listener with its priority for heap management.
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
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
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

	// Get the existing slice of listeners for this event type.
	l := m.listeners[eventType]

	// Find the correct insertion index to maintain sorted order.
	// sort.Search finds the first index i where l[i].priority >= item.priority.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})

	// Optimized insertion to reduce re-allocations.
	// Append a zero value to the slice, which might grow the slice once.
	l = append(l, nil)
	// Shift elements to make space for the new item.
	copy(l[idx+1:], l[idx:])
	// Insert the new item at the correct position.
	l[idx] = item // Insert the new item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		// Post-hooks can be sync or async based on the listener's preference.
		if isPreHook || !isListenerAsync {
			// --- Synchronous Execution ---
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					// For Pre-hooks, the error is critical and cancels the operation.
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				// For synchronous Post-hooks, we just log the error and continue.
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			// --- Asynchronous Execution --- (Only for Post-hooks that return IsAsync() == true)
			m.wg.Add(1)
			// Pass item as an argument to the closure to capture its current value.
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
