package events

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// ErrBusFull is returned when the async bus cannot queue an event
var ErrBusFull = errors.New("event bus channel full")

// EventBus fans cmpp events out to subscribed handlers
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[cmpp.EventType][]cmpp.EventHandler
	logger      cmpp.Logger
	async       bool
}

// NewEventBus creates a new event bus. With async set every handler runs
// on its own goroutine.
func NewEventBus(logger cmpp.Logger, async bool) *EventBus {
	return &EventBus{
		subscribers: make(map[cmpp.EventType][]cmpp.EventHandler),
		logger:      logger,
		async:       async,
	}
}

// Subscribe registers handler for eventType
func (eb *EventBus) Subscribe(ctx context.Context, eventType cmpp.EventType, handler cmpp.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, h := range eb.subscribers[eventType] {
		if h.GetHandlerID() == handler.GetHandlerID() {
			return errors.Errorf("handler %s already subscribed to event type %s", handler.GetHandlerID(), eventType)
		}
	}

	eb.subscribers[eventType] = append(eb.subscribers[eventType], handler)

	if eb.logger != nil {
		eb.logger.Debug("Handler subscribed to event",
			"handler_id", handler.GetHandlerID(),
			"event_type", eventType)
	}
	return nil
}

// SubscribeAll subscribes handler to every event type the server raises
func (eb *EventBus) SubscribeAll(ctx context.Context, handler cmpp.EventHandler) error {
	for _, eventType := range AllEventTypes {
		if err := eb.Subscribe(ctx, eventType, handler); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes the handler with the same id
func (eb *EventBus) Unsubscribe(ctx context.Context, eventType cmpp.EventType, handler cmpp.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers := eb.subscribers[eventType]
	for i, h := range handlers {
		if h.GetHandlerID() != handler.GetHandlerID() {
			continue
		}
		kept := make([]cmpp.EventHandler, 0, len(handlers)-1)
		kept = append(kept, handlers[:i]...)
		eb.subscribers[eventType] = append(kept, handlers[i+1:]...)

		if eb.logger != nil {
			eb.logger.Debug("Handler unsubscribed from event",
				"handler_id", handler.GetHandlerID(),
				"event_type", eventType)
		}
		return nil
	}

	return errors.Errorf("handler %s not found for event type %s", handler.GetHandlerID(), eventType)
}

// PublishSMSEvent publishes a message event
func (eb *EventBus) PublishSMSEvent(ctx context.Context, event *cmpp.SMSEvent) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	return eb.publish(ctx, event)
}

// PublishConnectionEvent publishes a connection event
func (eb *EventBus) PublishConnectionEvent(ctx context.Context, event *cmpp.ConnectionEvent) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	return eb.publish(ctx, event)
}

func (eb *EventBus) publish(ctx context.Context, event cmpp.Event) error {
	eb.mu.RLock()
	handlers := eb.subscribers[event.GetEventType()]
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	for _, handler := range handlers {
		if eb.async {
			go eb.handleEventSafely(ctx, handler, event)
			continue
		}
		if err := eb.handleEventSafely(ctx, handler, event); err != nil && eb.logger != nil {
			eb.logger.Error("Error handling event",
				"handler_id", handler.GetHandlerID(),
				"event_type", event.GetEventType(),
				"error", err)
		}
	}
	return nil
}

// handleEventSafely runs a handler and turns a panic into an error
func (eb *EventBus) handleEventSafely(ctx context.Context, handler cmpp.EventHandler, event cmpp.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in event handler: %v", r)
			if eb.logger != nil {
				eb.logger.Error("Panic in event handler",
					"handler_id", handler.GetHandlerID(),
					"event_type", event.GetEventType(),
					"panic", r)
			}
		}
	}()

	return handler.HandleEvent(ctx, event)
}

// GetSubscriberCount returns how many handlers listen for eventType
func (eb *EventBus) GetSubscriberCount(eventType cmpp.EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers[eventType])
}

// GetAllSubscriberCounts maps each event type to its handler count
func (eb *EventBus) GetAllSubscriberCounts() map[cmpp.EventType]int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	counts := make(map[cmpp.EventType]int)
	for eventType, handlers := range eb.subscribers {
		counts[eventType] = len(handlers)
	}
	return counts
}

// Clear drops every subscription
func (eb *EventBus) Clear() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers = make(map[cmpp.EventType][]cmpp.EventHandler)

	if eb.logger != nil {
		eb.logger.Debug("Event bus cleared")
	}
}

// AsyncEventBus queues events on a buffered channel and dispatches them from
// a single goroutine. Publishing never blocks; a full queue returns ErrBusFull.
type AsyncEventBus struct {
	*EventBus
	eventChan chan eventWrapper
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type eventWrapper struct {
	ctx   context.Context
	event cmpp.Event
}

// NewAsyncEventBus starts a bus that delivers from a buffered channel
func NewAsyncEventBus(logger cmpp.Logger, bufferSize int) *AsyncEventBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	eb := &AsyncEventBus{
		EventBus:  NewEventBus(logger, false),
		eventChan: make(chan eventWrapper, bufferSize),
		done:      make(chan struct{}),
	}

	eb.start()
	return eb
}

func (aeb *AsyncEventBus) start() {
	aeb.wg.Add(1)
	go func() {
		defer aeb.wg.Done()

		for {
			select {
			case w := <-aeb.eventChan:
				aeb.EventBus.publish(w.ctx, w.event)
			case <-aeb.done:
				// drain what was queued before Close
				for {
					select {
					case w := <-aeb.eventChan:
						aeb.EventBus.publish(w.ctx, w.event)
					default:
						return
					}
				}
			}
		}
	}()
}

// PublishSMSEvent queues a message event
func (aeb *AsyncEventBus) PublishSMSEvent(ctx context.Context, event *cmpp.SMSEvent) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	return aeb.publishAsync(ctx, event)
}

// PublishConnectionEvent queues a connection event
func (aeb *AsyncEventBus) PublishConnectionEvent(ctx context.Context, event *cmpp.ConnectionEvent) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	return aeb.publishAsync(ctx, event)
}

func (aeb *AsyncEventBus) publishAsync(ctx context.Context, event cmpp.Event) error {
	select {
	case <-aeb.done:
		return errors.New("event bus closed")
	default:
	}

	select {
	case aeb.eventChan <- eventWrapper{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	default:
		if aeb.logger != nil {
			aeb.logger.Warn("Event bus channel full, dropping event",
				"event_type", event.GetEventType())
		}
		return ErrBusFull
	}
}

// Close stops the dispatcher after delivering the queued events
func (aeb *AsyncEventBus) Close() {
	aeb.closeOnce.Do(func() {
		close(aeb.done)
	})
	aeb.wg.Wait()
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc struct {
	id      string
	handler func(ctx context.Context, event cmpp.Event) error
}

// NewEventHandlerFunc wraps fn under the given handler id
func NewEventHandlerFunc(id string, handler func(ctx context.Context, event cmpp.Event) error) *EventHandlerFunc {
	return &EventHandlerFunc{
		id:      id,
		handler: handler,
	}
}

func (ehf *EventHandlerFunc) HandleEvent(ctx context.Context, event cmpp.Event) error {
	return ehf.handler(ctx, event)
}

func (ehf *EventHandlerFunc) GetHandlerID() string {
	return ehf.id
}

// AllEventTypes lists every event the server raises
var AllEventTypes = []cmpp.EventType{
	cmpp.EventTypeConnected,
	cmpp.EventTypeAuthenticated,
	cmpp.EventTypeTerminated,
	cmpp.EventTypeDisconnected,
	cmpp.EventTypeProtocolError,
	cmpp.EventTypeTimeout,
	cmpp.EventTypeSMSSubmitted,
	cmpp.EventTypeSMSDelivered,
	cmpp.EventTypeStatusReport,
}

// LoggingEventHandler writes each event to the logger
type LoggingEventHandler struct {
	id     string
	logger cmpp.Logger
}

func NewLoggingEventHandler(id string, logger cmpp.Logger) *LoggingEventHandler {
	return &LoggingEventHandler{
		id:     id,
		logger: logger,
	}
}

// HandleEvent logs the event. Protocol errors and timeouts log at warn.
func (leh *LoggingEventHandler) HandleEvent(ctx context.Context, event cmpp.Event) error {
	if leh.logger == nil {
		return nil
	}
	fields := []interface{}{"event_type", event.GetEventType(), "timestamp", event.GetTimestamp()}
	switch e := event.(type) {
	case *cmpp.ConnectionEvent:
		fields = append(fields, "conn_id", e.ConnID, "remote_addr", e.RemoteAddr, "source_addr", e.SourceAddr)
		if e.CommandID != 0 {
			fields = append(fields, "command", cmpp.CommandName(e.CommandID), "sequence_id", e.SequenceID)
		}
		if e.Error != nil {
			fields = append(fields, "error", e.Error)
			leh.logger.Warn("Connection event", fields...)
			return nil
		}
	case *cmpp.SMSEvent:
		fields = append(fields, "conn_id", e.ConnID, "source_addr", e.SourceAddr, "message_id", e.MessageID)
	}
	leh.logger.Info("Event received", fields...)
	return nil
}

func (leh *LoggingEventHandler) GetHandlerID() string {
	return leh.id
}

// MetricsEventHandler counts events by type
type MetricsEventHandler struct {
	id      string
	metrics cmpp.MetricsCollector
}

func NewMetricsEventHandler(id string, metrics cmpp.MetricsCollector) *MetricsEventHandler {
	return &MetricsEventHandler{
		id:      id,
		metrics: metrics,
	}
}

// HandleEvent counts the event by type, and message events by SP code
func (meh *MetricsEventHandler) HandleEvent(ctx context.Context, event cmpp.Event) error {
	if meh.metrics == nil {
		return nil
	}
	meh.metrics.IncCounter("events_total", map[string]string{
		"event_type": string(event.GetEventType()),
	})

	if e, ok := event.(*cmpp.SMSEvent); ok {
		meh.metrics.IncCounter("sms_events_total", map[string]string{
			"event_type":  string(e.Type),
			"source_addr": e.SourceAddr,
		})
	}
	return nil
}

func (meh *MetricsEventHandler) GetHandlerID() string {
	return meh.id
}

// EventBuilder constructs the event values published by the gateway
type EventBuilder struct{}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{}
}

// BuildSMSEvent builds a message event for a command received on conn
func (eb *EventBuilder) BuildSMSEvent(eventType cmpp.EventType, messageID string, conn *cmpp.Connection, body cmpp.Body) *cmpp.SMSEvent {
	event := &cmpp.SMSEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		MessageID: messageID,
		Body:      body,
		Data:      make(map[string]interface{}),
	}
	if conn != nil {
		event.ConnID = conn.ID()
		event.SourceAddr = conn.SourceAddr()
	}
	return event
}

// BuildConnectionEvent fills a cmpp.ConnectionEvent for conn
func (eb *EventBuilder) BuildConnectionEvent(eventType cmpp.EventType, conn *cmpp.Connection) *cmpp.ConnectionEvent {
	event := &cmpp.ConnectionEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      make(map[string]interface{}),
	}
	if conn != nil {
		event.ConnID = conn.ID()
		event.RemoteAddr = conn.RemoteAddr()
		event.SourceAddr = conn.SourceAddr()
	}
	return event
}
