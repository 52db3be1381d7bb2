// Package bus is a process-local publish/subscribe bus. The engine
// publishes pipeline and stage events on it after the corresponding
// database transaction commits; side effects (webhooks, logging) subscribe
// at startup. The bus is injected, never accessed as a global.
package bus

import "sync"

// Topic constants published by the engine.
const (
	PipelineCreated   = "pipeline.created"
	PipelineStarted   = "pipeline.started"
	PipelineCompleted = "pipeline.completed"
	PipelineFailed    = "pipeline.failed"
	StageClaimed      = "stage.claimed"
	StageStarted      = "stage.started"
	StageCompleted    = "stage.completed"
	StageFailed       = "stage.failed"
	StageSkipped      = "stage.skipped"
)

// Topics returns every topic the engine publishes, for subscribers that
// want all of them.
func Topics() []string {
	return []string{
		PipelineCreated, PipelineStarted, PipelineCompleted, PipelineFailed,
		StageClaimed, StageStarted, StageCompleted, StageFailed, StageSkipped,
	}
}

// Message is the payload delivered to subscribers.
type Message struct {
	Topic      string
	PipelineID string
	StageID    string
	StageName  string
	AgentID    string
	Data       map[string]any
}

type Handler func(Message)

// Bus fans messages out to subscribers. Publish is synchronous: a slow
// subscriber delays the publisher, so subscribers that do I/O should hand
// off to their own goroutine.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

func New() *Bus {
	return &Bus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[topic][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// Publish delivers msg to every handler subscribed to its topic. A nil Bus
// drops messages, so callers need no nil checks.
func (b *Bus) Publish(msg Message) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[msg.Topic]))
	for _, h := range b.handlers[msg.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// SubscriberCount returns the number of handlers for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
