package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"reelforge/internal/bus"
	"reelforge/internal/config"
	"reelforge/internal/domain"
	"reelforge/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher pages through the events table and posts matching
// events to configured webhook URLs. Each hook keeps its own cursor; a
// failed delivery stops that hook's batch so the event is retried on the
// next pass.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.Webhook
	client   *http.Client
	interval time.Duration
	// nudge wakes the delivery loop when the bus reports a committed
	// mutation, so delivery does not wait for the next tick.
	nudge   chan struct{}
	mu      sync.Mutex
	cursors map[int]int64
}

// StartWebhookDispatcher runs the dispatcher until ctx is canceled. It
// subscribes to the engine's bus so committed mutations are delivered
// promptly; the ticker remains as a catch-up sweep. No-op when no
// webhooks are configured.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		nudge:    make(chan struct{}, 1),
		cursors:  make(map[int]int64),
	}
	var unsubs []func()
	if e.Bus != nil {
		for _, topic := range bus.Topics() {
			unsubs = append(unsubs, e.Bus.Subscribe(topic, func(bus.Message) {
				select {
				case d.nudge <- struct{}{}:
				default:
				}
			}))
		}
	}
	go func() {
		defer func() {
			for _, unsub := range unsubs {
				unsub()
			}
		}()
		d.run(ctx)
	}()
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.nudge:
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if !matchesEvent(hook.Events, evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// matchesEvent treats filters as exact types or prefixes ("stage." matches
// every stage event). Empty filter list matches everything.
func matchesEvent(filters []string, evtType string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == evtType || (strings.HasSuffix(f, ".") && strings.HasPrefix(evtType, f)) {
			return true
		}
	}
	return false
}

// cursorFor starts new hooks at the current event head so a restart does
// not replay history.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	PipelineID string          `json:"pipeline_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		PipelineID: evt.PipelineID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ReelForge-Event", evt.Type)
	req.Header.Set("X-ReelForge-Delivery", fmt.Sprintf("%d", evt.ID))
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", hook.URL, res.StatusCode)
	}
	return nil
}
