// Package notify forwards workflow events from the audit log to webhooks and Telegram.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pressline/internal/config"
	"pressline/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// EventSource is the slice of the store the dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Sink delivers one event somewhere.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.Event) error
}

type route struct {
	sink   Sink
	filter eventFilter
}

// Dispatcher polls the event log and hands new events to each sink in order.
// A sink that fails keeps its cursor, so the event is retried on the next tick.
type Dispatcher struct {
	Source   EventSource
	Interval time.Duration

	routes  []route
	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(src EventSource) *Dispatcher {
	return &Dispatcher{Source: src, Interval: defaultInterval, cursors: make(map[int]int64)}
}

// Add registers sink for the listed event types. No types means every event.
func (d *Dispatcher) Add(sink Sink, types []string) {
	d.routes = append(d.routes, route{sink: sink, filter: newEventFilter(types)})
}

func (d *Dispatcher) Len() int { return len(d.routes) }

// FromConfig builds a dispatcher with the sinks named in cfg. lookup resolves the Telegram token env var.
func FromConfig(src EventSource, cfg config.NotifyConfig, lookup func(string) string) (*Dispatcher, error) {
	d := NewDispatcher(src)
	for _, hook := range cfg.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.Add(NewWebhookSink(hook.URL, hook.Secret, hook.Timeout.Duration), hook.Events)
	}
	if cfg.Telegram.Enabled() {
		token := strings.TrimSpace(lookup(cfg.Telegram.TokenEnv))
		if token == "" {
			return nil, domain.Errorf(domain.KindConfiguration, "notify", "%s is not set", cfg.Telegram.TokenEnv)
		}
		sink, err := NewTelegramSink(token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, domain.E(domain.KindConfiguration, "notify", err)
		}
		d.Add(sink, cfg.Telegram.Events)
	}
	return d, nil
}

// Run polls until ctx is done. Only events appended after the first poll are delivered.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.routes) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll runs one delivery pass over every sink.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, r := range d.routes {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, i, r)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, r route) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	evts, err := d.Source.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		log.Warn().Err(err).Str("sink", r.sink.Name()).Msg("notify: fetch events failed")
		return
	}
	for _, evt := range evts {
		if !r.filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := r.sink.Deliver(ctx, evt); err != nil {
			log.Warn().Err(err).Str("sink", r.sink.Name()).Int64("event_id", evt.ID).Msg("notify: delivery failed")
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.Source.LatestEventID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("notify: init cursor failed")
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// message is the wire form of an event sent to sinks.
type message struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func newMessage(evt domain.Event) message {
	m := message{
		ID:        evt.ID,
		Type:      evt.Type,
		ItemID:    evt.ItemID,
		SessionID: evt.SessionID,
		TS:        evt.TS,
		Payload:   json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			m.Payload = json.RawMessage(evt.Payload)
		} else {
			m.PayloadRaw = evt.Payload
		}
	}
	return m
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
