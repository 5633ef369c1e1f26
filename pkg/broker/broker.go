// Package broker routes per-tenant messages to that tenant's live stream
// subscribers. It does not persist, does not retry, and never crosses
// tenants; a subscriber that cannot accept a delivery is removed.
package broker

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Subscriber is one live stream subscription. Send must not block: it
// reports false when the payload cannot be enqueued, which unsubscribes
// the subscriber.
type Subscriber interface {
	ID() string
	Send(payload []byte) bool
}

// Envelope is the serialized shape of every published message.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type tenantSubs struct {
	pubMu sync.Mutex // serializes publishes so per-tenant order is stable
	mu    sync.RWMutex
	subs  map[string]Subscriber
}

// Broker maps tenant names to subscription sets.
type Broker struct {
	mu      sync.RWMutex
	tenants map[string]*tenantSubs
	owners  map[string]string // subscriber ID -> tenant
	logger  *slog.Logger
}

// New creates an empty broker.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		tenants: make(map[string]*tenantSubs),
		owners:  make(map[string]string),
		logger:  logger,
	}
}

// Subscribe enrolls sub under tenant. Subscribing twice is a no-op.
func (b *Broker) Subscribe(tenant string, sub Subscriber) {
	b.mu.Lock()
	ts, ok := b.tenants[tenant]
	if !ok {
		ts = &tenantSubs{subs: make(map[string]Subscriber)}
		b.tenants[tenant] = ts
	}
	b.owners[sub.ID()] = tenant
	b.mu.Unlock()

	ts.mu.Lock()
	ts.subs[sub.ID()] = sub
	ts.mu.Unlock()
}

// Unsubscribe removes sub from whichever tenant set holds it.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	tenant, ok := b.owners[sub.ID()]
	if ok {
		delete(b.owners, sub.ID())
	}
	ts := b.tenants[tenant]
	b.mu.Unlock()
	if !ok || ts == nil {
		return
	}
	ts.mu.Lock()
	delete(ts.subs, sub.ID())
	ts.mu.Unlock()
}

// Publish serializes the message once and delivers it to every current
// subscriber of the tenant. Failed sends evict the subscriber. Publishes
// for one tenant are serialized, so subscribers observe publish order.
func (b *Broker) Publish(tenant, msgType string, data any) {
	b.mu.RLock()
	ts := b.tenants[tenant]
	b.mu.RUnlock()
	if ts == nil {
		return
	}

	payload, err := json.Marshal(Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		b.logger.Error("broker message encoding failed", "type", msgType, "error", err)
		return
	}

	ts.pubMu.Lock()
	defer ts.pubMu.Unlock()

	ts.mu.RLock()
	targets := make([]Subscriber, 0, len(ts.subs))
	for _, sub := range ts.subs {
		targets = append(targets, sub)
	}
	ts.mu.RUnlock()

	for _, sub := range targets {
		if !sub.Send(payload) {
			b.logger.Warn("dropping slow stream subscriber", "tenant", tenant, "subscriber", sub.ID())
			b.Unsubscribe(sub)
			if d, ok := sub.(Droppable); ok {
				go d.Drop()
			}
		}
	}
}

// Droppable lets a subscriber be disconnected when it cannot keep up.
type Droppable interface {
	Drop()
}

// Count returns the number of live subscriptions across all tenants.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.owners)
}
