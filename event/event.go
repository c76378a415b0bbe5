// Copyright 2025 Lagoon Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// SubscriberQueueSize is the buffer size for subscriber channels
	SubscriberQueueSize = 20
)

type EventType string

type SubscriberId int

type HandlerFunc func(Event)

type Event struct {
	Timestamp time.Time
	Data      any
	Type      EventType
}

func NewEvent(eventType EventType, eventData any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      eventData,
	}
}

// Bus delivers typed events to channel and callback subscribers. It carries
// both internal notifications (lock transitions, applied votes) and external
// ledger confirmations used for reconciliation, so every consumer observes
// state changes through the same path
type Bus struct {
	subscribers map[EventType]map[SubscriberId]*subscriber
	metrics     *busMetrics
	lastSubId   SubscriberId
	logger      *slog.Logger
	mu          sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func (s *subscriber) deliver(evt Event) {
	// Hold a read lock for the duration of the send so close waits for
	// in-flight deliveries
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- evt
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

type busMetrics struct {
	published   *prometheus.CounterVec
	subscribers *prometheus.GaugeVec
}

// NewBus creates an event bus. A nil registry disables metrics; a nil logger
// discards log output
func NewBus(promRegistry prometheus.Registerer, logger *slog.Logger) *Bus {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	b := &Bus{
		subscribers: make(map[EventType]map[SubscriberId]*subscriber),
		logger:      logger,
	}
	if promRegistry != nil {
		promautoFactory := promauto.With(promRegistry)
		b.metrics = &busMetrics{
			published: promautoFactory.NewCounterVec(
				prometheus.CounterOpts{
					Name: "marmot_events_published_total",
					Help: "events published by type",
				},
				[]string{"type"},
			),
			subscribers: promautoFactory.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "marmot_event_subscribers",
					Help: "current subscriber count by type",
				},
				[]string{"type"},
			),
		}
	}
	return b
}

// Subscribe registers a channel subscriber for an event type. The returned
// channel is closed on Unsubscribe
func (b *Bus) Subscribe(eventType EventType) (SubscriberId, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscriber{
		ch: make(chan Event, SubscriberQueueSize),
	}
	b.lastSubId++
	subId := b.lastSubId
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[SubscriberId]*subscriber)
	}
	b.subscribers[eventType][subId] = sub
	if b.metrics != nil {
		b.metrics.subscribers.WithLabelValues(string(eventType)).Inc()
	}
	return subId, sub.ch
}

// SubscribeFunc registers a callback subscriber for an event type. The
// callback runs on a dedicated goroutine which exits on Unsubscribe
func (b *Bus) SubscribeFunc(
	eventType EventType,
	handlerFunc HandlerFunc,
) SubscriberId {
	subId, evtCh := b.Subscribe(eventType)
	go func() {
		for evt := range evtCh {
			handlerFunc(evt)
		}
	}()
	return subId
}

// Unsubscribe stops delivery for an existing subscriber and closes its
// channel. Safe to call for an already-removed subscriber
func (b *Bus) Unsubscribe(eventType EventType, subId SubscriberId) {
	b.mu.Lock()
	var subToClose *subscriber
	if typeSubs, ok := b.subscribers[eventType]; ok {
		if sub, ok := typeSubs[subId]; ok {
			subToClose = sub
			delete(typeSubs, subId)
			if len(typeSubs) == 0 {
				delete(b.subscribers, eventType)
			}
			if b.metrics != nil {
				b.metrics.subscribers.WithLabelValues(string(eventType)).
					Dec()
			}
		}
	}
	b.mu.Unlock()
	// Close outside the bus lock since deliveries hold the subscriber lock
	if subToClose != nil {
		subToClose.close()
	}
}

// Publish sends an event to all subscribers of its type. Delivery to a
// subscriber blocks when its channel buffer is full
func (b *Bus) Publish(eventType EventType, evt Event) {
	// Collect subscribers under the read lock, deliver outside it to avoid
	// holding the map lock across blocking sends
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subscribers[eventType]))
	for _, sub := range b.subscribers[eventType] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(evt)
	}
	if b.metrics != nil {
		b.metrics.published.WithLabelValues(string(eventType)).Inc()
	}
}

// Stop closes all subscriber channels and clears the subscriber table
func (b *Bus) Stop() {
	b.mu.Lock()
	var toClose []*subscriber
	for _, typeSubs := range b.subscribers {
		for _, sub := range typeSubs {
			toClose = append(toClose, sub)
		}
	}
	b.subscribers = make(map[EventType]map[SubscriberId]*subscriber)
	b.mu.Unlock()
	for _, sub := range toClose {
		sub.close()
	}
}
