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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testEventType EventType = "test.event"

func TestSubscribeReceivesPublished(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus(nil, nil)
	defer bus.Stop()
	_, ch := bus.Subscribe(testEventType)
	bus.Publish(testEventType, NewEvent(testEventType, "payload"))
	select {
	case evt := <-ch:
		assert.Equal(t, testEventType, evt.Type)
		assert.Equal(t, "payload", evt.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishOnlyMatchingType(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus(nil, nil)
	defer bus.Stop()
	_, ch := bus.Subscribe(testEventType)
	bus.Publish(
		EventType("other.event"),
		NewEvent(EventType("other.event"), nil),
	)
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event received: %v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeFunc(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus(nil, nil)
	var received atomic.Int64
	var wg sync.WaitGroup
	wg.Add(3)
	subId := bus.SubscribeFunc(testEventType, func(evt Event) {
		received.Add(1)
		wg.Done()
	})
	for range 3 {
		bus.Publish(testEventType, NewEvent(testEventType, nil))
	}
	wg.Wait()
	bus.Unsubscribe(testEventType, subId)
	assert.Equal(t, int64(3), received.Load())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus(nil, nil)
	subId, ch := bus.Subscribe(testEventType)
	bus.Unsubscribe(testEventType, subId)
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	// Publishing after unsubscribe must not panic or deliver
	bus.Publish(testEventType, NewEvent(testEventType, nil))
	// Double unsubscribe is a no-op
	bus.Unsubscribe(testEventType, subId)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus(nil, nil)
	defer bus.Stop()
	var wg sync.WaitGroup
	var received atomic.Int64
	for range 4 {
		subId, ch := bus.Subscribe(testEventType)
		wg.Add(1)
		go func(subId SubscriberId, ch <-chan Event) {
			defer wg.Done()
			for range ch {
				received.Add(1)
			}
		}(subId, ch)
	}
	for range 25 {
		bus.Publish(testEventType, NewEvent(testEventType, nil))
	}
	bus.Stop()
	wg.Wait()
	assert.Equal(t, int64(100), received.Load())
}

func TestBusMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)
	registry := prometheus.NewRegistry()
	bus := NewBus(registry, nil)
	defer bus.Stop()
	subId, ch := bus.Subscribe(testEventType)
	go func() {
		for range ch {
		}
	}()
	bus.Publish(testEventType, NewEvent(testEventType, nil))
	require.NotNil(t, bus.metrics)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(
			bus.metrics.published.WithLabelValues(string(testEventType)),
		),
	)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(
			bus.metrics.subscribers.WithLabelValues(string(testEventType)),
		),
	)
	bus.Unsubscribe(testEventType, subId)
	assert.Equal(
		t,
		float64(0),
		testutil.ToFloat64(
			bus.metrics.subscribers.WithLabelValues(string(testEventType)),
		),
	)
}
