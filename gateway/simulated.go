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

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lagoonlabs-io/marmot/event"
)

const DefaultConfirmDelay = 10 * time.Millisecond

// SimulatedGateway is an in-memory LedgerGateway. It keeps balances and
// lock records locally and confirms submitted transfers asynchronously
// after a configurable delay, mimicking ledger settlement. Transient
// failures can be injected for retry-path testing
type SimulatedGateway struct {
	eventBus     *event.Bus
	logger       *slog.Logger
	balances     map[string]uint64
	lockRecords  map[uint64]LockRecord
	transferFee  uint64
	confirmDelay time.Duration
	failNext     int
	confirmWg    sync.WaitGroup
	mu           sync.Mutex
}

type SimulatedGatewayConfig struct {
	EventBus     *event.Bus
	Logger       *slog.Logger
	ConfirmDelay time.Duration
	TransferFee  uint64
}

func NewSimulatedGateway(cfg SimulatedGatewayConfig) *SimulatedGateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	confirmDelay := cfg.ConfirmDelay
	if confirmDelay == 0 {
		confirmDelay = DefaultConfirmDelay
	}
	return &SimulatedGateway{
		eventBus:     cfg.EventBus,
		logger:       logger,
		balances:     make(map[string]uint64),
		lockRecords:  make(map[uint64]LockRecord),
		transferFee:  cfg.TransferFee,
		confirmDelay: confirmDelay,
	}
}

// SetBalance assigns an owner balance, replacing any prior value
func (g *SimulatedGateway) SetBalance(owner string, amount uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[owner] = amount
}

// Deposit credits an owner balance and publishes a deposit event
func (g *SimulatedGateway) Deposit(owner string, amount uint64) {
	g.mu.Lock()
	g.balances[owner] += amount
	g.mu.Unlock()
	g.publish(DepositEventType, DepositEvent{Owner: owner, Amount: amount})
}

// RecordLock stores the ledger-side lock record and debits the owner
func (g *SimulatedGateway) RecordLock(
	lockId uint64,
	owner string,
	amount uint64,
	startTime time.Time,
) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balances[owner] < amount {
		return errors.New("simulated balance too low for lock record")
	}
	g.balances[owner] -= amount
	g.lockRecords[lockId] = LockRecord{
		Amount:    amount,
		StartTime: startTime,
	}
	return nil
}

// FailNextTransfers makes the next n SubmitTransfer calls fail with a
// transient error
func (g *SimulatedGateway) FailNextTransfers(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// ConfirmVote publishes a vote confirmation for a previously applied vote
func (g *SimulatedGateway) ConfirmVote(lockId uint64, voteId string) {
	g.publish(VoteConfirmedEventType, VoteConfirmedEvent{
		LockId: lockId,
		VoteId: voteId,
	})
}

// RejectVote publishes a vote rejection for a previously applied vote
func (g *SimulatedGateway) RejectVote(lockId uint64, voteId, reason string) {
	g.publish(VoteRejectedEventType, VoteRejectedEvent{
		LockId: lockId,
		VoteId: voteId,
		Reason: reason,
	})
}

func (g *SimulatedGateway) GetBalance(
	ctx context.Context,
	owner string,
) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[owner], nil
}

func (g *SimulatedGateway) GetLockRecord(
	ctx context.Context,
	lockId uint64,
) (LockRecord, error) {
	if err := ctx.Err(); err != nil {
		return LockRecord{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	record, ok := g.lockRecords[lockId]
	if !ok {
		return LockRecord{}, ErrLockRecordNotFound
	}
	return record, nil
}

func (g *SimulatedGateway) SubmitTransfer(
	ctx context.Context,
	destination string,
	amount uint64,
	memo string,
) (TransferRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	if g.failNext > 0 {
		g.failNext--
		g.mu.Unlock()
		return "", &TransientError{
			Op:  "SubmitTransfer",
			Err: errors.New("simulated network failure"),
		}
	}
	ref := TransferRef(uuid.NewString())
	g.balances[destination] += amount
	fee := g.transferFee
	delay := g.confirmDelay
	g.mu.Unlock()
	g.logger.Debug(
		"transfer submitted",
		"component", "gateway",
		"destination", destination,
		"amount", amount,
		"memo", memo,
		"ref", ref,
	)
	// Settlement confirmation arrives asynchronously, like a real ledger
	g.confirmWg.Add(1)
	go func() {
		defer g.confirmWg.Done()
		time.Sleep(delay)
		g.publish(TransferConfirmedEventType, TransferConfirmedEvent{
			Ref: ref,
			Fee: fee,
		})
	}()
	return ref, nil
}

func (g *SimulatedGateway) WatchEvents(
	eventTypes ...event.EventType,
) Subscription {
	return newBusSubscription(g.eventBus, eventTypes...)
}

// Shutdown waits for outstanding settlement confirmations
func (g *SimulatedGateway) Shutdown() {
	g.confirmWg.Wait()
}

func (g *SimulatedGateway) publish(eventType event.EventType, data any) {
	if g.eventBus == nil {
		return
	}
	g.eventBus.Publish(eventType, event.NewEvent(eventType, data))
}

// busSubscription adapts event bus subscriptions to the gateway
// Subscription interface, fanning multiple event types into one channel
type busSubscription struct {
	bus        *event.Bus
	out        chan event.Event
	subIds     map[event.EventType]event.SubscriberId
	cancelOnce sync.Once
	forwardWg  sync.WaitGroup
}

func newBusSubscription(
	bus *event.Bus,
	eventTypes ...event.EventType,
) *busSubscription {
	s := &busSubscription{
		bus:    bus,
		out:    make(chan event.Event, event.SubscriberQueueSize),
		subIds: make(map[event.EventType]event.SubscriberId),
	}
	for _, eventType := range eventTypes {
		subId, ch := bus.Subscribe(eventType)
		s.subIds[eventType] = subId
		s.forwardWg.Add(1)
		go func(ch <-chan event.Event) {
			defer s.forwardWg.Done()
			for evt := range ch {
				s.out <- evt
			}
		}(ch)
	}
	return s
}

func (s *busSubscription) Events() <-chan event.Event {
	return s.out
}

func (s *busSubscription) Cancel() {
	s.cancelOnce.Do(func() {
		for eventType, subId := range s.subIds {
			s.bus.Unsubscribe(eventType, subId)
		}
		go func() {
			s.forwardWg.Wait()
			close(s.out)
		}()
	})
}
