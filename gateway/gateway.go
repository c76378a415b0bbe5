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
	"fmt"
	"time"

	"github.com/lagoonlabs-io/marmot/event"
)

// Event types published by gateway implementations onto the node event bus.
// Internal components subscribe to these to reconcile optimistic state
// against what the ledger actually confirmed
const (
	DepositEventType           event.EventType = "chain.deposit"
	VoteConfirmedEventType     event.EventType = "chain.vote_confirmed"
	VoteRejectedEventType      event.EventType = "chain.vote_rejected"
	TransferConfirmedEventType event.EventType = "chain.transfer_confirmed"
	TransferFailedEventType    event.EventType = "chain.transfer_failed"
)

type DepositEvent struct {
	Owner  string
	Amount uint64
}

type VoteConfirmedEvent struct {
	LockId uint64
	VoteId string
}

type VoteRejectedEvent struct {
	LockId uint64
	VoteId string
	Reason string
}

type TransferConfirmedEvent struct {
	Ref TransferRef
	Fee uint64
}

type TransferFailedEvent struct {
	Ref    TransferRef
	Reason string
}

// TransferRef identifies a submitted transfer on the external ledger
type TransferRef string

// LockRecord is the ledger's view of a lock deposit, the source of truth
// for amount and start time
type LockRecord struct {
	StartTime time.Time
	Amount    uint64
}

var ErrLockRecordNotFound = errors.New("lock record not found")

// TransientError wraps a retryable boundary failure. Callers classify with
// errors.As and retry with backoff
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient ledger error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError wraps a non-retryable boundary failure such as a rejected
// transaction
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal ledger error in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an error is a retryable boundary failure
func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}

// Subscription is a cancellable stream of ledger events
type Subscription interface {
	Events() <-chan event.Event
	Cancel()
}

// LedgerGateway is the boundary to the external ledger/ownership
// collaborator. Implementations are selected at construction time; the
// simulated variant backs tests and development, a production variant talks
// to a real ledger. All blocking happens here, never in the pure
// computation paths
type LedgerGateway interface {
	GetBalance(ctx context.Context, owner string) (uint64, error)
	GetLockRecord(ctx context.Context, lockId uint64) (LockRecord, error)
	SubmitTransfer(
		ctx context.Context,
		destination string,
		amount uint64,
		memo string,
	) (TransferRef, error)
	WatchEvents(eventTypes ...event.EventType) Subscription
}
