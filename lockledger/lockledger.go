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

package lockledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lagoonlabs-io/marmot/curve"
	"github.com/lagoonlabs-io/marmot/database"
	"github.com/lagoonlabs-io/marmot/database/models"
	"github.com/lagoonlabs-io/marmot/event"
	"github.com/lagoonlabs-io/marmot/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LockCreatedEventType   event.EventType = "lockledger.created"
	LockActivatedEventType event.EventType = "lockledger.activated"
	LockQueuedEventType    event.EventType = "lockledger.queued"
	LockWithdrawnEventType event.EventType = "lockledger.withdrawn"

	DefaultCooldownDuration = 7 * 24 * time.Hour
)

type LockEvent struct {
	Lock Lock
}

type Status string

const (
	StatusWarmingUp Status = "warming_up"
	StatusActive    Status = "active"
	StatusQueued    Status = "queued"
	StatusWithdrawn Status = "withdrawn"
)

// Lock is one deposit commitment. Amount and identity are immutable after
// creation; Status only moves forward through
// WarmingUp -> Active -> Queued -> Withdrawn
type Lock struct {
	CreatedAt      time.Time
	WarmupEndsAt   time.Time
	QueuedAt       time.Time
	CooldownEndsAt time.Time
	Owner          string
	Status         Status
	Id             uint64
	Amount         uint64
}

var (
	ErrInvalidAmount      = errors.New("lock amount must be positive")
	ErrLockNotFound       = errors.New("lock not found")
	ErrLockNotActive      = errors.New("lock is not active")
	ErrLockNotQueued      = errors.New("lock is not in the exit queue")
	ErrCooldownNotElapsed = errors.New("exit cooldown has not elapsed")
)

// InsufficientBalanceError reports a createLock attempt exceeding the
// owner's available ledger balance
type InsufficientBalanceError struct {
	Owner     string
	Available uint64
	Requested uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf(
		"insufficient balance for %s: available=%d, requested=%d",
		e.Owner,
		e.Available,
		e.Requested,
	)
}

// LockRecorder mirrors newly created locks onto the external ledger. The
// simulated gateway implements it; wiring is a construction-time choice
type LockRecorder interface {
	RecordLock(
		lockId uint64,
		owner string,
		amount uint64,
		startTime time.Time,
	) error
}

type LedgerConfig struct {
	Gateway          gateway.LedgerGateway
	Recorder         LockRecorder
	Database         *database.Database
	EventBus         *event.Bus
	Logger           *slog.Logger
	PromRegistry     prometheus.Registerer
	TimeSource       func() time.Time
	CurveParams      curve.Params
	CooldownDuration time.Duration
}

// Ledger owns the lock table. All lifecycle mutation goes through its
// methods; reads are served from memory with write-through persistence
type Ledger struct {
	config  LedgerConfig
	logger  *slog.Logger
	locks   map[uint64]*Lock
	nextId  uint64
	now     func() time.Time
	metrics struct {
		locksCreated prometheus.Counter
		activeLocks  prometheus.Gauge
	}
	mu sync.RWMutex
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("no ledger gateway provided")
	}
	if cfg.Database == nil {
		return nil, errors.New("no database provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.CooldownDuration == 0 {
		cfg.CooldownDuration = DefaultCooldownDuration
	}
	if cfg.CurveParams.WarmupDuration == 0 {
		cfg.CurveParams = curve.DefaultParams()
	}
	now := cfg.TimeSource
	if now == nil {
		now = time.Now
	}
	l := &Ledger{
		config: cfg,
		logger: logger,
		locks:  make(map[uint64]*Lock),
		now:    now,
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("failed to load lock table: %w", err)
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	l.metrics.locksCreated = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "marmot_locks_created_total",
			Help: "total locks created",
		},
	)
	l.metrics.activeLocks = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "marmot_locks_active",
		Help: "current count of active locks",
	})
	l.metrics.activeLocks.Set(float64(l.countActive()))
	return l, nil
}

// CurveParams returns the effective curve configuration after defaulting
func (l *Ledger) CurveParams() curve.Params {
	return l.config.CurveParams
}

func (l *Ledger) load() error {
	rows, err := l.config.Database.Locks()
	if err != nil {
		return err
	}
	for _, row := range rows {
		lock := lockFromModel(row)
		l.locks[lock.Id] = &lock
		if lock.Id >= l.nextId {
			l.nextId = lock.Id
		}
	}
	return nil
}

func (l *Ledger) countActive() int {
	count := 0
	for _, lock := range l.locks {
		if lock.Status == StatusActive {
			count++
		}
	}
	return count
}

// CreateLock checks the owner's ledger balance and creates a new lock in
// WarmingUp. The balance check is the only suspension point
func (l *Ledger) CreateLock(
	ctx context.Context,
	owner string,
	amount uint64,
) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := l.config.Gateway.GetBalance(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("balance check failed: %w", err)
	}
	if balance < amount {
		return 0, &InsufficientBalanceError{
			Owner:     owner,
			Available: balance,
			Requested: amount,
		}
	}
	l.mu.Lock()
	l.nextId++
	lockId := l.nextId
	createdAt := l.now()
	lock := &Lock{
		Id:           lockId,
		Owner:        owner,
		Amount:       amount,
		CreatedAt:    createdAt,
		WarmupEndsAt: l.config.CurveParams.WarmupEnd(createdAt),
		Status:       StatusWarmingUp,
	}
	l.locks[lockId] = lock
	snapshot := *lock
	l.mu.Unlock()
	if err := l.config.Database.SetLock(lockToModel(snapshot)); err != nil {
		// Keep the table consistent with what survives a restart
		l.mu.Lock()
		delete(l.locks, lockId)
		l.mu.Unlock()
		return 0, fmt.Errorf("failed to persist lock: %w", err)
	}
	if l.config.Recorder != nil {
		if err := l.config.Recorder.RecordLock(lockId, owner, amount, createdAt); err != nil {
			l.logger.Warn(
				"failed to record lock on ledger",
				"component", "lockledger",
				"lock_id", lockId,
				"error", err,
			)
		}
	}
	l.metrics.locksCreated.Inc()
	l.publish(LockCreatedEventType, snapshot)
	l.logger.Info(
		"lock created",
		"component", "lockledger",
		"lock_id", lockId,
		"owner", owner,
		"amount", amount,
	)
	return lockId, nil
}

// GetLock returns a copy of the lock
func (l *Ledger) GetLock(lockId uint64) (Lock, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lock, ok := l.locks[lockId]
	if !ok {
		return Lock{}, ErrLockNotFound
	}
	return *lock, nil
}

// LocksForOwner returns copies of all locks belonging to an owner
func (l *Ledger) LocksForOwner(owner string) []Lock {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var result []Lock
	for _, lock := range l.locks {
		if lock.Owner == owner {
			result = append(result, *lock)
		}
	}
	return result
}

// RefreshStatus promotes a lock from WarmingUp to Active once its warmup
// window has elapsed. Idempotent; calling after the transition is a no-op
func (l *Ledger) RefreshStatus(lockId uint64, at time.Time) error {
	l.mu.Lock()
	lock, ok := l.locks[lockId]
	if !ok {
		l.mu.Unlock()
		return ErrLockNotFound
	}
	if lock.Status != StatusWarmingUp || at.Before(lock.WarmupEndsAt) {
		l.mu.Unlock()
		return nil
	}
	lock.Status = StatusActive
	snapshot := *lock
	l.mu.Unlock()
	if err := l.config.Database.SetLock(lockToModel(snapshot)); err != nil {
		return fmt.Errorf("failed to persist lock activation: %w", err)
	}
	l.metrics.activeLocks.Inc()
	l.publish(LockActivatedEventType, snapshot)
	l.logger.Info(
		"lock activated",
		"component", "lockledger",
		"lock_id", lockId,
	)
	return nil
}

// RefreshAll runs RefreshStatus for every lock. Registered as a scheduler
// task so warmup completion does not depend on caller activity
func (l *Ledger) RefreshAll() {
	at := l.now()
	l.mu.RLock()
	ids := make([]uint64, 0, len(l.locks))
	for id, lock := range l.locks {
		if lock.Status == StatusWarmingUp {
			ids = append(ids, id)
		}
	}
	l.mu.RUnlock()
	for _, id := range ids {
		if err := l.RefreshStatus(id, at); err != nil {
			l.logger.Warn(
				"warmup refresh failed",
				"component", "lockledger",
				"lock_id", id,
				"error", err,
			)
		}
	}
}

// EnterExitQueue moves an Active lock to Queued and stamps the cooldown
// deadline. The lock's voting contribution disappears on the queued event
func (l *Ledger) EnterExitQueue(lockId uint64) error {
	l.mu.Lock()
	lock, ok := l.locks[lockId]
	if !ok {
		l.mu.Unlock()
		return ErrLockNotFound
	}
	if lock.Status != StatusActive {
		l.mu.Unlock()
		return fmt.Errorf(
			"%w: lock %d is %s",
			ErrLockNotActive,
			lockId,
			lock.Status,
		)
	}
	queuedAt := l.now()
	lock.Status = StatusQueued
	lock.QueuedAt = queuedAt
	lock.CooldownEndsAt = queuedAt.Add(l.config.CooldownDuration)
	snapshot := *lock
	l.mu.Unlock()
	if err := l.config.Database.SetLock(lockToModel(snapshot)); err != nil {
		return fmt.Errorf("failed to persist lock queue entry: %w", err)
	}
	l.metrics.activeLocks.Dec()
	l.publish(LockQueuedEventType, snapshot)
	l.logger.Info(
		"lock entered exit queue",
		"component", "lockledger",
		"lock_id", lockId,
		"cooldown_ends", snapshot.CooldownEndsAt,
	)
	return nil
}

// Withdraw completes the exit once the cooldown has elapsed
func (l *Ledger) Withdraw(lockId uint64) error {
	l.mu.Lock()
	lock, ok := l.locks[lockId]
	if !ok {
		l.mu.Unlock()
		return ErrLockNotFound
	}
	if lock.Status != StatusQueued {
		l.mu.Unlock()
		return fmt.Errorf(
			"%w: lock %d is %s",
			ErrLockNotQueued,
			lockId,
			lock.Status,
		)
	}
	if l.now().Before(lock.CooldownEndsAt) {
		l.mu.Unlock()
		return fmt.Errorf(
			"%w: lock %d cooldown ends at %s",
			ErrCooldownNotElapsed,
			lockId,
			lock.CooldownEndsAt,
		)
	}
	lock.Status = StatusWithdrawn
	snapshot := *lock
	l.mu.Unlock()
	if err := l.config.Database.SetLock(lockToModel(snapshot)); err != nil {
		return fmt.Errorf("failed to persist lock withdrawal: %w", err)
	}
	l.publish(LockWithdrawnEventType, snapshot)
	l.logger.Info(
		"lock withdrawn",
		"component", "lockledger",
		"lock_id", lockId,
	)
	return nil
}

// VotingPower returns a lock's usable voting power at the given instant.
// Only Active locks carry power; warming-up, queued, and withdrawn locks
// contribute nothing
func (l *Ledger) VotingPower(lockId uint64, at time.Time) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lock, ok := l.locks[lockId]
	if !ok {
		return 0, ErrLockNotFound
	}
	if lock.Status != StatusActive {
		return 0, nil
	}
	return l.config.CurveParams.PowerAt(lock.Amount, lock.CreatedAt, at), nil
}

// ProjectedPower previews a lock's power at a future instant assuming it
// stays Active
func (l *Ledger) ProjectedPower(
	lockId uint64,
	futureTime time.Time,
) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lock, ok := l.locks[lockId]
	if !ok {
		return 0, ErrLockNotFound
	}
	return l.config.CurveParams.ProjectedPowerAt(
		lock.Amount,
		lock.CreatedAt,
		futureTime,
	), nil
}

// Reconcile compares cached lock projections against the external ledger's
// records and logs any mismatch as a consistency fault. The ledger record
// is the source of truth for amount and start time; local state is never
// silently rewritten
func (l *Ledger) Reconcile(ctx context.Context) {
	l.mu.RLock()
	snapshots := make([]Lock, 0, len(l.locks))
	for _, lock := range l.locks {
		if lock.Status == StatusWithdrawn {
			continue
		}
		snapshots = append(snapshots, *lock)
	}
	l.mu.RUnlock()
	for _, lock := range snapshots {
		record, err := l.config.Gateway.GetLockRecord(ctx, lock.Id)
		if err != nil {
			if errors.Is(err, gateway.ErrLockRecordNotFound) {
				continue
			}
			l.logger.Warn(
				"lock reconciliation failed",
				"component", "lockledger",
				"lock_id", lock.Id,
				"error", err,
			)
			continue
		}
		if record.Amount != lock.Amount {
			l.logger.Error(
				"consistency fault: lock amount differs from ledger record",
				"component", "lockledger",
				"lock_id", lock.Id,
				"local_amount", lock.Amount,
				"ledger_amount", record.Amount,
			)
		}
	}
}

func (l *Ledger) publish(eventType event.EventType, lock Lock) {
	if l.config.EventBus == nil {
		return
	}
	l.config.EventBus.Publish(
		eventType,
		event.NewEvent(eventType, LockEvent{Lock: lock}),
	)
}

func lockToModel(lock Lock) models.Lock {
	return models.Lock{
		ID:             lock.Id,
		Owner:          lock.Owner,
		Amount:         lock.Amount,
		Status:         string(lock.Status),
		CreatedAt:      lock.CreatedAt,
		WarmupEndsAt:   lock.WarmupEndsAt,
		QueuedAt:       lock.QueuedAt,
		CooldownEndsAt: lock.CooldownEndsAt,
	}
}

func lockFromModel(row models.Lock) Lock {
	return Lock{
		Id:             row.ID,
		Owner:          row.Owner,
		Amount:         row.Amount,
		Status:         Status(row.Status),
		CreatedAt:      row.CreatedAt,
		WarmupEndsAt:   row.WarmupEndsAt,
		QueuedAt:       row.QueuedAt,
		CooldownEndsAt: row.CooldownEndsAt,
	}
}
