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

package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lagoonlabs-io/marmot/database"
	"github.com/lagoonlabs-io/marmot/database/models"
	"github.com/lagoonlabs-io/marmot/event"
	"github.com/lagoonlabs-io/marmot/gauges"
	"github.com/lagoonlabs-io/marmot/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DistributionSettledEventType event.EventType = "distribution.settled"

// DistributionSettledEvent fires when an attempt reaches a terminal status
type DistributionSettledEvent struct {
	Record Record
}

const (
	DefaultMaxSubmitAttempts = 5
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultBackoffCap        = 30 * time.Second
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
)

var (
	ErrAlreadyDistributing = errors.New(
		"a distribution is already in flight for this proposal",
	)
	ErrNotFinalized = errors.New("proposal is not finalized")
	ErrNotFailed    = errors.New("retry requires a failed attempt")
	ErrNotFound     = errors.New("distribution not found")
)

// Record is one fund-movement attempt. Status moves strictly forward:
// Pending -> Processing -> Confirmed, or Pending|Processing -> Failed.
// Retries create fresh records rather than mutating history
type Record struct {
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Id          string
	ProposalId  string
	WinnerGauge string
	TransferRef gateway.TransferRef
	LastError   string
	Status      Status
	Attempt     int
	Amount      uint64
	Fee         uint64
}

type CoordinatorConfig struct {
	Gateway      gateway.LedgerGateway
	Resolver     *gauges.Service
	Database     *database.Database
	EventBus     *event.Bus
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	TimeSource   func() time.Time
	// FundSource resolves the pot to distribute for a proposal. Defaults
	// to a constant FundAmount
	FundSource        func(proposalId string) (uint64, error)
	FundAmount        uint64
	MaxSubmitAttempts int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

// Coordinator drives per-proposal distribution state machines. Submission
// runs asynchronously with bounded retry; settlement confirmation arrives
// through the gateway event stream, so a caller cancelling its context
// stops local submission work without losing the eventual outcome
type Coordinator struct {
	config     CoordinatorConfig
	logger     *slog.Logger
	now        func() time.Time
	proposalMu map[string]*sync.Mutex
	mu         sync.Mutex
	inflight   sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
	watch      gateway.Subscription
	watchDone  chan struct{}
	metrics    struct {
		distributions *prometheus.CounterVec
	}
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("no ledger gateway provided")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("no winner resolver provided")
	}
	if cfg.Database == nil {
		return nil, errors.New("no database provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.MaxSubmitAttempts == 0 {
		cfg.MaxSubmitAttempts = DefaultMaxSubmitAttempts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.FundSource == nil {
		fundAmount := cfg.FundAmount
		cfg.FundSource = func(string) (uint64, error) {
			return fundAmount, nil
		}
	}
	now := cfg.TimeSource
	if now == nil {
		now = time.Now
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config:     cfg,
		logger:     logger,
		now:        now,
		proposalMu: make(map[string]*sync.Mutex),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		watchDone:  make(chan struct{}),
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	c.metrics.distributions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marmot_distributions_total",
			Help: "distribution attempts by terminal status",
		},
		[]string{"status"},
	)
	// Settlement outcomes arrive through the gateway event stream
	c.watch = cfg.Gateway.WatchEvents(
		gateway.TransferConfirmedEventType,
		gateway.TransferFailedEventType,
	)
	go c.watchSettlement()
	return c, nil
}

// Stop cancels in-flight submissions and the settlement watcher
func (c *Coordinator) Stop() {
	c.rootCancel()
	c.watch.Cancel()
	c.inflight.Wait()
	<-c.watchDone
}

func (c *Coordinator) perProposalMutex(proposalId string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.proposalMu[proposalId]
	if !ok {
		mu = &sync.Mutex{}
		c.proposalMu[proposalId] = mu
	}
	return mu
}

// Start begins distributing a finalized proposal's pot to its winner. At
// most one non-Failed attempt may exist per proposal; the second of two
// racing calls gets ErrAlreadyDistributing. Submission continues
// asynchronously; cancel ctx to stop local retry work
func (c *Coordinator) Start(
	ctx context.Context,
	proposalId string,
) (Record, error) {
	proposalMu := c.perProposalMutex(proposalId)
	proposalMu.Lock()
	defer proposalMu.Unlock()
	result, err := c.config.Resolver.GetFinalization(proposalId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Record{}, fmt.Errorf(
				"%w: %s",
				ErrNotFinalized,
				proposalId,
			)
		}
		return Record{}, err
	}
	_, err = c.config.Database.LiveDistribution(
		proposalId,
		string(StatusFailed),
	)
	if err == nil {
		return Record{}, fmt.Errorf(
			"%w: %s",
			ErrAlreadyDistributing,
			proposalId,
		)
	} else if !errors.Is(err, database.ErrNotFound) {
		return Record{}, err
	}
	attempt := 1
	if latest, err := c.config.Database.LatestDistribution(proposalId); err == nil {
		attempt = latest.Attempt + 1
	}
	amount, err := c.config.FundSource(proposalId)
	if err != nil {
		return Record{}, fmt.Errorf("failed to resolve fund amount: %w", err)
	}
	createdAt := c.now()
	record := Record{
		Id:          fmt.Sprintf("dist-%s-%d", proposalId, attempt),
		ProposalId:  proposalId,
		Attempt:     attempt,
		WinnerGauge: result.Winner.GaugeId,
		Amount:      amount,
		Status:      StatusPending,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if err := c.config.Database.AddDistribution(recordToModel(record)); err != nil {
		return Record{}, fmt.Errorf(
			"failed to persist distribution record: %w",
			err,
		)
	}
	c.audit(record, "created")
	c.logger.Info(
		"distribution started",
		"component", "distribution",
		"proposal_id", proposalId,
		"distribution_id", record.Id,
		"winner", record.WinnerGauge,
		"amount", amount,
	)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.process(ctx, record)
	}()
	return record, nil
}

// Retry creates a fresh attempt for a failed distribution. The failed
// record is preserved as audit history
func (c *Coordinator) Retry(distributionId string) (Record, error) {
	failed, err := c.config.Database.GetDistribution(distributionId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, distributionId)
		}
		return Record{}, err
	}
	if Status(failed.Status) != StatusFailed {
		return Record{}, fmt.Errorf(
			"%w: %s is %s",
			ErrNotFailed,
			distributionId,
			failed.Status,
		)
	}
	return c.Start(c.rootCtx, failed.ProposalID)
}

// GetStatus returns the most recent attempt for a proposal
func (c *Coordinator) GetStatus(proposalId string) (Record, error) {
	row, err := c.config.Database.LatestDistribution(proposalId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, proposalId)
		}
		return Record{}, err
	}
	return recordFromModel(row), nil
}

// AuditTrail returns the append-only journal for a proposal's
// distributions
func (c *Coordinator) AuditTrail(proposalId string) ([]AuditEntry, error) {
	raw, err := c.config.Database.AuditTrail("dist/" + proposalId)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(raw))
	for _, payload := range raw {
		var entry AuditEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// process submits the transfer with bounded exponential backoff. Success
// moves the record to Processing; settlement confirmation arrives via the
// event watcher. Exhausting retries or hitting a fatal error moves the
// record to Failed
func (c *Coordinator) process(ctx context.Context, record Record) {
	memo := fmt.Sprintf("distribution %s", record.Id)
	backoff := c.config.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxSubmitAttempts; attempt++ {
		ref, err := c.config.Gateway.SubmitTransfer(
			ctx,
			record.WinnerGauge,
			record.Amount,
			memo,
		)
		if err == nil {
			record.Status = StatusProcessing
			record.TransferRef = ref
			record.UpdatedAt = c.now()
			if err := c.config.Database.UpdateDistribution(
				recordToModel(record),
			); err != nil {
				c.logger.Error(
					"failed to persist processing transition",
					"component", "distribution",
					"distribution_id", record.Id,
					"error", err,
				)
			}
			c.audit(record, "submitted")
			c.logger.Info(
				"transfer submitted",
				"component", "distribution",
				"distribution_id", record.Id,
				"transfer_ref", ref,
				"submit_attempts", attempt,
			)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			// Caller teardown: stop local work, leave an auditable failure
			c.fail(record, fmt.Errorf("cancelled: %w", ctx.Err()))
			return
		}
		if !gateway.IsTransient(err) {
			c.fail(record, err)
			return
		}
		c.logger.Warn(
			"transient transfer failure, backing off",
			"component", "distribution",
			"distribution_id", record.Id,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			c.fail(record, fmt.Errorf("cancelled: %w", ctx.Err()))
			return
		case <-c.rootCtx.Done():
			c.fail(record, errors.New("coordinator shutting down"))
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.config.BackoffCap)
	}
	c.fail(record, fmt.Errorf("retries exhausted: %w", lastErr))
}

func (c *Coordinator) fail(record Record, cause error) {
	record.Status = StatusFailed
	record.LastError = cause.Error()
	record.UpdatedAt = c.now()
	if err := c.config.Database.UpdateDistribution(
		recordToModel(record),
	); err != nil {
		c.logger.Error(
			"failed to persist failure transition",
			"component", "distribution",
			"distribution_id", record.Id,
			"error", err,
		)
	}
	c.audit(record, "failed")
	c.metrics.distributions.WithLabelValues(string(StatusFailed)).Inc()
	if c.config.EventBus != nil {
		c.config.EventBus.Publish(
			DistributionSettledEventType,
			event.NewEvent(
				DistributionSettledEventType,
				DistributionSettledEvent{Record: record},
			),
		)
	}
	c.logger.Error(
		"distribution failed",
		"component", "distribution",
		"distribution_id", record.Id,
		"error", cause,
	)
}

// watchSettlement applies transfer outcomes reported by the ledger to the
// matching Processing record
func (c *Coordinator) watchSettlement() {
	defer close(c.watchDone)
	for evt := range c.watch.Events() {
		switch data := evt.Data.(type) {
		case gateway.TransferConfirmedEvent:
			c.settle(data.Ref, StatusConfirmed, data.Fee, "")
		case gateway.TransferFailedEvent:
			c.settle(data.Ref, StatusFailed, 0, data.Reason)
		}
	}
}

func (c *Coordinator) settle(
	ref gateway.TransferRef,
	status Status,
	fee uint64,
	reason string,
) {
	row, err := c.config.Database.DistributionByRef(string(ref))
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			c.logger.Error(
				"failed to look up distribution for settlement",
				"component", "distribution",
				"transfer_ref", ref,
				"error", err,
			)
		}
		return
	}
	record := recordFromModel(row)
	if record.Status != StatusProcessing {
		// Settlement events are idempotent; later duplicates are ignored
		return
	}
	record.Status = status
	record.Fee = fee
	record.LastError = reason
	record.UpdatedAt = c.now()
	if err := c.config.Database.UpdateDistribution(
		recordToModel(record),
	); err != nil {
		c.logger.Error(
			"failed to persist settlement",
			"component", "distribution",
			"distribution_id", record.Id,
			"error", err,
		)
		return
	}
	c.audit(record, "settled")
	c.metrics.distributions.WithLabelValues(string(status)).Inc()
	if c.config.EventBus != nil {
		c.config.EventBus.Publish(
			DistributionSettledEventType,
			event.NewEvent(
				DistributionSettledEventType,
				DistributionSettledEvent{Record: record},
			),
		)
	}
	c.logger.Info(
		"distribution settled",
		"component", "distribution",
		"distribution_id", record.Id,
		"status", status,
		"fee", fee,
	)
}

// AuditEntry is one immutable journal line for a distribution attempt
type AuditEntry struct {
	At             time.Time `json:"at"`
	DistributionId string    `json:"distribution_id"`
	Step           string    `json:"step"`
	Status         Status    `json:"status"`
	TransferRef    string    `json:"transfer_ref,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

func (c *Coordinator) audit(record Record, step string) {
	entry := AuditEntry{
		At:             c.now(),
		DistributionId: record.Id,
		Step:           step,
		Status:         record.Status,
		TransferRef:    string(record.TransferRef),
		LastError:      record.LastError,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	scope := "dist/" + record.ProposalId
	if err := c.config.Database.AppendAudit(scope, payload); err != nil {
		c.logger.Warn(
			"failed to append audit entry",
			"component", "distribution",
			"distribution_id", record.Id,
			"error", err,
		)
	}
}

func recordToModel(record Record) models.DistributionRecord {
	return models.DistributionRecord{
		ID:          record.Id,
		ProposalID:  record.ProposalId,
		Attempt:     record.Attempt,
		WinnerGauge: record.WinnerGauge,
		Amount:      record.Amount,
		Status:      string(record.Status),
		TransferRef: string(record.TransferRef),
		Fee:         record.Fee,
		LastError:   record.LastError,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
}

func recordFromModel(row models.DistributionRecord) Record {
	return Record{
		Id:          row.ID,
		ProposalId:  row.ProposalID,
		Attempt:     row.Attempt,
		WinnerGauge: row.WinnerGauge,
		Amount:      row.Amount,
		Status:      Status(row.Status),
		TransferRef: gateway.TransferRef(row.TransferRef),
		Fee:         row.Fee,
		LastError:   row.LastError,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}
