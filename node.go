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

package marmot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lagoonlabs-io/marmot/database"
	"github.com/lagoonlabs-io/marmot/distribution"
	"github.com/lagoonlabs-io/marmot/event"
	"github.com/lagoonlabs-io/marmot/gateway"
	"github.com/lagoonlabs-io/marmot/gauges"
	"github.com/lagoonlabs-io/marmot/lockledger"
	"github.com/lagoonlabs-io/marmot/scheduler"
	gocache "github.com/patrickmn/go-cache"
)

type Node struct {
	eventBus      *event.Bus
	db            *database.Database
	gateway       gateway.LedgerGateway
	simulatedGw   *gateway.SimulatedGateway
	locks         *lockledger.Ledger
	gauges        *gauges.Service
	distributor   *distribution.Coordinator
	scheduler     *scheduler.Scheduler
	tallyCache    *gocache.Cache
	shutdownFuncs []func(context.Context) error
	config        Config
	done          chan struct{}
	shutdownOnce  sync.Once
}

func New(cfg Config) (*Node, error) {
	n := &Node{
		config:   cfg,
		eventBus: event.NewBus(cfg.promRegistry, cfg.logger),
		done:     make(chan struct{}),
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	// Load database
	db, err := database.New(&database.Config{
		DataDir: n.config.dataDir,
		Logger:  n.config.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Select ledger gateway
	n.gateway = n.config.gateway
	if n.gateway == nil {
		n.simulatedGw = gateway.NewSimulatedGateway(
			gateway.SimulatedGatewayConfig{
				EventBus:    n.eventBus,
				Logger:      n.config.logger,
				TransferFee: n.config.transferFee,
			},
		)
		n.gateway = n.simulatedGw
	}
	// Load lock ledger
	ledgerCfg := lockledger.LedgerConfig{
		Gateway:          n.gateway,
		Database:         n.db,
		EventBus:         n.eventBus,
		Logger:           n.config.logger,
		PromRegistry:     n.config.promRegistry,
		CurveParams:      n.config.curveParams,
		CooldownDuration: n.config.cooldownDuration,
	}
	if n.simulatedGw != nil {
		ledgerCfg.Recorder = n.simulatedGw
	}
	locks, err := lockledger.NewLedger(ledgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load lock ledger: %w", err)
	}
	n.locks = locks
	// Load gauge service
	gaugeService, err := gauges.NewService(gauges.ServiceConfig{
		Locks:        n.locks,
		Database:     n.db,
		EventBus:     n.eventBus,
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load gauge service: %w", err)
	}
	n.gauges = gaugeService
	for _, proposal := range n.config.proposals {
		if err := n.gauges.RegisterProposal(proposal); err != nil {
			return nil, fmt.Errorf("failed to register proposal: %w", err)
		}
	}
	// Load distribution coordinator
	distributor, err := distribution.NewCoordinator(
		distribution.CoordinatorConfig{
			Gateway:      n.gateway,
			Resolver:     n.gauges,
			Database:     n.db,
			EventBus:     n.eventBus,
			Logger:       n.config.logger,
			PromRegistry: n.config.promRegistry,
			FundAmount:   n.config.fundAmount,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load distribution coordinator: %w", err)
	}
	n.distributor = distributor
	// Configure background maintenance
	schedulerInterval := n.config.schedulerInterval
	if schedulerInterval == 0 {
		schedulerInterval = defaultSchedulerInterval
	}
	n.scheduler = scheduler.New(schedulerInterval)
	n.scheduler.Register(1, n.locks.RefreshAll)
	n.scheduler.Register(1, n.gauges.Recompute)
	n.scheduler.Register(10, func() {
		n.locks.Reconcile(context.Background())
	})
	tallyCacheTTL := n.config.tallyCacheTTL
	if tallyCacheTTL == 0 {
		tallyCacheTTL = defaultTallyCacheTTL
	}
	n.tallyCache = gocache.New(tallyCacheTTL, 2*tallyCacheTTL)
	return n, nil
}

// Run starts background maintenance and blocks until Stop is called
func (n *Node) Run() error {
	// Configure tracing
	if n.config.tracing {
		if err := n.setupTracing(); err != nil {
			return err
		}
	}
	n.scheduler.Start()
	n.config.logger.Info(
		"node started",
		"component", "node",
		"data_dir", n.config.dataDir,
		"proposals", len(n.config.proposals),
	)
	// Wait for shutdown signal
	<-n.done
	return nil
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	shutdownTimeout := defaultShutdownTimeout
	if n.config.shutdownTimeout > 0 {
		shutdownTimeout = n.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error

	n.config.logger.Debug("starting graceful shutdown")

	// Phase 1: stop accepting new background work
	if n.scheduler != nil {
		n.scheduler.Stop()
	}

	// Phase 2: drain in-flight distribution submissions and event handlers
	if n.distributor != nil {
		n.distributor.Stop()
	}
	if n.gauges != nil {
		n.gauges.Stop()
	}
	if n.simulatedGw != nil {
		n.simulatedGw.Shutdown()
	}

	// Phase 3: stop event delivery and close storage
	if n.eventBus != nil {
		n.eventBus.Stop()
	}
	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	// Phase 4: cleanup resources
	for _, fn := range n.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	n.shutdownFuncs = nil

	n.config.logger.Debug("graceful shutdown complete")
	close(n.done)
	return err
}

// CreateLock deposits an owner's tokens into a new lock
func (n *Node) CreateLock(
	ctx context.Context,
	owner string,
	amount uint64,
) (uint64, error) {
	return n.locks.CreateLock(ctx, owner, amount)
}

// EnterExitQueue moves an active lock into cooldown
func (n *Node) EnterExitQueue(lockId uint64) error {
	return n.locks.EnterExitQueue(lockId)
}

// Withdraw releases a queued lock whose cooldown has elapsed
func (n *Node) Withdraw(lockId uint64) error {
	return n.locks.Withdraw(lockId)
}

// LockSummary is the query view of a lock with its derived powers
type LockSummary struct {
	Lock           lockledger.Lock
	VotingPower    uint64
	ProjectedPower uint64
}

// GetLockSummary returns all of an owner's locks with their current and
// fully-ramped voting powers, ordered by lock id
func (n *Node) GetLockSummary(owner string) ([]LockSummary, error) {
	locks := n.locks.LocksForOwner(owner)
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].Id < locks[j].Id
	})
	now := time.Now()
	curveParams := n.locks.CurveParams()
	summaries := make([]LockSummary, 0, len(locks))
	for _, lock := range locks {
		power, err := n.locks.VotingPower(lock.Id, now)
		if err != nil {
			return nil, err
		}
		projected, err := n.locks.ProjectedPower(
			lock.Id,
			lock.CreatedAt.Add(
				curveParams.WarmupDuration+curveParams.MaxTime,
			),
		)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, LockSummary{
			Lock:           lock,
			VotingPower:    power,
			ProjectedPower: projected,
		})
	}
	return summaries, nil
}

// ApplyVote replaces a lock's gauge allocation on the active proposal
func (n *Node) ApplyVote(
	lockId uint64,
	allocations []gauges.Allocation,
) (string, error) {
	n.invalidateActiveTally()
	return n.gauges.Apply(lockId, allocations)
}

// ResetVote clears a lock's gauge allocation on the active proposal
func (n *Node) ResetVote(lockId uint64) (string, error) {
	n.invalidateActiveTally()
	return n.gauges.Reset(lockId)
}

func liveTallyCacheKey(proposalId string) string {
	return "live_tally/" + proposalId
}

func (n *Node) invalidateActiveTally() {
	if proposal, err := n.gauges.ActiveProposal(); err == nil {
		n.tallyCache.Delete(liveTallyCacheKey(proposal.Id))
	}
}

// GetLiveTally returns a proposal's ranked standings. Reads are served
// from a short-lived cache since tallies move with every vote and clock
// tick
func (n *Node) GetLiveTally(proposalId string) ([]gauges.Tally, error) {
	key := liveTallyCacheKey(proposalId)
	if cached, ok := n.tallyCache.Get(key); ok {
		if tallies, ok := cached.([]gauges.Tally); ok {
			return tallies, nil
		}
	}
	tallies, err := n.gauges.ProposalSnapshot(proposalId)
	if err != nil {
		return nil, err
	}
	n.tallyCache.Set(key, tallies, gocache.DefaultExpiration)
	return tallies, nil
}

// RequestFinalize closes a proposal's voting window and freezes its result
func (n *Node) RequestFinalize(
	proposalId string,
) (gauges.FinalizationResult, error) {
	return n.gauges.Finalize(proposalId)
}

// GetFinalizationResult returns a previously frozen proposal result
func (n *Node) GetFinalizationResult(
	proposalId string,
) (gauges.FinalizationResult, error) {
	return n.gauges.GetFinalization(proposalId)
}

// StartDistribution begins paying out a finalized proposal's pot
func (n *Node) StartDistribution(
	ctx context.Context,
	proposalId string,
) (distribution.Record, error) {
	return n.distributor.Start(ctx, proposalId)
}

// RetryDistribution creates a fresh attempt for a failed distribution
func (n *Node) RetryDistribution(
	distributionId string,
) (distribution.Record, error) {
	return n.distributor.Retry(distributionId)
}

// GetDistributionStatus returns the most recent distribution attempt for a
// proposal
func (n *Node) GetDistributionStatus(
	proposalId string,
) (distribution.Record, error) {
	return n.distributor.GetStatus(proposalId)
}

// DistributionAuditTrail returns the append-only distribution journal for
// a proposal
func (n *Node) DistributionAuditTrail(
	proposalId string,
) ([]distribution.AuditEntry, error) {
	return n.distributor.AuditTrail(proposalId)
}
