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

package gauges

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lagoonlabs-io/marmot/database"
	"github.com/lagoonlabs-io/marmot/event"
	"github.com/lagoonlabs-io/marmot/gateway"
	"github.com/lagoonlabs-io/marmot/lockledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	VoteAppliedEventType event.EventType = "gauges.vote_applied"
	FinalizedEventType   event.EventType = "gauges.finalized"
)

type VoteAppliedEvent struct {
	VoteId string
	LockId uint64
}

type FinalizedEvent struct {
	Result FinalizationResult
}

var (
	ErrVotingWindowClosed    = errors.New("voting window is closed")
	ErrVotingWindowStillOpen = errors.New("voting window is still open")
	ErrNoVotesCast           = errors.New("no votes cast")
	ErrUnknownProposal       = errors.New("unknown proposal")
)

// InvalidAllocationError reports a malformed weight set
type InvalidAllocationError struct {
	Reason string
}

func (e *InvalidAllocationError) Error() string {
	return "invalid allocation: " + e.Reason
}

// ConsistencyFaultError reports an internal invariant violation, such as a
// tally that would go negative. It is always logged and surfaced, never
// silently corrected beyond clamping
type ConsistencyFaultError struct {
	GaugeId string
	Detail  string
}

func (e *ConsistencyFaultError) Error() string {
	return fmt.Sprintf(
		"consistency fault on gauge %s: %s",
		e.GaugeId,
		e.Detail,
	)
}

// Allocation is one lock's weight toward one gauge, in basis points
type Allocation struct {
	GaugeId           string
	WeightBasisPoints uint64
}

// Proposal describes one voting round: the votable gauges and the window
// after which finalization becomes legal
type Proposal struct {
	VotingWindowEnd time.Time
	Id              string
	GaugeIds        []string
}

// appliedVote is a lock's committed allocation set together with the
// tally contributions it produced, kept so replacement and rollback can
// subtract exactly what was added
type appliedVote struct {
	allocations   []Allocation
	contributions map[string]uint64
}

// roundState is one proposal's live voting state: its votable gauge set,
// per-gauge running totals, and each lock's committed allocation set.
// Scoping the state per proposal keeps overlapping rounds from touching
// each other's tallies
type roundState struct {
	proposal  Proposal
	gaugeSet  map[string]bool
	totals    map[string]uint64
	committed map[uint64]appliedVote
	// closed is set under s.mu before finalization snapshots the totals,
	// so no apply can land between the snapshot and the frozen result
	closed bool
}

func newRoundState(proposal Proposal) *roundState {
	round := &roundState{
		proposal:  proposal,
		gaugeSet:  make(map[string]bool, len(proposal.GaugeIds)),
		totals:    make(map[string]uint64, len(proposal.GaugeIds)),
		committed: make(map[uint64]appliedVote),
	}
	for _, gaugeId := range proposal.GaugeIds {
		round.gaugeSet[gaugeId] = true
		round.totals[gaugeId] = 0
	}
	return round
}

type ServiceConfig struct {
	Locks        *lockledger.Ledger
	Database     *database.Database
	EventBus     *event.Bus
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	TimeSource   func() time.Time
}

// Service owns the allocation table, the running tallies, and the frozen
// finalization results. Apply calls for the same lock are serialized with a
// per-lock mutex; finalize is serialized per proposal
type Service struct {
	config ServiceConfig
	logger *slog.Logger
	now    func() time.Time
	rounds map[string]*roundState
	active string
	// pending maps optimistic vote ids to the set they replaced, for
	// rollback when the ledger rejects the underlying transaction;
	// latestVote tracks the newest vote id per lock so stale rejections
	// cannot undo a newer apply
	pending    map[string]pendingVote
	latestVote map[uint64]string
	finalized  map[string]FinalizationResult
	lockMu     map[uint64]*sync.Mutex
	finalizeMu map[string]*sync.Mutex
	subIds     map[event.EventType]event.SubscriberId
	metrics    struct {
		votesApplied prometheus.Counter
		tallyPower   *prometheus.GaugeVec
	}
	mu sync.RWMutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Locks == nil {
		return nil, errors.New("no lock ledger provided")
	}
	if cfg.Database == nil {
		return nil, errors.New("no database provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	now := cfg.TimeSource
	if now == nil {
		now = time.Now
	}
	s := &Service{
		config:     cfg,
		logger:     logger,
		now:        now,
		rounds:     make(map[string]*roundState),
		pending:    make(map[string]pendingVote),
		latestVote: make(map[uint64]string),
		finalized:  make(map[string]FinalizationResult),
		lockMu:     make(map[uint64]*sync.Mutex),
		finalizeMu: make(map[string]*sync.Mutex),
		subIds:     make(map[event.EventType]event.SubscriberId),
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.votesApplied = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "marmot_votes_applied_total",
			Help: "total vote allocations applied",
		},
	)
	s.metrics.tallyPower = promautoFactory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marmot_tally_power",
			Help: "current tally power by proposal and gauge",
		},
		[]string{"proposal", "gauge"},
	)
	if cfg.EventBus != nil {
		s.subIds[lockledger.LockQueuedEventType] = cfg.EventBus.SubscribeFunc(
			lockledger.LockQueuedEventType,
			s.handleLockQueued,
		)
		s.subIds[gateway.VoteConfirmedEventType] = cfg.EventBus.SubscribeFunc(
			gateway.VoteConfirmedEventType,
			s.handleVoteConfirmed,
		)
		s.subIds[gateway.VoteRejectedEventType] = cfg.EventBus.SubscribeFunc(
			gateway.VoteRejectedEventType,
			s.handleVoteRejected,
		)
	}
	return s, nil
}

// RegisterProposal adds a proposal and makes it the governing one for
// subsequent votes. Prior tallies are kept for finalization of earlier
// rounds. Persisted allocation rows for a not-yet-finalized proposal are
// restored so tallies survive a restart
func (s *Service) RegisterProposal(proposal Proposal) error {
	byLock := make(map[uint64][]Allocation)
	powers := make(map[uint64]uint64)
	alreadyFinalized := false
	if _, err := s.config.Database.GetFinalization(
		proposal.Id,
	); err == nil {
		alreadyFinalized = true
	} else if errors.Is(err, database.ErrNotFound) {
		rows, err := s.config.Database.Allocations(proposal.Id)
		if err != nil {
			return fmt.Errorf("failed to load stored allocations: %w", err)
		}
		for _, row := range rows {
			byLock[row.LockID] = append(byLock[row.LockID], Allocation{
				GaugeId:           row.GaugeID,
				WeightBasisPoints: row.WeightBasisPoints,
			})
		}
		at := s.now()
		for lockId := range byLock {
			power, err := s.config.Locks.VotingPower(lockId, at)
			if err != nil {
				// lock left Active while the service was down
				delete(byLock, lockId)
				continue
			}
			powers[lockId] = power
		}
	} else if err != nil {
		return fmt.Errorf("failed to check finalization: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[proposal.Id]; ok {
		return fmt.Errorf("proposal %s already registered", proposal.Id)
	}
	round := newRoundState(proposal)
	// A proposal finalized before a restart stays closed to new votes
	round.closed = alreadyFinalized
	s.rounds[proposal.Id] = round
	s.active = proposal.Id
	for lockId, allocations := range byLock {
		restored := appliedVote{
			allocations:   allocations,
			contributions: make(map[string]uint64, len(allocations)),
		}
		for _, alloc := range allocations {
			contribution := scaleByBps(powers[lockId], alloc.WeightBasisPoints)
			restored.contributions[alloc.GaugeId] = contribution
			round.totals[alloc.GaugeId] += contribution
		}
		round.committed[lockId] = restored
	}
	s.logger.Info(
		"proposal registered",
		"component", "gauges",
		"proposal_id", proposal.Id,
		"gauges", len(proposal.GaugeIds),
		"restored_votes", len(byLock),
		"window_end", proposal.VotingWindowEnd,
	)
	return nil
}

// ActiveProposal returns the currently governing proposal
func (s *Service) ActiveProposal() (Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	round, ok := s.rounds[s.active]
	if !ok {
		return Proposal{}, ErrUnknownProposal
	}
	return round.proposal, nil
}

// Stop unsubscribes the service from the event bus
func (s *Service) Stop() {
	if s.config.EventBus == nil {
		return
	}
	for eventType, subId := range s.subIds {
		s.config.EventBus.Unsubscribe(eventType, subId)
	}
}

// perLockMutex returns the mutex serializing Apply calls for one lock
func (s *Service) perLockMutex(lockId uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.lockMu[lockId]
	if !ok {
		mu = &sync.Mutex{}
		s.lockMu[lockId] = mu
	}
	return mu
}

// perProposalMutex returns the mutex serializing Finalize for one proposal
func (s *Service) perProposalMutex(proposalId string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.finalizeMu[proposalId]
	if !ok {
		mu = &sync.Mutex{}
		s.finalizeMu[proposalId] = mu
	}
	return mu
}
