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
	"fmt"

	"github.com/google/uuid"
	"github.com/lagoonlabs-io/marmot/curve"
	"github.com/lagoonlabs-io/marmot/database/models"
	"github.com/lagoonlabs-io/marmot/event"
	"github.com/lagoonlabs-io/marmot/gateway"
	"github.com/lagoonlabs-io/marmot/lockledger"
)

// pendingVote remembers the allocation set an optimistic apply replaced,
// until the external ledger confirms or rejects the vote transaction
type pendingVote struct {
	prior      appliedVote
	proposalId string
	lockId     uint64
}

// Validate checks an allocation set without applying it
func (s *Service) Validate(allocations []Allocation) error {
	if len(allocations) == 0 {
		return &InvalidAllocationError{Reason: "empty allocation set"}
	}
	seen := make(map[string]bool, len(allocations))
	var sum uint64
	for _, alloc := range allocations {
		if seen[alloc.GaugeId] {
			return &InvalidAllocationError{
				Reason: fmt.Sprintf(
					"duplicate gauge %s",
					alloc.GaugeId,
				),
			}
		}
		seen[alloc.GaugeId] = true
		if alloc.WeightBasisPoints > curve.BasisPointsDivisor {
			return &InvalidAllocationError{
				Reason: fmt.Sprintf(
					"weight %d exceeds %d basis points",
					alloc.WeightBasisPoints,
					curve.BasisPointsDivisor,
				),
			}
		}
		sum += alloc.WeightBasisPoints
	}
	if sum > curve.BasisPointsDivisor {
		return &InvalidAllocationError{
			Reason: fmt.Sprintf(
				"weights sum to %d, exceeding %d basis points",
				sum,
				curve.BasisPointsDivisor,
			),
		}
	}
	if sum == 0 {
		return &InvalidAllocationError{Reason: "weights sum to zero"}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	round, ok := s.rounds[s.active]
	if !ok {
		return &InvalidAllocationError{Reason: "no proposal registered"}
	}
	for _, alloc := range allocations {
		if !round.gaugeSet[alloc.GaugeId] {
			return &InvalidAllocationError{
				Reason: fmt.Sprintf(
					"gauge %s is not votable in the current proposal",
					alloc.GaugeId,
				),
			}
		}
	}
	return nil
}

// Apply atomically replaces a lock's allocation set and pushes the tally
// delta. The returned vote id identifies the optimistic change for
// reconciliation against the external ledger. Concurrent Apply calls for
// the same lock are serialized; different locks proceed independently
func (s *Service) Apply(
	lockId uint64,
	allocations []Allocation,
) (string, error) {
	if err := s.Validate(allocations); err != nil {
		return "", err
	}
	return s.applyChecked(lockId, allocations)
}

// Reset clears a lock's allocation set, removing its tally contribution
func (s *Service) Reset(lockId uint64) (string, error) {
	return s.applyChecked(lockId, nil)
}

func (s *Service) applyChecked(
	lockId uint64,
	allocations []Allocation,
) (string, error) {
	lockMu := s.perLockMutex(lockId)
	lockMu.Lock()
	defer lockMu.Unlock()
	lock, err := s.config.Locks.GetLock(lockId)
	if err != nil {
		return "", err
	}
	if lock.Status != lockledger.StatusActive {
		return "", fmt.Errorf(
			"%w: lock %d is %s",
			lockledger.ErrLockNotActive,
			lockId,
			lock.Status,
		)
	}
	power, err := s.config.Locks.VotingPower(lockId, s.now())
	if err != nil {
		return "", err
	}
	voteId := uuid.NewString()
	if err := s.applySet("", lockId, allocations, power, voteId); err != nil {
		return "", err
	}
	s.metrics.votesApplied.Inc()
	if s.config.EventBus != nil {
		s.config.EventBus.Publish(
			VoteAppliedEventType,
			event.NewEvent(VoteAppliedEventType, VoteAppliedEvent{
				VoteId: voteId,
				LockId: lockId,
			}),
		)
	}
	s.logger.Info(
		"vote applied",
		"component", "gauges",
		"lock_id", lockId,
		"vote_id", voteId,
		"gauges", len(allocations),
		"power", power,
	)
	return voteId, nil
}

// applySet swaps a lock's committed set for a new one and adjusts the
// round's totals. An empty proposalId targets the active round. The
// finalized check runs under the same critical section that mutates
// totals, so an apply racing finalization cannot land after the result
// freezes. A non-empty voteId records the prior set for rollback.
// Persistence of the allocation rows and the adjusted tally rows happens
// in one database transaction
func (s *Service) applySet(
	proposalId string,
	lockId uint64,
	allocations []Allocation,
	power uint64,
	voteId string,
) error {
	s.mu.Lock()
	if proposalId == "" {
		proposalId = s.active
	}
	round, ok := s.rounds[proposalId]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownProposal
	}
	if _, done := s.finalized[proposalId]; done || round.closed {
		s.mu.Unlock()
		return ErrVotingWindowClosed
	}
	prior := round.committed[lockId]
	changed := make(map[string]uint64)
	for gaugeId, contribution := range prior.contributions {
		s.subPowerLocked(round, gaugeId, contribution)
		changed[gaugeId] = round.totals[gaugeId]
	}
	next := appliedVote{
		allocations:   allocations,
		contributions: make(map[string]uint64, len(allocations)),
	}
	for _, alloc := range allocations {
		contribution := scaleByBps(power, alloc.WeightBasisPoints)
		next.contributions[alloc.GaugeId] = contribution
		round.totals[alloc.GaugeId] += contribution
		changed[alloc.GaugeId] = round.totals[alloc.GaugeId]
	}
	if len(allocations) == 0 {
		delete(round.committed, lockId)
	} else {
		round.committed[lockId] = next
	}
	if voteId != "" {
		s.pending[voteId] = pendingVote{
			lockId:     lockId,
			proposalId: proposalId,
			prior:      prior,
		}
		s.latestVote[lockId] = voteId
	}
	s.mu.Unlock()

	rows := make([]models.GaugeAllocation, 0, len(allocations))
	for _, alloc := range allocations {
		rows = append(rows, models.GaugeAllocation{
			ProposalID:        proposalId,
			LockID:            lockId,
			GaugeID:           alloc.GaugeId,
			WeightBasisPoints: alloc.WeightBasisPoints,
		})
	}
	if err := s.config.Database.ReplaceAllocations(
		proposalId,
		lockId,
		rows,
		changed,
	); err != nil {
		return fmt.Errorf("failed to persist allocation change: %w", err)
	}
	for gaugeId, total := range changed {
		s.metrics.tallyPower.WithLabelValues(proposalId, gaugeId).
			Set(float64(total))
	}
	return nil
}

// Allocations returns a copy of a lock's committed allocation set on the
// active proposal
func (s *Service) Allocations(lockId uint64) []Allocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	round, ok := s.rounds[s.active]
	if !ok {
		return nil
	}
	committed := round.committed[lockId]
	result := make([]Allocation, len(committed.allocations))
	copy(result, committed.allocations)
	return result
}

// handleLockQueued removes a lock's tally contribution from every still
// open round the moment the lock leaves Active
func (s *Service) handleLockQueued(evt event.Event) {
	lockEvt, ok := evt.Data.(lockledger.LockEvent)
	if !ok {
		return
	}
	lockId := lockEvt.Lock.Id
	lockMu := s.perLockMutex(lockId)
	lockMu.Lock()
	defer lockMu.Unlock()
	s.mu.RLock()
	roundIds := make([]string, 0, len(s.rounds))
	for proposalId, round := range s.rounds {
		if _, done := s.finalized[proposalId]; done || round.closed {
			continue
		}
		if _, hasVote := round.committed[lockId]; hasVote {
			roundIds = append(roundIds, proposalId)
		}
	}
	s.mu.RUnlock()
	for _, proposalId := range roundIds {
		if err := s.applySet(proposalId, lockId, nil, 0, ""); err != nil {
			s.logger.Error(
				"failed to drop contribution for queued lock",
				"component", "gauges",
				"proposal_id", proposalId,
				"lock_id", lockId,
				"error", err,
			)
			continue
		}
		s.logger.Info(
			"dropped tally contribution for queued lock",
			"component", "gauges",
			"proposal_id", proposalId,
			"lock_id", lockId,
		)
	}
}

// handleVoteConfirmed settles an optimistic apply: the delta is kept and
// the rollback snapshot discarded
func (s *Service) handleVoteConfirmed(evt event.Event) {
	confirmed, ok := evt.Data.(gateway.VoteConfirmedEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	pending, ok := s.pending[confirmed.VoteId]
	delete(s.pending, confirmed.VoteId)
	if ok && s.latestVote[pending.lockId] == confirmed.VoteId {
		delete(s.latestVote, pending.lockId)
	}
	s.mu.Unlock()
}

// handleVoteRejected rolls an optimistic apply back to the set it
// replaced. A newer apply supersedes the rollback (last-confirmed-wins)
func (s *Service) handleVoteRejected(evt event.Event) {
	rejected, ok := evt.Data.(gateway.VoteRejectedEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	pending, ok := s.pending[rejected.VoteId]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, rejected.VoteId)
	// A rejection only unwinds the newest apply; anything older was
	// already replaced and the newer optimistic state stands
	if s.latestVote[pending.lockId] != rejected.VoteId {
		s.mu.Unlock()
		return
	}
	delete(s.latestVote, pending.lockId)
	s.mu.Unlock()
	lockMu := s.perLockMutex(pending.lockId)
	lockMu.Lock()
	defer lockMu.Unlock()
	s.mu.Lock()
	proposalId := pending.proposalId
	round, roundKnown := s.rounds[proposalId]
	if !roundKnown {
		s.mu.Unlock()
		return
	}
	if _, done := s.finalized[proposalId]; done || round.closed {
		// The round froze with the optimistic set counted
		s.mu.Unlock()
		s.logger.Warn(
			"ignoring vote rejection for finalized round",
			"component", "gauges",
			"proposal_id", proposalId,
			"vote_id", rejected.VoteId,
		)
		return
	}
	current := round.committed[pending.lockId]
	changed := make(map[string]uint64)
	for gaugeId, contribution := range current.contributions {
		s.subPowerLocked(round, gaugeId, contribution)
		changed[gaugeId] = round.totals[gaugeId]
	}
	for gaugeId, contribution := range pending.prior.contributions {
		round.totals[gaugeId] += contribution
		changed[gaugeId] = round.totals[gaugeId]
	}
	if len(pending.prior.allocations) == 0 {
		delete(round.committed, pending.lockId)
	} else {
		round.committed[pending.lockId] = pending.prior
	}
	s.mu.Unlock()
	rows := make([]models.GaugeAllocation, 0, len(pending.prior.allocations))
	for _, alloc := range pending.prior.allocations {
		rows = append(rows, models.GaugeAllocation{
			ProposalID:        proposalId,
			LockID:            pending.lockId,
			GaugeID:           alloc.GaugeId,
			WeightBasisPoints: alloc.WeightBasisPoints,
		})
	}
	if err := s.config.Database.ReplaceAllocations(
		proposalId,
		pending.lockId,
		rows,
		changed,
	); err != nil {
		s.logger.Error(
			"failed to persist vote rollback",
			"component", "gauges",
			"lock_id", pending.lockId,
			"vote_id", rejected.VoteId,
			"error", err,
		)
	}
	s.logger.Warn(
		"rolled back rejected vote",
		"component", "gauges",
		"lock_id", pending.lockId,
		"vote_id", rejected.VoteId,
		"reason", rejected.Reason,
	)
}
