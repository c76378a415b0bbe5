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
	"sort"
	"time"

	"github.com/lagoonlabs-io/marmot/curve"
)

// Tally is one gauge's aggregate standing in a snapshot
type Tally struct {
	GaugeId          string
	TotalVotingPower uint64
	Rank             int
}

// scaleByBps computes power * weightBps / 10000 without overflow: the
// quotient and remainder of power are scaled separately, which yields the
// same floor result as the single wide multiplication
func scaleByBps(power, weightBps uint64) uint64 {
	quotient := power / curve.BasisPointsDivisor
	remainder := power % curve.BasisPointsDivisor
	return quotient*weightBps + remainder*weightBps/curve.BasisPointsDivisor
}

// subPowerLocked removes power from a gauge total, clamping at zero. A
// clamp is an internal invariant violation and is logged as a consistency
// fault. Caller holds s.mu
func (s *Service) subPowerLocked(
	round *roundState,
	gaugeId string,
	power uint64,
) {
	total := round.totals[gaugeId]
	if power > total {
		s.logger.Error(
			"consistency fault: tally would go negative, clamping to zero",
			"component", "gauges",
			"proposal_id", round.proposal.Id,
			"gauge_id", gaugeId,
			"total", total,
			"delta", power,
		)
		round.totals[gaugeId] = 0
		return
	}
	round.totals[gaugeId] = total - power
}

// ApplyDelta adds a signed power delta to a gauge's running total on the
// active proposal. A negative delta larger than the total clamps to zero
// and returns a ConsistencyFaultError
func (s *Service) ApplyDelta(gaugeId string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	round, ok := s.rounds[s.active]
	if !ok {
		return ErrUnknownProposal
	}
	if delta >= 0 {
		round.totals[gaugeId] += uint64(delta)
		return nil
	}
	magnitude := uint64(-delta)
	total := round.totals[gaugeId]
	if magnitude > total {
		s.subPowerLocked(round, gaugeId, magnitude)
		return &ConsistencyFaultError{
			GaugeId: gaugeId,
			Detail:  "negative delta exceeds running total",
		}
	}
	round.totals[gaugeId] = total - magnitude
	return nil
}

// Snapshot ranks the active proposal's gauges
func (s *Service) Snapshot() []Tally {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	tallies, err := s.ProposalSnapshot(active)
	if err != nil {
		return nil
	}
	return tallies
}

// ProposalSnapshot ranks one proposal's gauges by descending total voting
// power. Exactly equal totals order by ascending gauge id, keeping the
// ranking reproducible
func (s *Service) ProposalSnapshot(proposalId string) ([]Tally, error) {
	s.mu.RLock()
	round, ok := s.rounds[proposalId]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrUnknownProposal
	}
	result := make([]Tally, 0, len(round.totals))
	for gaugeId, total := range round.totals {
		result = append(result, Tally{
			GaugeId:          gaugeId,
			TotalVotingPower: total,
		})
	}
	s.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if result[i].TotalVotingPower != result[j].TotalVotingPower {
			return result[i].TotalVotingPower > result[j].TotalVotingPower
		}
		return result[i].GaugeId < result[j].GaugeId
	})
	for i := range result {
		result[i].Rank = i + 1
	}
	return result, nil
}

// Recompute re-evaluates every committed allocation against current lock
// power. Voting power grows over time, so contributions recorded at apply
// time go stale; this runs as a scheduler task to keep live tallies
// current. Finalized rounds are frozen and skipped
func (s *Service) Recompute() {
	at := s.now()
	s.mu.RLock()
	roundIds := make([]string, 0, len(s.rounds))
	for proposalId := range s.rounds {
		if _, done := s.finalized[proposalId]; done {
			continue
		}
		roundIds = append(roundIds, proposalId)
	}
	s.mu.RUnlock()
	for _, proposalId := range roundIds {
		s.recomputeRound(proposalId, at)
	}
}

func (s *Service) recomputeRound(proposalId string, at time.Time) {
	s.mu.RLock()
	round, ok := s.rounds[proposalId]
	if !ok {
		s.mu.RUnlock()
		return
	}
	lockIds := make([]uint64, 0, len(round.committed))
	for lockId := range round.committed {
		lockIds = append(lockIds, lockId)
	}
	s.mu.RUnlock()
	for _, lockId := range lockIds {
		power, err := s.config.Locks.VotingPower(lockId, at)
		if err != nil {
			continue
		}
		lockMu := s.perLockMutex(lockId)
		lockMu.Lock()
		s.mu.Lock()
		if round.closed {
			s.mu.Unlock()
			lockMu.Unlock()
			return
		}
		committed, ok := round.committed[lockId]
		if !ok {
			s.mu.Unlock()
			lockMu.Unlock()
			continue
		}
		changed := make(map[string]uint64)
		for _, alloc := range committed.allocations {
			fresh := scaleByBps(power, alloc.WeightBasisPoints)
			stale := committed.contributions[alloc.GaugeId]
			if fresh == stale {
				continue
			}
			s.subPowerLocked(round, alloc.GaugeId, stale)
			round.totals[alloc.GaugeId] += fresh
			committed.contributions[alloc.GaugeId] = fresh
			changed[alloc.GaugeId] = round.totals[alloc.GaugeId]
		}
		round.committed[lockId] = committed
		s.mu.Unlock()
		lockMu.Unlock()
		for gaugeId, total := range changed {
			if err := s.config.Database.SetTallyTotal(
				proposalId,
				gaugeId,
				total,
			); err != nil {
				s.logger.Warn(
					"failed to persist recomputed tally",
					"component", "gauges",
					"gauge_id", gaugeId,
					"error", err,
				)
			}
			s.metrics.tallyPower.WithLabelValues(proposalId, gaugeId).
				Set(float64(total))
		}
	}
}
