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
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lagoonlabs-io/marmot/curve"
	"github.com/lagoonlabs-io/marmot/database"
	"github.com/lagoonlabs-io/marmot/database/models"
	"github.com/lagoonlabs-io/marmot/event"
)

// RankedGauge is one gauge's final standing
type RankedGauge struct {
	GaugeId          string `json:"gauge_id"`
	TotalVotingPower uint64 `json:"total_voting_power"`
	PercentBps       uint64 `json:"percent_bps"`
	Rank             int    `json:"rank"`
}

// FinalizationResult is the frozen outcome of one proposal. Immutable once
// created; repeated finalize calls return the persisted result unchanged
type FinalizationResult struct {
	FinalizedAt time.Time
	ProposalId  string
	Winner      RankedGauge
	Ranking     []RankedGauge
	MarginBps   uint64
}

// Finalize closes a proposal's voting window and freezes its ranking. The
// first successful call computes and persists the result; later calls
// return the persisted result without recomputing against a possibly
// mutated tally
func (s *Service) Finalize(proposalId string) (FinalizationResult, error) {
	finalizeMu := s.perProposalMutex(proposalId)
	finalizeMu.Lock()
	defer finalizeMu.Unlock()

	s.mu.RLock()
	cached, ok := s.finalized[proposalId]
	round, known := s.rounds[proposalId]
	var proposal Proposal
	if known {
		proposal = round.proposal
	}
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	// A result persisted before a restart wins over recomputation
	stored, err := s.config.Database.GetFinalization(proposalId)
	if err == nil {
		result, decodeErr := resultFromModel(stored)
		if decodeErr != nil {
			return FinalizationResult{}, decodeErr
		}
		s.mu.Lock()
		s.finalized[proposalId] = result
		s.mu.Unlock()
		return result, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return FinalizationResult{}, fmt.Errorf(
			"failed to load finalization result: %w",
			err,
		)
	}
	if !known {
		return FinalizationResult{}, ErrUnknownProposal
	}
	now := s.now()
	if now.Before(proposal.VotingWindowEnd) {
		return FinalizationResult{}, fmt.Errorf(
			"%w: %s remaining",
			ErrVotingWindowStillOpen,
			proposal.VotingWindowEnd.Sub(now),
		)
	}
	// Close the round before snapshotting so no apply can land between
	// the snapshot and the frozen result. Reopened if finalization does
	// not complete
	s.mu.Lock()
	round.closed = true
	s.mu.Unlock()
	reopen := func() {
		s.mu.Lock()
		round.closed = false
		s.mu.Unlock()
	}
	ranking, err := s.ProposalSnapshot(proposalId)
	if err != nil {
		reopen()
		return FinalizationResult{}, err
	}
	var sum uint64
	for _, tally := range ranking {
		sum += tally.TotalVotingPower
	}
	if sum == 0 {
		reopen()
		return FinalizationResult{}, ErrNoVotesCast
	}
	result := FinalizationResult{
		ProposalId:  proposalId,
		FinalizedAt: now,
		Ranking:     make([]RankedGauge, 0, len(ranking)),
	}
	for _, tally := range ranking {
		result.Ranking = append(result.Ranking, RankedGauge{
			GaugeId:          tally.GaugeId,
			TotalVotingPower: tally.TotalVotingPower,
			PercentBps:       percentBps(tally.TotalVotingPower, sum),
			Rank:             tally.Rank,
		})
	}
	result.Winner = result.Ranking[0]
	if len(result.Ranking) > 1 {
		result.MarginBps = result.Winner.PercentBps -
			result.Ranking[1].PercentBps
	} else {
		result.MarginBps = result.Winner.PercentBps
	}
	row, err := resultToModel(result)
	if err != nil {
		reopen()
		return FinalizationResult{}, err
	}
	if err := s.config.Database.SetFinalization(row); err != nil {
		reopen()
		return FinalizationResult{}, fmt.Errorf(
			"failed to persist finalization result: %w",
			err,
		)
	}
	s.mu.Lock()
	s.finalized[proposalId] = result
	s.mu.Unlock()
	if s.config.EventBus != nil {
		s.config.EventBus.Publish(
			FinalizedEventType,
			event.NewEvent(FinalizedEventType, FinalizedEvent{
				Result: result,
			}),
		)
	}
	s.logger.Info(
		"proposal finalized",
		"component", "gauges",
		"proposal_id", proposalId,
		"winner", result.Winner.GaugeId,
		"winner_votes", result.Winner.TotalVotingPower,
		"margin_bps", result.MarginBps,
	)
	return result, nil
}

// GetFinalization returns the frozen result for a proposal, or
// database.ErrNotFound while the proposal is still open
func (s *Service) GetFinalization(
	proposalId string,
) (FinalizationResult, error) {
	s.mu.RLock()
	cached, ok := s.finalized[proposalId]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	stored, err := s.config.Database.GetFinalization(proposalId)
	if err != nil {
		return FinalizationResult{}, err
	}
	return resultFromModel(stored)
}

// percentBps computes share * 10000 / total in wide arithmetic
func percentBps(share, total uint64) uint64 {
	result := new(big.Int).SetUint64(share)
	result.Mul(result, big.NewInt(curve.BasisPointsDivisor))
	result.Quo(result, new(big.Int).SetUint64(total))
	return result.Uint64()
}

func resultToModel(
	result FinalizationResult,
) (models.FinalizationResult, error) {
	ranking, err := json.Marshal(result.Ranking)
	if err != nil {
		return models.FinalizationResult{}, fmt.Errorf(
			"failed to encode ranking: %w",
			err,
		)
	}
	return models.FinalizationResult{
		ProposalID:       result.ProposalId,
		FinalizedAt:      result.FinalizedAt,
		WinnerGaugeID:    result.Winner.GaugeId,
		WinnerVotes:      result.Winner.TotalVotingPower,
		WinnerPercentBps: result.Winner.PercentBps,
		MarginBps:        result.MarginBps,
		Ranking:          ranking,
	}, nil
}

func resultFromModel(
	row models.FinalizationResult,
) (FinalizationResult, error) {
	var ranking []RankedGauge
	if err := json.Unmarshal(row.Ranking, &ranking); err != nil {
		return FinalizationResult{}, fmt.Errorf(
			"failed to decode ranking: %w",
			err,
		)
	}
	result := FinalizationResult{
		ProposalId:  row.ProposalID,
		FinalizedAt: row.FinalizedAt,
		Ranking:     ranking,
		MarginBps:   row.MarginBps,
	}
	for _, ranked := range ranking {
		if ranked.Rank == 1 {
			result.Winner = ranked
			break
		}
	}
	return result, nil
}
