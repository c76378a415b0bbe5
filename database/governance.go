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

package database

import (
	"github.com/lagoonlabs-io/marmot/database/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReplaceAllocations swaps one lock's allocation set and writes the updated
// tally totals for the affected gauges in a single transaction, so the
// stored tallies can never observe an allocation change without its power
// basis
func (d *Database) ReplaceAllocations(
	proposalId string,
	lockId uint64,
	allocations []models.GaugeAllocation,
	tallyTotals map[string]uint64,
) error {
	return d.metadata.Transaction(func(tx *gorm.DB) error {
		result := tx.Where(
			"proposal_id = ? AND lock_id = ?",
			proposalId,
			lockId,
		).Delete(&models.GaugeAllocation{})
		if result.Error != nil {
			return result.Error
		}
		if len(allocations) > 0 {
			if err := tx.Create(&allocations).Error; err != nil {
				return err
			}
		}
		for gaugeId, total := range tallyTotals {
			tally := models.GaugeTally{
				ProposalID:       proposalId,
				GaugeID:          gaugeId,
				TotalVotingPower: total,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "proposal_id"},
					{Name: "gauge_id"},
				},
				DoUpdates: clause.AssignmentColumns(
					[]string{"total_voting_power"},
				),
			}).Create(&tally).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Allocations returns all allocation rows for a proposal
func (d *Database) Allocations(
	proposalId string,
) ([]models.GaugeAllocation, error) {
	var allocations []models.GaugeAllocation
	result := d.metadata.Where("proposal_id = ?", proposalId).
		Order("lock_id, gauge_id").
		Find(&allocations)
	return allocations, result.Error
}

// LockAllocations returns one lock's allocation rows for a proposal
func (d *Database) LockAllocations(
	proposalId string,
	lockId uint64,
) ([]models.GaugeAllocation, error) {
	var allocations []models.GaugeAllocation
	result := d.metadata.Where(
		"proposal_id = ? AND lock_id = ?",
		proposalId,
		lockId,
	).Order("gauge_id").Find(&allocations)
	return allocations, result.Error
}

// SetTallyTotal writes one gauge's running total outside an allocation swap
// (used when a lock leaves Active and its contribution is removed)
func (d *Database) SetTallyTotal(
	proposalId, gaugeId string,
	total uint64,
) error {
	tally := models.GaugeTally{
		ProposalID:       proposalId,
		GaugeID:          gaugeId,
		TotalVotingPower: total,
	}
	return d.metadata.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "proposal_id"},
			{Name: "gauge_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"total_voting_power"}),
	}).Create(&tally).Error
}

// TallyTotals returns the stored per-gauge totals for a proposal
func (d *Database) TallyTotals(proposalId string) (map[string]uint64, error) {
	var tallies []models.GaugeTally
	result := d.metadata.Where("proposal_id = ?", proposalId).Find(&tallies)
	if result.Error != nil {
		return nil, result.Error
	}
	totals := make(map[string]uint64, len(tallies))
	for _, tally := range tallies {
		totals[tally.GaugeID] = tally.TotalVotingPower
	}
	return totals, nil
}

// SetFinalization persists a finalization result. The unique index on
// proposal id makes double insertion an error rather than a silent
// overwrite
func (d *Database) SetFinalization(result models.FinalizationResult) error {
	return d.metadata.Create(&result).Error
}

// GetFinalization fetches the persisted finalization result for a proposal
func (d *Database) GetFinalization(
	proposalId string,
) (models.FinalizationResult, error) {
	var result models.FinalizationResult
	dbResult := d.metadata.First(&result, "proposal_id = ?", proposalId)
	if dbResult.Error != nil {
		return result, mapNotFound(dbResult.Error)
	}
	return result, nil
}
