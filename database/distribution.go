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
)

// AddDistribution inserts a new distribution attempt row
func (d *Database) AddDistribution(record models.DistributionRecord) error {
	return d.metadata.Create(&record).Error
}

// UpdateDistribution replaces an existing distribution row
func (d *Database) UpdateDistribution(
	record models.DistributionRecord,
) error {
	return d.metadata.Save(&record).Error
}

// GetDistribution fetches one distribution attempt by id
func (d *Database) GetDistribution(
	id string,
) (models.DistributionRecord, error) {
	var record models.DistributionRecord
	result := d.metadata.First(&record, "id = ?", id)
	if result.Error != nil {
		return record, mapNotFound(result.Error)
	}
	return record, nil
}

// LatestDistribution fetches the most recent attempt for a proposal
func (d *Database) LatestDistribution(
	proposalId string,
) (models.DistributionRecord, error) {
	var record models.DistributionRecord
	result := d.metadata.Where("proposal_id = ?", proposalId).
		Order("attempt DESC").
		First(&record)
	if result.Error != nil {
		return record, mapNotFound(result.Error)
	}
	return record, nil
}

// LiveDistribution fetches the non-Failed attempt for a proposal, if any
func (d *Database) LiveDistribution(
	proposalId string,
	failedStatus string,
) (models.DistributionRecord, error) {
	var record models.DistributionRecord
	result := d.metadata.Where(
		"proposal_id = ? AND status <> ?",
		proposalId,
		failedStatus,
	).First(&record)
	if result.Error != nil {
		return record, mapNotFound(result.Error)
	}
	return record, nil
}

// DistributionByRef fetches the attempt that submitted a given transfer
func (d *Database) DistributionByRef(
	transferRef string,
) (models.DistributionRecord, error) {
	var record models.DistributionRecord
	result := d.metadata.Where("transfer_ref = ?", transferRef).
		First(&record)
	if result.Error != nil {
		return record, mapNotFound(result.Error)
	}
	return record, nil
}

// Distributions returns every attempt for a proposal, oldest first
func (d *Database) Distributions(
	proposalId string,
) ([]models.DistributionRecord, error) {
	var records []models.DistributionRecord
	result := d.metadata.Where("proposal_id = ?", proposalId).
		Order("attempt").
		Find(&records)
	return records, result.Error
}
