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

package models

import "time"

type Lock struct {
	ID             uint64 `gorm:"primarykey"`
	Owner          string `gorm:"index"`
	Amount         uint64
	Status         string `gorm:"index"`
	CreatedAt      time.Time
	WarmupEndsAt   time.Time
	QueuedAt       time.Time
	CooldownEndsAt time.Time
}

func (Lock) TableName() string {
	return "lock"
}

type GaugeAllocation struct {
	ID                uint   `gorm:"primarykey"`
	ProposalID        string `gorm:"index:idx_allocation_proposal_lock"`
	LockID            uint64 `gorm:"index:idx_allocation_proposal_lock"`
	GaugeID           string `gorm:"index"`
	WeightBasisPoints uint64
}

func (GaugeAllocation) TableName() string {
	return "gauge_allocation"
}

type GaugeTally struct {
	ID               uint   `gorm:"primarykey"`
	ProposalID       string `gorm:"uniqueIndex:idx_tally_proposal_gauge"`
	GaugeID          string `gorm:"uniqueIndex:idx_tally_proposal_gauge"`
	TotalVotingPower uint64
}

func (GaugeTally) TableName() string {
	return "gauge_tally"
}

type FinalizationResult struct {
	ID               uint   `gorm:"primarykey"`
	ProposalID       string `gorm:"uniqueIndex"`
	FinalizedAt      time.Time
	WinnerGaugeID    string
	WinnerVotes      uint64
	WinnerPercentBps uint64
	MarginBps        uint64
	// Ranking is the full ordered result serialized as JSON
	Ranking []byte
}

func (FinalizationResult) TableName() string {
	return "finalization_result"
}

type DistributionRecord struct {
	ID          string `gorm:"primarykey"`
	ProposalID  string `gorm:"index"`
	Attempt     int
	WinnerGauge string
	Amount      uint64
	Status      string `gorm:"index"`
	TransferRef string
	Fee         uint64
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (DistributionRecord) TableName() string {
	return "distribution_record"
}

// MigrateModels is the full model list for schema migration
func MigrateModels() []any {
	return []any{
		&Lock{},
		&GaugeAllocation{},
		&GaugeTally{},
		&FinalizationResult{},
		&DistributionRecord{},
	}
}
