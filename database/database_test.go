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
	"testing"
	"time"

	"github.com/lagoonlabs-io/marmot/database/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := New(&Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close database: %v", err)
		}
	})
	return db
}

func TestLockRoundTrip(t *testing.T) {
	db := newTestDatabase(t)
	now := time.Now().UTC().Truncate(time.Second)
	lock := models.Lock{
		ID:           1,
		Owner:        "alice",
		Amount:       1000,
		Status:       "warming_up",
		CreatedAt:    now,
		WarmupEndsAt: now.Add(72 * time.Hour),
	}
	require.NoError(t, db.SetLock(lock))
	fetched, err := db.GetLock(1)
	require.NoError(t, err)
	assert.Equal(t, lock.Owner, fetched.Owner)
	assert.Equal(t, lock.Amount, fetched.Amount)
	assert.Equal(t, lock.Status, fetched.Status)

	_, err = db.GetLock(42)
	assert.ErrorIs(t, err, ErrNotFound)

	nextId, err := db.NextLockId()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), nextId)

	byOwner, err := db.LocksByOwner("alice")
	require.NoError(t, err)
	assert.Len(t, byOwner, 1)
}

func TestReplaceAllocationsAtomic(t *testing.T) {
	db := newTestDatabase(t)
	allocs := []models.GaugeAllocation{
		{ProposalID: "p1", LockID: 1, GaugeID: "gauge-a", WeightBasisPoints: 7000},
		{ProposalID: "p1", LockID: 1, GaugeID: "gauge-b", WeightBasisPoints: 3000},
	}
	require.NoError(t, db.ReplaceAllocations("p1", 1, allocs, map[string]uint64{
		"gauge-a": 420,
		"gauge-b": 180,
	}))

	totals, err := db.TallyTotals("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(420), totals["gauge-a"])
	assert.Equal(t, uint64(180), totals["gauge-b"])

	// Replacing drops the prior rows
	replacement := []models.GaugeAllocation{
		{ProposalID: "p1", LockID: 1, GaugeID: "gauge-b", WeightBasisPoints: 10000},
	}
	require.NoError(t, db.ReplaceAllocations("p1", 1, replacement, map[string]uint64{
		"gauge-a": 0,
		"gauge-b": 600,
	}))
	rows, err := db.LockAllocations("p1", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "gauge-b", rows[0].GaugeID)
	totals, err = db.TallyTotals("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), totals["gauge-a"])
	assert.Equal(t, uint64(600), totals["gauge-b"])
}

func TestFinalizationUniquePerProposal(t *testing.T) {
	db := newTestDatabase(t)
	result := models.FinalizationResult{
		ProposalID:       "p1",
		FinalizedAt:      time.Now().UTC(),
		WinnerGaugeID:    "gauge-a",
		WinnerVotes:      420,
		WinnerPercentBps: 7000,
		MarginBps:        4000,
	}
	require.NoError(t, db.SetFinalization(result))
	fetched, err := db.GetFinalization("p1")
	require.NoError(t, err)
	assert.Equal(t, "gauge-a", fetched.WinnerGaugeID)

	// Second insert for the same proposal violates the unique index
	assert.Error(t, db.SetFinalization(result))

	_, err = db.GetFinalization("p2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDistributionQueries(t *testing.T) {
	db := newTestDatabase(t)
	first := models.DistributionRecord{
		ID:         "dist-p1-1",
		ProposalID: "p1",
		Attempt:    1,
		Amount:     500,
		Status:     "failed",
		LastError:  "simulated failure",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, db.AddDistribution(first))
	second := models.DistributionRecord{
		ID:         "dist-p1-2",
		ProposalID: "p1",
		Attempt:    2,
		Amount:     500,
		Status:     "processing",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, db.AddDistribution(second))

	live, err := db.LiveDistribution("p1", "failed")
	require.NoError(t, err)
	assert.Equal(t, "dist-p1-2", live.ID)

	latest, err := db.LatestDistribution("p1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Attempt)

	all, err := db.Distributions("p1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	second.Status = "confirmed"
	second.TransferRef = "tx-abc"
	require.NoError(t, db.UpdateDistribution(second))
	fetched, err := db.GetDistribution("dist-p1-2")
	require.NoError(t, err)
	assert.Equal(t, "confirmed", fetched.Status)
	assert.Equal(t, "tx-abc", fetched.TransferRef)

	_, err = db.LiveDistribution("p2", "failed")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuditTrailOrdering(t *testing.T) {
	db := newTestDatabase(t)
	for _, payload := range []string{"first", "second", "third"} {
		require.NoError(t, db.AppendAudit("dist/p1", []byte(payload)))
	}
	entries, err := db.AuditTrail("dist/p1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", string(entries[0]))
	assert.Equal(t, "third", string(entries[2]))

	other, err := db.AuditTrail("dist/p2")
	require.NoError(t, err)
	assert.Empty(t, other)
}
