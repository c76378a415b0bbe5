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
	"testing"
	"time"

	"github.com/lagoonlabs-io/marmot/curve"
	"github.com/lagoonlabs-io/marmot/distribution"
	"github.com/lagoonlabs-io/marmot/gauges"
	"github.com/lagoonlabs-io/marmot/gateway"
	"github.com/lagoonlabs-io/marmot/lockledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestNode builds a node with compressed timings so lock warmup and
// voting windows elapse within the test run
func startTestNode(t *testing.T, votingWindow time.Duration) *Node {
	t.Helper()
	n, err := New(NewConfig(
		WithCurveParams(curve.Params{
			WarmupDuration: 50 * time.Millisecond,
			MaxTime:        time.Hour,
		}),
		WithCooldownDuration(50*time.Millisecond),
		WithSchedulerInterval(20*time.Millisecond),
		WithTallyCacheTTL(10*time.Millisecond),
		WithProposals(gauges.Proposal{
			Id:              "p1",
			GaugeIds:        []string{"gauge-a", "gauge-b"},
			VotingWindowEnd: time.Now().Add(votingWindow),
		}),
		WithFundAmount(10_000),
	))
	require.NoError(t, err)
	go func() {
		if err := n.Run(); err != nil {
			t.Errorf("node run failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		if err := n.Stop(); err != nil {
			t.Errorf("node stop failed: %v", err)
		}
	})
	return n
}

func fundOwner(n *Node, owner string, amount uint64) {
	n.simulatedGw.SetBalance(owner, amount)
}

// ownerSummary fetches one lock's summary out of an owner's list
func ownerSummary(n *Node, owner string, lockId uint64) (LockSummary, bool) {
	summaries, err := n.GetLockSummary(owner)
	if err != nil {
		return LockSummary{}, false
	}
	for _, summary := range summaries {
		if summary.Lock.Id == lockId {
			return summary, true
		}
	}
	return LockSummary{}, false
}

func TestNodeLockLifecycle(t *testing.T) {
	n := startTestNode(t, time.Hour)
	fundOwner(n, "alice", 500)
	lockId, err := n.CreateLock(context.Background(), "alice", 500)
	require.NoError(t, err)

	summaries, err := n.GetLockSummary("alice")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	summary := summaries[0]
	assert.Equal(t, lockId, summary.Lock.Id)
	assert.Equal(t, lockledger.StatusWarmingUp, summary.Lock.Status)
	assert.Zero(t, summary.VotingPower)
	assert.Equal(t, uint64(1000), summary.ProjectedPower)

	// Background refresh activates the lock once warmup elapses
	require.Eventually(t, func() bool {
		summary, ok := ownerSummary(n, "alice", lockId)
		return ok && summary.Lock.Status == lockledger.StatusActive
	}, 5*time.Second, 10*time.Millisecond)

	summary, ok := ownerSummary(n, "alice", lockId)
	require.True(t, ok)
	assert.GreaterOrEqual(t, summary.VotingPower, uint64(500))

	// Exit queue and withdrawal
	require.NoError(t, n.EnterExitQueue(lockId))
	require.Eventually(t, func() bool {
		return n.Withdraw(lockId) == nil
	}, 5*time.Second, 10*time.Millisecond)
	summary, ok = ownerSummary(n, "alice", lockId)
	require.True(t, ok)
	assert.Equal(t, lockledger.StatusWithdrawn, summary.Lock.Status)
}

func TestNodeVoteToDistribution(t *testing.T) {
	n := startTestNode(t, 2*time.Second)
	fundOwner(n, "alice", 600)
	lockId, err := n.CreateLock(context.Background(), "alice", 600)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		summary, ok := ownerSummary(n, "alice", lockId)
		return ok && summary.Lock.Status == lockledger.StatusActive
	}, 5*time.Second, 10*time.Millisecond)

	_, err = n.ApplyVote(lockId, []gauges.Allocation{
		{GaugeId: "gauge-a", WeightBasisPoints: 7000},
		{GaugeId: "gauge-b", WeightBasisPoints: 3000},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tallies, err := n.GetLiveTally("p1")
		if err != nil || len(tallies) != 2 {
			return false
		}
		return tallies[0].GaugeId == "gauge-a" &&
			tallies[0].TotalVotingPower > 0
	}, 5*time.Second, 20*time.Millisecond)

	_, err = n.GetLiveTally("p999")
	require.ErrorIs(t, err, gauges.ErrUnknownProposal)

	// Finalize once the voting window has passed
	var result gauges.FinalizationResult
	require.Eventually(t, func() bool {
		var err error
		result, err = n.RequestFinalize("p1")
		return err == nil
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, "gauge-a", result.Winner.GaugeId)

	fetched, err := n.GetFinalizationResult("p1")
	require.NoError(t, err)
	assert.Equal(t, result.Winner, fetched.Winner)

	// Distribute the pot to the winner
	record, err := n.StartDistribution(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "gauge-a", record.WinnerGauge)
	require.Eventually(t, func() bool {
		status, err := n.GetDistributionStatus("p1")
		return err == nil && status.Status == distribution.StatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	trail, err := n.DistributionAuditTrail("p1")
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, distribution.StatusConfirmed, trail[len(trail)-1].Status)
}

func TestNodeRejectsVoteBeforeWarmup(t *testing.T) {
	n := startTestNode(t, time.Hour)
	fundOwner(n, "bob", 100)
	lockId, err := n.CreateLock(context.Background(), "bob", 100)
	require.NoError(t, err)
	_, err = n.ApplyVote(lockId, []gauges.Allocation{
		{GaugeId: "gauge-a", WeightBasisPoints: 10000},
	})
	assert.ErrorIs(t, err, lockledger.ErrLockNotActive)
}

func TestNodeCustomGateway(t *testing.T) {
	gw := gateway.NewSimulatedGateway(gateway.SimulatedGatewayConfig{})
	n, err := New(NewConfig(
		WithLedgerGateway(gw),
	))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, n.Stop())
	}()
	gw.SetBalance("carol", 50)
	_, err = n.CreateLock(context.Background(), "carol", 10)
	require.NoError(t, err)
	_, err = n.CreateLock(context.Background(), "carol", 100)
	var balanceErr *lockledger.InsufficientBalanceError
	assert.ErrorAs(t, err, &balanceErr)
}
