package registry

import (
	"testing"
	"time"

	"github.com/cuemby/jobmesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertNewNode(t *testing.T) {
	r := New()
	n := types.NewNode("10.0.0.5", 51348, "node1", "tok", 4)

	got, wasNew, dead := r.Upsert(n)

	require.True(t, wasNew)
	assert.Empty(t, dead)
	assert.Equal(t, n, got)
	found, ok := r.Lookup("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, 4, found.TotalCPUs)
}

func TestUpsertPulseRefresh(t *testing.T) {
	r := New()
	n := types.NewNode("10.0.0.5", 51348, "node1", "tok", 4)
	r.Upsert(n)
	n.RunningJobUIDs[1] = struct{}{}
	n.BusyCount = 1

	refreshed := types.NewNode("10.0.0.5", 51348, "node1", "tok", 4)
	got, wasNew, dead := r.Upsert(refreshed)

	assert.False(t, wasNew)
	assert.Empty(t, dead)
	assert.Equal(t, 1, got.BusyCount, "pulse refresh must not disturb busy_count")
	assert.Contains(t, got.RunningJobUIDs, uint64(1))
}

func TestUpsertRestartProducesDeadJobs(t *testing.T) {
	r := New()
	n := types.NewNode("10.0.0.5", 51348, "node1", "tok-A", 4)
	r.Upsert(n)
	n.RunningJobUIDs[1] = struct{}{}
	n.RunningJobUIDs[2] = struct{}{}
	n.BusyCount = 2

	restarted := types.NewNode("10.0.0.5", 51348, "node1", "tok-B", 4)
	got, wasNew, dead := r.Upsert(restarted)

	assert.False(t, wasNew)
	assert.ElementsMatch(t, []uint64{1, 2}, dead)
	assert.Equal(t, 0, got.BusyCount)
	assert.Empty(t, got.RunningJobUIDs)
}

func TestMarkDead(t *testing.T) {
	r := New()
	n := types.NewNode("10.0.0.5", 51348, "node1", "tok", 4)
	r.Upsert(n)

	removed, ok := r.MarkDead("10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, n, removed)

	_, ok = r.Lookup("10.0.0.5")
	assert.False(t, ok)

	_, ok = r.MarkDead("10.0.0.5")
	assert.False(t, ok)
}

func TestStalePulses(t *testing.T) {
	r := New()
	n := types.NewNode("10.0.0.5", 51348, "node1", "tok", 4)
	n.BusyCount = 1
	r.Upsert(n)
	n.LastPulse = time.Now().Add(-time.Hour)

	idle := types.NewNode("10.0.0.6", 51348, "node2", "tok", 4)
	r.Upsert(idle)
	idle.LastPulse = time.Now().Add(-time.Hour)

	stale := r.StalePulses(time.Now(), 5*time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "10.0.0.5", stale[0].IPAddr)
}

func TestAssignReleaseBusyCount(t *testing.T) {
	r := New()
	n := types.NewNode("10.0.0.5", 51348, "node1", "tok", 2)
	r.Upsert(n)

	r.Assign(n, 1)
	r.Assign(n, 2)
	assert.Equal(t, 2, n.BusyCount)

	r.Release(n, 1, 3*time.Second)
	assert.Equal(t, 1, n.BusyCount)
	assert.Equal(t, 3*time.Second, n.CPUTimeAccum)
	assert.Equal(t, 1, n.JobsCompleted)
	assert.NotContains(t, n.RunningJobUIDs, uint64(1))
}

func TestSetCPUCapNegativeIsNoop(t *testing.T) {
	r := New()
	n := types.NewNode("10.0.0.5", 51348, "node1", "tok", 4)
	r.Upsert(n)

	r.SetCPUCap(n, -1)
	assert.Equal(t, 4, n.TotalCPUs)

	r.SetCPUCap(n, 8)
	assert.Equal(t, 8, n.TotalCPUs)
}
