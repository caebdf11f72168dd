package checkin

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetboot/ota-server/internal/claimstore"
	"github.com/fleetboot/ota-server/internal/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyRepo struct {
	*devices.MemoryRepository
	failures atomic.Int32
	calls    atomic.Int32
}

func (r *flakyRepo) UpdateConnection(ctx context.Context, id string, at time.Time, version string) error {
	r.calls.Add(1)
	if r.failures.Add(-1) >= 0 {
		return errors.New("temporary failure")
	}
	return r.MemoryRepository.UpdateConnection(ctx, id, at, version)
}

type blockingRepo struct {
	*devices.MemoryRepository
	release chan struct{}
}

func (r *blockingRepo) UpdateConnection(context.Context, string, time.Time, string) error {
	<-r.release
	return nil
}

func TestUpdaterAppliesJobs(t *testing.T) {
	ctx := context.Background()
	repo := devices.NewMemoryRepository()
	store := claimstore.NewMemoryStore()
	require.NoError(t, repo.Create(ctx, &devices.Device{ID: "aa:bb:cc:dd:ee:ff", UserID: "u", AgentID: "agent", AppVersion: "1.0.0"}))

	u := NewUpdater(repo, store, UpdaterConfig{Workers: 2})
	u.Start()

	at := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	assert.True(t, u.Enqueue(UpdateJob{DeviceID: "aa:bb:cc:dd:ee:ff", AgentID: "agent", ConnectedAt: at, AppVersion: "1.1.0"}))
	u.Stop()

	d, err := repo.GetByID(ctx, "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", d.AppVersion)
	assert.Equal(t, at, d.LastConnectedAt)

	cached, err := store.Get(ctx, claimstore.AgentLastConnectedKey("agent"))
	require.NoError(t, err)
	assert.Equal(t, "2025-05-01T08:00:00Z", cached)
}

func TestUpdaterRetries(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{MemoryRepository: devices.NewMemoryRepository()}
	repo.failures.Store(1)
	require.NoError(t, repo.Create(ctx, &devices.Device{ID: "aa:bb:cc:dd:ee:ff", UserID: "u"}))

	u := NewUpdater(repo, claimstore.NewMemoryStore(), UpdaterConfig{Workers: 1, Retries: 2})
	u.Start()
	u.Enqueue(UpdateJob{DeviceID: "aa:bb:cc:dd:ee:ff", ConnectedAt: time.Now(), AppVersion: "2.0.0"})
	u.Stop()

	assert.Equal(t, int32(2), repo.calls.Load())
	d, err := repo.GetByID(ctx, "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", d.AppVersion)
}

func TestUpdaterDoesNotRetryMissingDevice(t *testing.T) {
	repo := &flakyRepo{MemoryRepository: devices.NewMemoryRepository()}
	u := NewUpdater(repo, claimstore.NewMemoryStore(), UpdaterConfig{Workers: 1, Retries: 3})
	u.Start()
	u.Enqueue(UpdateJob{DeviceID: "00:00:00:00:00:00", ConnectedAt: time.Now()})
	u.Stop()

	assert.Equal(t, int32(1), repo.calls.Load())
}

func TestUpdaterDropsWhenFull(t *testing.T) {
	repo := &blockingRepo{MemoryRepository: devices.NewMemoryRepository(), release: make(chan struct{})}
	u := NewUpdater(repo, claimstore.NewMemoryStore(), UpdaterConfig{Workers: 1, QueueSize: 1})
	u.Start()

	// The first job occupies the worker, the second fills the queue.
	require.True(t, u.Enqueue(UpdateJob{DeviceID: "1"}))
	require.Eventually(t, func() bool { return len(u.jobs) == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, u.Enqueue(UpdateJob{DeviceID: "2"}))

	done := make(chan bool)
	go func() { done <- u.Enqueue(UpdateJob{DeviceID: "3"}) }()
	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	close(repo.release)
	u.Stop()
}

func TestUpdaterRejectsAfterStop(t *testing.T) {
	u := NewUpdater(devices.NewMemoryRepository(), claimstore.NewMemoryStore(), UpdaterConfig{})
	u.Start()
	u.Stop()
	u.Stop()

	assert.False(t, u.Enqueue(UpdateJob{DeviceID: "aa:bb:cc:dd:ee:ff"}))
}
