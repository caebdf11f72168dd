package devices

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetboot/ota-server/internal/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "00:00:00:00:00:01")
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("create and get", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, repo.Create(ctx, &Device{
			ID:              "00:00:00:00:00:02",
			UserID:          "user-1",
			AgentID:         "agent-1",
			MacAddress:      "00-00-00-00-00-02",
			Board:           "esp32",
			AppVersion:      "1.0.0",
			AutoUpdate:      true,
			LastConnectedAt: now,
		}))

		d, err := repo.GetByID(ctx, "00:00:00:00:00:02")
		require.NoError(t, err)
		assert.Equal(t, "user-1", d.UserID)
		assert.Equal(t, "agent-1", d.AgentID)
		assert.Equal(t, "00-00-00-00-00-02", d.MacAddress)
		assert.True(t, d.AutoUpdate)
		assert.WithinDuration(t, now, d.LastConnectedAt, time.Millisecond)
		assert.False(t, d.CreatedAt.IsZero())
	})

	t.Run("duplicate create", func(t *testing.T) {
		err := repo.Create(ctx, &Device{ID: "00:00:00:00:00:02", UserID: "user-2"})
		assert.ErrorIs(t, err, ErrDeviceExists)

		d, err := repo.GetByID(ctx, "00:00:00:00:00:02")
		require.NoError(t, err)
		assert.Equal(t, "user-1", d.UserID)
	})

	t.Run("concurrent create inserts once", func(t *testing.T) {
		var created atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := repo.Create(ctx, &Device{ID: "00:00:00:00:00:03", UserID: "user-1"}); err == nil {
					created.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), created.Load())
	})

	t.Run("update connection", func(t *testing.T) {
		at := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
		require.NoError(t, repo.UpdateConnection(ctx, "00:00:00:00:00:02", at, "1.1.0"))

		d, err := repo.GetByID(ctx, "00:00:00:00:00:02")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", d.AppVersion)
		assert.WithinDuration(t, at, d.LastConnectedAt, time.Millisecond)

		require.NoError(t, repo.UpdateConnection(ctx, "00:00:00:00:00:02", at, ""))
		d, err = repo.GetByID(ctx, "00:00:00:00:00:02")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", d.AppVersion)

		assert.ErrorIs(t, repo.UpdateConnection(ctx, "00:00:00:00:00:99", at, ""), ErrDeviceNotFound)
	})

	t.Run("count by agent", func(t *testing.T) {
		count, err := repo.CountByAgent(ctx, "agent-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		count, err = repo.CountByAgent(ctx, "agent-none")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("delete requires owner", func(t *testing.T) {
		_, err := repo.Delete(ctx, "user-2", "00:00:00:00:00:02")
		assert.ErrorIs(t, err, ErrDeviceNotFound)

		d, err := repo.Delete(ctx, "user-1", "00:00:00:00:00:02")
		require.NoError(t, err)
		assert.Equal(t, "agent-1", d.AgentID)

		_, err = repo.GetByID(ctx, "00:00:00:00:00:02")
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, NewMemoryRepository())
}

func TestPostgresRepository(t *testing.T) {
	runRepositoryContract(t, NewPostgresRepository(dbtest.NewPool(t)))
}
