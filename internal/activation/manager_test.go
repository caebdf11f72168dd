package activation

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/fleetboot/ota-server/internal/claimstore"
	"github.com/fleetboot/ota-server/internal/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "AA:BB:CC:DD:EE:FF"

var sixDigits = regexp.MustCompile(`^[0-9]{6}$`)

type failingCreateRepo struct {
	*devices.MemoryRepository
}

func (failingCreateRepo) Create(context.Context, *devices.Device) error {
	return errors.New("database unavailable")
}

func newTestManager(t *testing.T) (*Manager, *claimstore.MemoryStore, *devices.MemoryRepository) {
	t.Helper()
	store := claimstore.NewMemoryStore()
	repo := devices.NewMemoryRepository()
	return NewManager(store, repo, Config{}), store, repo
}

func sequenceCodes(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i%len(codes)]
		i++
		return code, nil
	}
}

func TestIssueOrReuse(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	code, err := m.IssueOrReuse(ctx, testDevice, Profile{Board: "esp32", AppVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Regexp(t, sixDigits, code)

	again, err := m.IssueOrReuse(ctx, testDevice, Profile{Board: "esp32", AppVersion: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, code, again)

	id, err := store.Get(ctx, claimstore.ActivationCodeKey(code))
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", id)

	raw, err := store.Get(ctx, claimstore.ActivationInfoKey("aa:bb:cc:dd:ee:ff"))
	require.NoError(t, err)
	var claim Claim
	require.NoError(t, json.Unmarshal([]byte(raw), &claim))
	assert.Equal(t, code, claim.Code)
	assert.Equal(t, testDevice, claim.HardwareID)
	assert.Equal(t, "esp32", claim.Board)
	assert.Equal(t, "1.0.0", claim.AppVersion)
}

func TestIssueOrReuseBoardFallback(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	_, err := m.IssueOrReuse(ctx, "11:22:33:44:55:66", Profile{ChipModel: "esp32s3"})
	require.NoError(t, err)
	_, err = m.IssueOrReuse(ctx, "11:22:33:44:55:77", Profile{})
	require.NoError(t, err)

	var claim Claim
	raw, _ := store.Get(ctx, claimstore.ActivationInfoKey("11:22:33:44:55:66"))
	require.NoError(t, json.Unmarshal([]byte(raw), &claim))
	assert.Equal(t, "esp32s3", claim.Board)

	raw, _ = store.Get(ctx, claimstore.ActivationInfoKey("11:22:33:44:55:77"))
	require.NoError(t, json.Unmarshal([]byte(raw), &claim))
	assert.Equal(t, "unknown", claim.Board)
}

func TestIssueOrReuseCodeCollision(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	m.newCode = sequenceCodes("111111", "111111", "222222")

	first, err := m.IssueOrReuse(ctx, "00:00:00:00:00:01", Profile{})
	require.NoError(t, err)
	second, err := m.IssueOrReuse(ctx, "00:00:00:00:00:02", Profile{})
	require.NoError(t, err)

	assert.Equal(t, "111111", first)
	assert.Equal(t, "222222", second)
}

func TestIssueOrReuseCodeSpaceExhausted(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	m.newCode = sequenceCodes("111111")

	_, err := m.IssueOrReuse(ctx, "00:00:00:00:00:01", Profile{})
	require.NoError(t, err)

	_, err = m.IssueOrReuse(ctx, "00:00:00:00:00:02", Profile{})
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestIssueOrReuseConcurrent(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	const workers = 16
	codes := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, err := m.IssueOrReuse(ctx, testDevice, Profile{Board: "esp32"})
			assert.NoError(t, err)
			codes[i] = code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, codes[0], code)
	}

	// Losing racers must not leave reverse-index entries behind.
	id, err := store.Get(ctx, claimstore.ActivationCodeKey(codes[0]))
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", id)
}

func TestIssueOrReuseReplacesCorruptClaim(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)
	require.NoError(t, store.Set(ctx, claimstore.ActivationInfoKey("aa:bb:cc:dd:ee:ff"), "{not json", time.Hour))

	code, err := m.IssueOrReuse(ctx, testDevice, Profile{})
	require.NoError(t, err)
	assert.Regexp(t, sixDigits, code)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	m, store, repo := newTestManager(t)
	require.NoError(t, store.Set(ctx, claimstore.AgentDeviceCountKey("agent-1"), "7", time.Hour))

	code, err := m.IssueOrReuse(ctx, testDevice, Profile{Board: "esp32", AppVersion: "1.0.0"})
	require.NoError(t, err)

	device, err := m.Resolve(ctx, code, "user-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", device.ID)
	assert.Equal(t, testDevice, device.MacAddress)
	assert.True(t, device.AutoUpdate)

	stored, err := repo.GetByID(ctx, "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.Equal(t, "user-1", stored.UserID)
	assert.Equal(t, "agent-1", stored.AgentID)
	assert.Equal(t, "esp32", stored.Board)
	assert.Equal(t, "1.0.0", stored.AppVersion)
	assert.False(t, stored.LastConnectedAt.IsZero())

	_, err = store.Get(ctx, claimstore.ActivationInfoKey("aa:bb:cc:dd:ee:ff"))
	assert.ErrorIs(t, err, claimstore.ErrNotFound)
	_, err = store.Get(ctx, claimstore.ActivationCodeKey(code))
	assert.ErrorIs(t, err, claimstore.ErrNotFound)
	_, err = store.Get(ctx, claimstore.AgentDeviceCountKey("agent-1"))
	assert.ErrorIs(t, err, claimstore.ErrNotFound)

	_, err = m.Resolve(ctx, code, "user-2", "agent-2")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty code", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.Resolve(ctx, "  ", "user", "agent")
		assert.ErrorIs(t, err, ErrCodeEmpty)
	})

	t.Run("unknown code", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.Resolve(ctx, "000000", "user", "agent")
		assert.ErrorIs(t, err, ErrCodeNotFound)
	})

	t.Run("index without claim", func(t *testing.T) {
		m, store, _ := newTestManager(t)
		require.NoError(t, store.Set(ctx, claimstore.ActivationCodeKey("123456"), "aa:bb:cc:dd:ee:ff", time.Hour))
		_, err := m.Resolve(ctx, "123456", "user", "agent")
		assert.ErrorIs(t, err, ErrCodeNotFound)
	})

	t.Run("stale index", func(t *testing.T) {
		m, store, _ := newTestManager(t)
		code, err := m.IssueOrReuse(ctx, testDevice, Profile{})
		require.NoError(t, err)
		stale := "999999"
		if code == stale {
			stale = "888888"
		}
		require.NoError(t, store.Set(ctx, claimstore.ActivationCodeKey(stale), "aa:bb:cc:dd:ee:ff", time.Hour))

		_, err = m.Resolve(ctx, stale, "user", "agent")
		assert.ErrorIs(t, err, ErrCodeNotFound)

		_, err = store.Get(ctx, claimstore.ActivationInfoKey("aa:bb:cc:dd:ee:ff"))
		assert.NoError(t, err, "live claim must survive a stale lookup")
	})

	t.Run("already activated", func(t *testing.T) {
		m, _, repo := newTestManager(t)
		code, err := m.IssueOrReuse(ctx, testDevice, Profile{})
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, &devices.Device{ID: "aa:bb:cc:dd:ee:ff", UserID: "other"}))

		_, err = m.Resolve(ctx, code, "user", "agent")
		assert.ErrorIs(t, err, ErrAlreadyActivated)
	})
}

func TestResolveConcurrent(t *testing.T) {
	ctx := context.Background()
	m, _, repo := newTestManager(t)

	code, err := m.IssueOrReuse(ctx, testDevice, Profile{Board: "esp32"})
	require.NoError(t, err)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Resolve(ctx, code, "user", "agent")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrCodeNotFound) || errors.Is(err, ErrAlreadyActivated), err)
	}
	assert.Equal(t, 1, succeeded)

	count, err := repo.CountByAgent(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestResolveRestoresClaimOnInsertFailure(t *testing.T) {
	ctx := context.Background()
	store := claimstore.NewMemoryStore()
	m := NewManager(store, failingCreateRepo{devices.NewMemoryRepository()}, Config{})

	code, err := m.IssueOrReuse(ctx, testDevice, Profile{})
	require.NoError(t, err)

	_, err = m.Resolve(ctx, code, "user", "agent")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCodeNotFound)

	id, err := store.Get(ctx, claimstore.ActivationCodeKey(code))
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", id)

	reused, err := m.IssueOrReuse(ctx, testDevice, Profile{})
	require.NoError(t, err)
	assert.Equal(t, code, reused)
}

func TestUnbind(t *testing.T) {
	ctx := context.Background()
	m, store, repo := newTestManager(t)
	require.NoError(t, repo.Create(ctx, &devices.Device{ID: "aa:bb:cc:dd:ee:ff", UserID: "user", AgentID: "agent"}))
	require.NoError(t, store.Set(ctx, claimstore.AgentDeviceCountKey("agent"), "1", time.Hour))
	require.NoError(t, store.Set(ctx, claimstore.AgentLastConnectedKey("agent"), "2025-01-01T00:00:00Z", time.Hour))

	assert.ErrorIs(t, m.Unbind(ctx, "intruder", testDevice), devices.ErrDeviceNotFound)

	require.NoError(t, m.Unbind(ctx, "user", "AA-BB-CC-DD-EE-FF"))

	_, err := repo.GetByID(ctx, "aa:bb:cc:dd:ee:ff")
	assert.ErrorIs(t, err, devices.ErrDeviceNotFound)
	_, err = store.Get(ctx, claimstore.AgentDeviceCountKey("agent"))
	assert.ErrorIs(t, err, claimstore.ErrNotFound)
	_, err = store.Get(ctx, claimstore.AgentLastConnectedKey("agent"))
	assert.ErrorIs(t, err, claimstore.ErrNotFound)
}

func TestDeviceCount(t *testing.T) {
	ctx := context.Background()
	m, store, repo := newTestManager(t)
	require.NoError(t, repo.Create(ctx, &devices.Device{ID: "00:00:00:00:00:01", UserID: "u", AgentID: "agent"}))

	count, err := m.DeviceCount(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	cached, err := store.Get(ctx, claimstore.AgentDeviceCountKey("agent"))
	require.NoError(t, err)
	assert.Equal(t, "1", cached)

	require.NoError(t, repo.Create(ctx, &devices.Device{ID: "00:00:00:00:00:02", UserID: "u", AgentID: "agent"}))
	count, err = m.DeviceCount(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "served from cache")

	code, err := m.IssueOrReuse(ctx, "00:00:00:00:00:03", Profile{})
	require.NoError(t, err)
	_, err = m.Resolve(ctx, code, "u", "agent")
	require.NoError(t, err)

	count, err = m.DeviceCount(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRandomCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := randomCode()
		require.NoError(t, err)
		assert.Regexp(t, sixDigits, code)
	}
}
