package checkin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetboot/ota-server/internal/claimstore"
	"github.com/fleetboot/ota-server/internal/devices"
)

const (
	defaultUpdateWorkers = 4
	defaultUpdateQueue   = 1024
	defaultUpdateRetries = 2
	updateTimeout        = 5 * time.Second
	retryBackoff         = 200 * time.Millisecond
	lastConnectedTTL     = 24 * time.Hour
)

// UpdateJob records that a bound device checked in.
type UpdateJob struct {
	DeviceID    string
	AgentID     string
	ConnectedAt time.Time
	AppVersion  string
}

type UpdaterConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
	Retries   int `mapstructure:"retries"`
}

// Updater applies connection updates off the request path on a fixed pool of
// workers.
type Updater struct {
	repo    devices.Repository
	store   claimstore.Store
	jobs    chan UpdateJob
	workers int
	retries int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewUpdater(repo devices.Repository, store claimstore.Store, cfg UpdaterConfig) *Updater {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultUpdateWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultUpdateQueue
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = defaultUpdateRetries
	}
	return &Updater{
		repo:    repo,
		store:   store,
		jobs:    make(chan UpdateJob, cfg.QueueSize),
		workers: cfg.Workers,
		retries: cfg.Retries,
	}
}

func (u *Updater) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.run()
	}
	slog.Info("Connection updater started", "workers", u.workers, "queue_size", cap(u.jobs))
}

// Enqueue hands a job to the pool without blocking. It reports false when
// the job was dropped because the queue is full or the updater is stopped.
func (u *Updater) Enqueue(job UpdateJob) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.closed {
		slog.Warn("Connection updater stopped, dropping update", "device_id", job.DeviceID)
		return false
	}

	select {
	case u.jobs <- job:
		return true
	default:
		slog.Warn("Connection update queue full, dropping update", "device_id", job.DeviceID)
		return false
	}
}

// Stop drains queued jobs and waits for the workers to exit.
func (u *Updater) Stop() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	close(u.jobs)
	u.mu.Unlock()

	u.wg.Wait()
	slog.Info("Connection updater stopped")
}

func (u *Updater) run() {
	defer u.wg.Done()
	for job := range u.jobs {
		u.apply(job)
	}
}

func (u *Updater) apply(job UpdateJob) {
	var err error
	for attempt := 0; attempt <= u.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff * time.Duration(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
		err = u.repo.UpdateConnection(ctx, job.DeviceID, job.ConnectedAt, job.AppVersion)
		cancel()

		if err == nil || errors.Is(err, devices.ErrDeviceNotFound) {
			break
		}
		slog.Debug("Connection update failed, retrying", "device_id", job.DeviceID, "attempt", attempt+1, "error", err)
	}
	if err != nil {
		slog.Error("Failed to update device connection", "device_id", job.DeviceID, "error", err)
		return
	}

	if job.AgentID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()
	key := claimstore.AgentLastConnectedKey(job.AgentID)
	if err := u.store.Set(ctx, key, job.ConnectedAt.UTC().Format(time.RFC3339), lastConnectedTTL); err != nil {
		slog.Warn("Failed to cache agent last connection", "agent_id", job.AgentID, "error", err)
	}
}
