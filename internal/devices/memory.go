package devices

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps devices in process memory. It is used by tests and
// by single-node deployments without a database.
type MemoryRepository struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		devices: make(map[string]*Device),
	}
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryRepository) Create(_ context.Context, device *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[device.ID]; exists {
		return ErrDeviceExists
	}
	cp := *device
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.devices[device.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateConnection(_ context.Context, id string, connectedAt time.Time, appVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.LastConnectedAt = connectedAt
	if appVersion != "" {
		d.AppVersion = appVersion
	}
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, userID, id string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok || d.UserID != userID {
		return nil, ErrDeviceNotFound
	}
	delete(r.devices, id)
	return d, nil
}

func (r *MemoryRepository) CountByAgent(_ context.Context, agentID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int64
	for _, d := range r.devices {
		if d.AgentID == agentID {
			count++
		}
	}
	return count, nil
}
