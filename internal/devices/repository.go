package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the device directory.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Device, error)
	Create(ctx context.Context, device *Device) error
	UpdateConnection(ctx context.Context, id string, connectedAt time.Time, appVersion string) error
	Delete(ctx context.Context, userID, id string) (*Device, error)
	CountByAgent(ctx context.Context, agentID string) (int64, error)
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const deviceColumns = `id, user_id, agent_id, mac_address, board, app_version, auto_update, last_connected_at, created_at`

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// Create inserts a device. A second insert for the same id is a no-op at the
// database level and reported as ErrDeviceExists.
func (r *PostgresRepository) Create(ctx context.Context, device *Device) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO devices (id, user_id, agent_id, mac_address, board, app_version, auto_update, last_connected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		device.ID,
		device.UserID,
		device.AgentID,
		device.MacAddress,
		device.Board,
		device.AppVersion,
		device.AutoUpdate,
		pgtype.Timestamptz{Time: device.LastConnectedAt, Valid: !device.LastConnectedAt.IsZero()},
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceExists
	}
	return nil
}

func (r *PostgresRepository) UpdateConnection(ctx context.Context, id string, connectedAt time.Time, appVersion string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE devices
		SET last_connected_at = $2,
		    app_version = COALESCE(NULLIF($3, ''), app_version),
		    updated_at = now()
		WHERE id = $1`,
		id, connectedAt, appVersion)
	if err != nil {
		return fmt.Errorf("failed to update device connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID, id string) (*Device, error) {
	row := r.pool.QueryRow(ctx, `DELETE FROM devices WHERE id = $1 AND user_id = $2 RETURNING `+deviceColumns, id, userID)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to delete device: %w", err)
	}
	return device, nil
}

func (r *PostgresRepository) CountByAgent(ctx context.Context, agentID string) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM devices WHERE agent_id = $1`, agentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return count, nil
}

func scanDevice(row pgx.Row) (*Device, error) {
	var (
		d             Device
		lastConnected pgtype.Timestamptz
		createdAt     pgtype.Timestamptz
	)
	if err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.AgentID,
		&d.MacAddress,
		&d.Board,
		&d.AppVersion,
		&d.AutoUpdate,
		&lastConnected,
		&createdAt,
	); err != nil {
		return nil, err
	}
	if lastConnected.Valid {
		d.LastConnectedAt = lastConnected.Time
	}
	d.CreatedAt = createdAt.Time
	return &d, nil
}
