package firmware

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog stores firmware releases. Latest returns the most recently created
// release for a board type.
type Catalog interface {
	Latest(ctx context.Context, boardType string) (*Release, error)
	Get(ctx context.Context, id string) (*Release, error)
	Create(ctx context.Context, release *Release) error
}

type PostgresCatalog struct {
	pool *pgxpool.Pool
}

func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

const releaseColumns = `id, board_type, version, location, size, created_at`

func (c *PostgresCatalog) Latest(ctx context.Context, boardType string) (*Release, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT `+releaseColumns+`
		FROM firmware_releases
		WHERE board_type = $1
		ORDER BY created_at DESC
		LIMIT 1`, boardType)
	return scanRelease(row, "failed to get latest release")
}

func (c *PostgresCatalog) Get(ctx context.Context, id string) (*Release, error) {
	row := c.pool.QueryRow(ctx, `SELECT `+releaseColumns+` FROM firmware_releases WHERE id = $1`, id)
	return scanRelease(row, "failed to get release")
}

// Create assigns an id when the release has none and fills CreatedAt from the
// database clock.
func (c *PostgresCatalog) Create(ctx context.Context, release *Release) error {
	if release.ID == "" {
		release.ID = uuid.New().String()
	}
	err := c.pool.QueryRow(ctx, `
		INSERT INTO firmware_releases (id, board_type, version, location, size)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		release.ID, release.BoardType, release.Version, release.Location, release.Size,
	).Scan(&release.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrReleaseExists
		}
		return fmt.Errorf("failed to create release: %w", err)
	}
	return nil
}

func scanRelease(row pgx.Row, msg string) (*Release, error) {
	var r Release
	if err := row.Scan(&r.ID, &r.BoardType, &r.Version, &r.Location, &r.Size, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReleaseNotFound
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	return &r, nil
}

type MemoryCatalog struct {
	mu       sync.RWMutex
	releases []*Release
	now      func() time.Time
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{now: time.Now}
}

func (c *MemoryCatalog) Latest(_ context.Context, boardType string) (*Release, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest *Release
	for _, r := range c.releases {
		if r.BoardType != boardType {
			continue
		}
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrReleaseNotFound
	}
	cp := *latest
	return &cp, nil
}

func (c *MemoryCatalog) Get(_ context.Context, id string) (*Release, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.releases {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrReleaseNotFound
}

func (c *MemoryCatalog) Create(_ context.Context, release *Release) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.releases {
		if r.BoardType == release.BoardType && r.Version == release.Version {
			return ErrReleaseExists
		}
	}
	if release.ID == "" {
		release.ID = uuid.New().String()
	}
	if release.CreatedAt.IsZero() {
		release.CreatedAt = c.now()
	}
	cp := *release
	c.releases = append(c.releases, &cp)
	sort.SliceStable(c.releases, func(i, j int) bool {
		return c.releases[i].CreatedAt.Before(c.releases[j].CreatedAt)
	})
	return nil
}
