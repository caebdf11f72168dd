package firmware

import (
	"errors"
	"time"
)

var (
	ErrReleaseNotFound = errors.New("firmware release not found")
	ErrReleaseExists   = errors.New("firmware release already exists")
)

// Release is an immutable firmware build for one board type. Location is
// either an absolute URL or a path on the server's local disk.
type Release struct {
	ID        string
	BoardType string
	Version   string
	Location  string
	Size      int64
	CreatedAt time.Time
}
