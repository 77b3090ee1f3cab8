package fs

import (
	"context"
	"time"
)

// Timestamp is a file modification time split the way manifests name it.
type Timestamp struct {
	Sec  int64 `json:"sec"`
	Nsec int64 `json:"nsec"`
}

// TimestampOf converts t into a Timestamp.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Time converts the timestamp back to a time.Time.
func (ts Timestamp) Time() time.Time { return time.Unix(ts.Sec, ts.Nsec) }

// IsZero reports whether ts is the zero timestamp.
func (ts Timestamp) IsZero() bool { return ts.Sec == 0 && ts.Nsec == 0 }

// BlockState says where the current copy of a block lives.
type BlockState int

const (
	BlockAbsent BlockState = iota
	BlockLocal
	BlockRemote
)

func (s BlockState) String() string {
	switch s {
	case BlockLocal:
		return "local"
	case BlockRemote:
		return "remote"
	default:
		return "absent"
	}
}

// Facts answers the namespace questions the read path asks before serving
// or redirecting a request. Paths are sanitized absolute paths.
type Facts interface {
	// LatestFileVersion returns the current version of the file at path.
	LatestFileVersion(ctx context.Context, path string) (int64, error)
	// IsLocal reports whether this gateway is the coordinator of path.
	IsLocal(ctx context.Context, path string) (bool, error)
	// IsDir reports whether path names a directory.
	IsDir(ctx context.Context, path string) (bool, error)
	BlockState(ctx context.Context, path string, blockID uint64) (BlockState, error)
	LatestBlockVersion(ctx context.Context, path string, blockID uint64) (int64, error)
	// BlockURL returns the URL of a block hosted by another gateway.
	BlockURL(ctx context.Context, path string, blockID uint64) (string, error)
	ManifestLastModified(ctx context.Context, path string) (Timestamp, error)
}

// OwnerLocator is implemented by Facts providers that know which gateway
// coordinates a remote file.
type OwnerLocator interface {
	OwnerURL(ctx context.Context, path string) (string, error)
}

// Errors returned by Facts implementations.
var (
	ErrNotFound     = Err("not found")
	ErrAlreadyExist = Err("already exists")
	ErrNotSupported = Err("not supported")
	ErrNotDir       = Err("not a directory")
	ErrNotEmpty     = Err("directory not empty")
	ErrRemote       = Err("remote")
	ErrBusy         = Err("busy")
)

// Err is a sentinel error type so callers can check via errors.Is.
type Err string

func (e Err) Error() string { return string(e) }
