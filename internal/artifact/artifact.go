// Package artifact names and tracks a single backup through its
// raw, compressed and uploaded states.
package artifact

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// SnapshotExt is appended to the logical name of a raw snapshot file.
const SnapshotExt = ".db"

var ErrSealed = errors.New("artifact already uploaded")

// Artifact is one completed backup.
type Artifact struct {
	Hostname    string
	CreatedAt   time.Time
	LogicalName string // <prefix>-<timestamp>
	SizeBytes   int64
	Compressed  bool
	LocalPath   string
	RemoteKey   string
	Checksum    string // sha256 of the file that was uploaded
	Revision    int64  // etcd revision reported by snapshot status
	Hash        uint32 // etcd snapshot hash reported by snapshot status

	uploaded bool
}

// New derives the logical name from prefix and capture time.
func New(hostname, prefix, layout string, createdAt time.Time) Artifact {
	createdAt = createdAt.UTC()
	return Artifact{
		Hostname:    hostname,
		CreatedAt:   createdAt,
		LogicalName: LogicalName(prefix, layout, createdAt),
	}
}

// LogicalName is <prefix>-<timestamp>; second resolution keeps names unique
// for any realistic per-host cadence.
func LogicalName(prefix, layout string, t time.Time) string {
	return prefix + "-" + t.UTC().Format(layout)
}

// FileName is the raw snapshot file name, e.g. etcd-backup-20240715-123456.db.
func (a Artifact) FileName() string {
	return a.LogicalName + SnapshotExt
}

// Key builds the remote object key prefix/hostname/<base of LocalPath>.
func (a Artifact) Key(keyPrefix string) string {
	return ObjectKey(keyPrefix, a.Hostname, path.Base(toSlash(a.LocalPath)))
}

// ObjectKey joins the remote layout prefix/hostname/name.
func ObjectKey(keyPrefix, hostname, name string) string {
	keyPrefix = strings.Trim(keyPrefix, "/")
	if keyPrefix == "" {
		return path.Join(hostname, name)
	}
	return path.Join(keyPrefix, hostname, name)
}

// MarkCompressed records the switch to the compressed sibling file.
func (a *Artifact) MarkCompressed(localPath string, size int64) error {
	if a.uploaded {
		return ErrSealed
	}
	a.Compressed = true
	a.LocalPath = localPath
	a.SizeBytes = size
	return nil
}

// MarkUploaded seals the artifact; later marks are rejected.
func (a *Artifact) MarkUploaded(key, checksum string) error {
	if a.uploaded {
		return ErrSealed
	}
	a.RemoteKey = key
	a.Checksum = checksum
	a.uploaded = true
	return nil
}

// Uploaded reports whether the remote copy has been confirmed.
func (a Artifact) Uploaded() bool { return a.uploaded }

// ParseTimestamp recovers the capture time from a file name or key such as
// prod/host/etcd-backup-20240715-123456.db.gz.
func ParseTimestamp(name, prefix, layout string) (time.Time, error) {
	base := path.Base(toSlash(name))
	rest, ok := strings.CutPrefix(base, prefix+"-")
	if !ok {
		return time.Time{}, fmt.Errorf("%q does not start with %q", base, prefix+"-")
	}
	if len(rest) < len(layout) {
		return time.Time{}, fmt.Errorf("%q: timestamp too short", base)
	}
	t, err := time.Parse(layout, rest[:len(layout)])
	if err != nil {
		return time.Time{}, fmt.Errorf("%q: %w", base, err)
	}
	return t.UTC(), nil
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
