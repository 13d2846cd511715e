package staging

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ObjectInfo describes a staged object.
type ObjectInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store is the file-transfer service holding payloads. Implementations classify
// failures with *Error and the kinds in errors.go.
type Store interface {
	// Put writes the whole of r under name and returns the byte count. A name is
	// only visible to Get once Put returned successfully.
	Put(ctx context.Context, name string, r io.Reader) (int64, error)
	// Get copies the object into w.
	Get(ctx context.Context, name string, w io.Writer) (int64, error)
	Stat(ctx context.Context, name string) (ObjectInfo, error)
	Delete(ctx context.Context, name string) error
	// List returns the objects below dir.
	List(ctx context.Context, dir string) ([]ObjectInfo, error)
	Close() error
}

// CleanupPolicy decides what happens to a payload once its task is acknowledged.
type CleanupPolicy string

const (
	CleanupRetain CleanupPolicy = "retain"
	CleanupDelete CleanupPolicy = "delete"
	CleanupExpire CleanupPolicy = "expire"
)

// ParseCleanupPolicy maps a config value to a CleanupPolicy; empty means retain.
func ParseCleanupPolicy(s string) (CleanupPolicy, error) {
	switch CleanupPolicy(s) {
	case "", CleanupRetain:
		return CleanupRetain, nil
	case CleanupDelete, CleanupExpire:
		return CleanupPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown staging cleanup policy %q (want retain, delete or expire)", s)
	}
}

// CountingReader counts bytes read through it. Stores use it to report sizes.
type CountingReader struct {
	r io.Reader
	n int64
}

// NewCountingReader wraps r.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Count returns the number of bytes read.
func (c *CountingReader) Count() int64 {
	return c.n
}
