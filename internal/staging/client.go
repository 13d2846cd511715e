package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/taskrelay/internal/metrics"
	"github.com/google/uuid"
)

// Config holds staging client settings
type Config struct {
	// Prefix is the directory references are created under, e.g. "tasks".
	Prefix string
}

// Client uploads and downloads task payloads through a Store
type Client struct {
	store  Store
	prefix string
	logger *slog.Logger
}

// NewClient creates a staging client over store
func NewClient(store Store, config Config, logger *slog.Logger) *Client {
	return &Client{
		store:  store,
		prefix: strings.Trim(config.Prefix, "/"),
		logger: logger,
	}
}

// NewReference returns a fresh reference. The random part is a v4 UUID; the
// extension of nameHint is kept so handlers can tell payload formats apart.
func (c *Client) NewReference(nameHint string) string {
	name := uuid.NewString() + cleanExt(nameHint)
	if c.prefix == "" {
		return name
	}
	return path.Join(c.prefix, name)
}

// Upload stages the whole of src under a new reference. The reference is only
// returned once the store confirms an object of exactly the uploaded size.
func (c *Client) Upload(ctx context.Context, src io.Reader, nameHint string) (string, error) {
	ref := c.NewReference(nameHint)

	written, err := c.store.Put(ctx, ref, src)
	if err != nil {
		err = wrap("upload", ref, err)
		c.observe("upload", err)
		return "", err
	}

	info, err := c.store.Stat(ctx, ref)
	if err != nil {
		err = wrap("upload", ref, err)
		c.observe("upload", err)
		return "", err
	}
	if info.Size != written {
		c.discard(ref)
		err = NewError("upload", ref, ErrTransfer, fmt.Errorf("store reports %d bytes, sent %d", info.Size, written))
		c.observe("upload", err)
		return "", err
	}

	c.observe("upload", nil)
	c.logger.Info("Payload staged",
		slog.String("file_reference", ref),
		slog.Int64("size", written),
	)
	return ref, nil
}

// Download fetches ref into sinkPath. The sink is replaced atomically, so calling
// Download again after a failure (or after a previous success) is safe.
func (c *Client) Download(ctx context.Context, ref, sinkPath string) (int64, error) {
	n, err := c.download(ctx, ref, sinkPath)
	c.observe("download", err)
	if err != nil {
		return 0, err
	}

	c.logger.Debug("Payload fetched",
		slog.String("file_reference", ref),
		slog.String("path", sinkPath),
		slog.Int64("size", n),
	)
	return n, nil
}

func (c *Client) download(ctx context.Context, ref, sinkPath string) (int64, error) {
	info, err := c.store.Stat(ctx, ref)
	if err != nil {
		return 0, wrap("download", ref, err)
	}

	if err := os.MkdirAll(filepath.Dir(sinkPath), 0o755); err != nil {
		return 0, NewError("download", ref, ErrTransfer, fmt.Errorf("failed to create sink directory: %w", err))
	}

	tmpPath := sinkPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, NewError("download", ref, ErrTransfer, fmt.Errorf("failed to create sink file: %w", err))
	}

	n, err := c.store.Get(ctx, ref, f)
	if err == nil && n != info.Size {
		err = NewError("download", ref, ErrTransfer, fmt.Errorf("received %d of %d bytes", n, info.Size))
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, sinkPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, wrap("download", ref, err)
	}

	return n, nil
}

// Exists reports whether ref is present on the store.
func (c *Client) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := c.store.Stat(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, wrap("stat", ref, err)
}

// Delete removes ref. Deleting a missing object is not an error.
func (c *Client) Delete(ctx context.Context, ref string) error {
	err := c.store.Delete(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	err = wrap("delete", ref, err)
	c.observe("delete", err)
	return err
}

// Close releases the store connection
func (c *Client) Close() error {
	return c.store.Close()
}

// discard removes a rejected upload; failures only get logged
func (c *Client) discard(ref string) {
	if err := c.store.Delete(context.Background(), ref); err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("Failed to remove incomplete upload",
			slog.String("file_reference", ref),
			slog.Any("error", err),
		)
	}
}

func (c *Client) observe(op string, err error) {
	metrics.ObserveStaging(op, err, KindLabel)
}

// KindLabel names the failure kind of err for logs and metrics.
func KindLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	default:
		return "error"
	}
}

// cleanExt keeps a short alphanumeric extension of name, or nothing.
func cleanExt(name string) string {
	ext := strings.ToLower(path.Ext(filepath.ToSlash(name)))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
