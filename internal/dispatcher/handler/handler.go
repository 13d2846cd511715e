// Package handler contains the built-in task type handlers.
package handler

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/taskrelay/internal/dispatcher"
)

// Handler names usable in the dispatcher.handlers config section
const (
	NameDigest      = "digest"
	NameZipManifest = "zip_manifest"
	NameNoop        = "noop"
)

// ErrInvalidPayload is returned for payloads the handler cannot interpret; retrying does not help
var ErrInvalidPayload = errors.New("invalid payload")

// New returns the handler registered under name
func New(name string, logger *slog.Logger) (dispatcher.Handler, error) {
	switch name {
	case NameDigest:
		return &Digest{logger: logger}, nil
	case NameZipManifest:
		return &ZipManifest{logger: logger}, nil
	case NameNoop:
		return dispatcher.HandlerFunc(func(context.Context, dispatcher.Job) error { return nil }), nil
	default:
		return nil, fmt.Errorf("unknown handler %q", name)
	}
}

// Register builds a registry from a task_type_id -> handler name mapping
func Register(registry *dispatcher.Registry, mapping map[string]string, logger *slog.Logger) error {
	for taskType, name := range mapping {
		h, err := New(name, logger.With(slog.String("handler", name)))
		if err != nil {
			return fmt.Errorf("task type %s: %w", taskType, err)
		}
		registry.Register(taskType, h)
	}
	return nil
}

// Digest computes the SHA-256 of the payload
type Digest struct {
	logger *slog.Logger
}

func (h *Digest) Handle(ctx context.Context, job dispatcher.Job) error {
	f, err := os.Open(job.PayloadPath)
	if err != nil {
		return fmt.Errorf("failed to open payload: %w", err)
	}
	defer f.Close()

	sum := sha256.New()
	n, err := io.Copy(sum, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return fmt.Errorf("failed to hash payload: %w", err)
	}
	if n != job.Size {
		return fmt.Errorf("%w: read %d bytes, expected %d", ErrInvalidPayload, n, job.Size)
	}

	h.logger.Info("Payload digest computed",
		slog.String("task_id", job.Message.TaskID),
		slog.String("task_owner", job.Message.TaskOwner),
		slog.String("sha256", hex.EncodeToString(sum.Sum(nil))),
		slog.Int64("size", n),
	)
	return nil
}

// ZipManifest lists the entries of a zip payload, such as a social media data export
type ZipManifest struct {
	logger *slog.Logger
}

// Manifest summarizes a zip archive
type Manifest struct {
	Files            int
	Dirs             int
	UncompressedSize uint64
	Newest           time.Time
}

func (h *ZipManifest) Handle(ctx context.Context, job dispatcher.Job) error {
	m, err := ReadManifest(ctx, job.PayloadPath)
	if err != nil {
		return err
	}

	h.logger.Info("Archive manifest read",
		slog.String("task_id", job.Message.TaskID),
		slog.String("task_owner", job.Message.TaskOwner),
		slog.Int("files", m.Files),
		slog.Int("dirs", m.Dirs),
		slog.Uint64("uncompressed_size", m.UncompressedSize),
		slog.Time("newest", m.Newest),
	)
	return nil
}

// ReadManifest opens the zip archive at path and summarizes its entries.
func ReadManifest(ctx context.Context, path string) (Manifest, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) {
			return Manifest{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return Manifest{}, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	var m Manifest
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return Manifest{}, err
		}
		if f.FileInfo().IsDir() {
			m.Dirs++
			continue
		}
		m.Files++
		m.UncompressedSize += f.UncompressedSize64
		if mod := f.Modified; mod.After(m.Newest) {
			m.Newest = mod
		}
	}
	return m, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
