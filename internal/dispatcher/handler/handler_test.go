package handler

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/taskrelay/internal/dispatcher"
	"github.com/cuongbtq/taskrelay/internal/task"
	"github.com/cuongbtq/taskrelay/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	require.NoError(t, err)

	w := zip.NewWriter(f)
	_, err = w.Create("messages/")
	require.NoError(t, err)
	for name, content := range files {
		fw, err := w.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: time.Date(2023, 3, 4, 5, 6, 7, 0, time.UTC),
		})
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func job(t *testing.T, path string) dispatcher.Job {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return dispatcher.Job{
		Message:     task.Message{TaskID: "t-1", TaskOwner: "alice", TaskTypeID: "1", FileReference: "tasks/t.zip"},
		PayloadPath: path,
		Size:        info.Size(),
	}
}

func TestReadManifest(t *testing.T) {
	path := writeZip(t, map[string]string{
		"messages/inbox.json": `{"messages":[]}`,
		"profile.json":        `{"name":"alice"}`,
	})

	m, err := ReadManifest(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Files)
	assert.Equal(t, 1, m.Dirs)
	assert.Equal(t, uint64(len(`{"messages":[]}`)+len(`{"name":"alice"}`)), m.UncompressedSize)
	assert.Equal(t, 2023, m.Newest.Year())
}

func TestZipManifest_RejectsNonZipPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.zip")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip archive"), 0o600))

	h, err := New(NameZipManifest, logger.Discard())
	require.NoError(t, err)

	err = h.Handle(context.Background(), job(t, path))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestZipManifest_CanceledContext(t *testing.T) {
	path := writeZip(t, map[string]string{"a.txt": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReadManifest(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	h, err := New(NameDigest, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), job(t, path)))

	short := job(t, path)
	short.Size = 99
	assert.ErrorIs(t, h.Handle(context.Background(), short), ErrInvalidPayload)

	missing := job(t, path)
	missing.PayloadPath = filepath.Join(t.TempDir(), "gone.bin")
	assert.Error(t, h.Handle(context.Background(), missing))
}

func TestRegister(t *testing.T) {
	registry := dispatcher.NewRegistry()
	err := Register(registry, map[string]string{
		"1": NameZipManifest,
		"2": NameDigest,
		"3": NameNoop,
	}, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, registry.TaskTypes())

	_, err = registry.Lookup("4")
	assert.ErrorIs(t, err, dispatcher.ErrUnknownTaskType)

	err = Register(dispatcher.NewRegistry(), map[string]string{"1": "shred"}, logger.Discard())
	assert.Error(t, err)
}
