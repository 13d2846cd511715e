package staging_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/taskrelay/internal/staging"
	"github.com/cuongbtq/taskrelay/internal/staging/stagingtest"
	"github.com/cuongbtq/taskrelay/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, store staging.Store) *staging.Client {
	t.Helper()
	return staging.NewClient(store, staging.Config{Prefix: "tasks"}, logger.Discard())
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestClient_UploadDownloadRoundTrip(t *testing.T) {
	store := stagingtest.NewStore()
	client := newClient(t, store)
	payload := randomBytes(t, 10*1024)

	ref, err := client.Upload(context.Background(), bytes.NewReader(payload), "facebook.zip")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "tasks/"))
	assert.True(t, strings.HasSuffix(ref, ".zip"))
	assert.True(t, store.Has(ref))

	sink := filepath.Join(t.TempDir(), "in", "payload.zip")
	n, err := client.Download(context.Background(), ref, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(sink)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = os.Stat(sink + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestClient_DownloadOverwritesSink(t *testing.T) {
	store := stagingtest.NewStore()
	client := newClient(t, store)

	ref, err := client.Upload(context.Background(), strings.NewReader("fresh payload"), "a.bin")
	require.NoError(t, err)

	sink := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(sink, []byte("stale bytes from an earlier attempt that were longer"), 0o600))

	_, err = client.Download(context.Background(), ref, sink)
	require.NoError(t, err)
	_, err = client.Download(context.Background(), ref, sink)
	require.NoError(t, err)

	got, err := os.ReadFile(sink)
	require.NoError(t, err)
	assert.Equal(t, "fresh payload", string(got))
}

func TestClient_UploadFailureReturnsNoReference(t *testing.T) {
	store := stagingtest.NewStore()
	store.FailPuts(staging.NewError("put", "x", staging.ErrConnection, errors.New("dial tcp: connection refused")))
	client := newClient(t, store)

	ref, err := client.Upload(context.Background(), strings.NewReader("payload"), "a.zip")
	require.Error(t, err)
	assert.Empty(t, ref)
	assert.ErrorIs(t, err, staging.ErrConnection)
	assert.True(t, staging.IsRetryable(err))
	assert.Equal(t, 0, store.Len())
}

// shortStore reports a smaller object than was written.
type shortStore struct {
	*stagingtest.Store
}

func (s shortStore) Stat(ctx context.Context, name string) (staging.ObjectInfo, error) {
	info, err := s.Store.Stat(ctx, name)
	info.Size--
	return info, err
}

func TestClient_UploadRejectsIncompleteObject(t *testing.T) {
	inner := stagingtest.NewStore()
	client := newClient(t, shortStore{inner})

	ref, err := client.Upload(context.Background(), strings.NewReader("0123456789"), "a.zip")
	require.Error(t, err)
	assert.Empty(t, ref)
	assert.ErrorIs(t, err, staging.ErrTransfer)
	assert.Equal(t, 0, inner.Len(), "partial object must be removed")
}

func TestClient_DownloadErrors(t *testing.T) {
	t.Run("missing reference", func(t *testing.T) {
		client := newClient(t, stagingtest.NewStore())

		_, err := client.Download(context.Background(), "tasks/missing.zip", filepath.Join(t.TempDir(), "x"))
		require.Error(t, err)
		assert.ErrorIs(t, err, staging.ErrNotFound)
		assert.False(t, staging.IsRetryable(err))
	})

	t.Run("interrupted transfer leaves no sink", func(t *testing.T) {
		store := stagingtest.NewStore()
		store.Seed("tasks/a.zip", []byte("abc"), time.Now())
		store.FailGets(staging.NewError("get", "tasks/a.zip", staging.ErrTransfer, io.ErrUnexpectedEOF))
		client := newClient(t, store)

		sink := filepath.Join(t.TempDir(), "a.zip")
		_, err := client.Download(context.Background(), "tasks/a.zip", sink)
		require.Error(t, err)
		assert.True(t, staging.IsRetryable(err))

		_, statErr := os.Stat(sink)
		assert.True(t, os.IsNotExist(statErr))
		_, statErr = os.Stat(sink + ".tmp")
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("auth failure is not retryable", func(t *testing.T) {
		store := stagingtest.NewStore()
		store.Seed("tasks/a.zip", []byte("abc"), time.Now())
		store.FailGets(staging.NewError("get", "tasks/a.zip", staging.ErrAuth, errors.New("530 Login incorrect")))
		client := newClient(t, store)

		_, err := client.Download(context.Background(), "tasks/a.zip", filepath.Join(t.TempDir(), "a.zip"))
		assert.ErrorIs(t, err, staging.ErrAuth)
		assert.False(t, staging.IsRetryable(err))
	})
}

func TestClient_ConcurrentUploadsNeverCollide(t *testing.T) {
	store := stagingtest.NewStore()
	client := newClient(t, store)

	const uploads = 64
	refs := make(chan string, uploads)
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := client.Upload(context.Background(), strings.NewReader("same bytes"), "same.zip")
			assert.NoError(t, err)
			refs <- ref
		}()
	}
	wg.Wait()
	close(refs)

	seen := make(map[string]struct{})
	for ref := range refs {
		_, dup := seen[ref]
		assert.False(t, dup, "duplicate reference %s", ref)
		seen[ref] = struct{}{}
	}
	assert.Len(t, seen, uploads)
	assert.Equal(t, uploads, store.Len())
}

func TestClient_ExistsAndDelete(t *testing.T) {
	store := stagingtest.NewStore()
	client := newClient(t, store)

	ref, err := client.Upload(context.Background(), strings.NewReader("x"), "")
	require.NoError(t, err)

	ok, err := client.Exists(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, client.Delete(context.Background(), ref))
	require.NoError(t, client.Delete(context.Background(), ref), "deleting twice is fine")

	ok, err = client.Exists(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.Close())
	assert.True(t, store.Closed())
}

func TestClient_NewReference(t *testing.T) {
	client := staging.NewClient(stagingtest.NewStore(), staging.Config{}, logger.Discard())

	tests := []struct {
		hint    string
		wantExt string
	}{
		{hint: "email.zip", wantExt: ".zip"},
		{hint: "/home/fedora/EMAIL.ZIP", wantExt: ".zip"},
		{hint: "report.tar.gz", wantExt: ".gz"},
		{hint: "noext", wantExt: ""},
		{hint: "weird.z!p", wantExt: ""},
		{hint: "", wantExt: ""},
	}

	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			ref := client.NewReference(tt.hint)
			assert.Equal(t, tt.wantExt, filepath.Ext(ref))
			assert.Len(t, strings.TrimSuffix(ref, tt.wantExt), 36)
		})
	}
}

func TestParseCleanupPolicy(t *testing.T) {
	for in, want := range map[string]staging.CleanupPolicy{
		"":       staging.CleanupRetain,
		"retain": staging.CleanupRetain,
		"delete": staging.CleanupDelete,
		"expire": staging.CleanupExpire,
	} {
		got, err := staging.ParseCleanupPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := staging.ParseCleanupPolicy("shred")
	assert.Error(t, err)
}

func TestKindLabel(t *testing.T) {
	assert.Equal(t, "ok", staging.KindLabel(nil))
	assert.Equal(t, "connection", staging.KindLabel(staging.NewError("get", "r", staging.ErrConnection, nil)))
	assert.Equal(t, "auth", staging.KindLabel(staging.NewError("get", "r", staging.ErrAuth, nil)))
	assert.Equal(t, "not_found", staging.KindLabel(staging.NewError("get", "r", staging.ErrNotFound, nil)))
	assert.Equal(t, "transfer", staging.KindLabel(staging.NewError("get", "r", staging.ErrTransfer, nil)))
	assert.Equal(t, "error", staging.KindLabel(errors.New("boom")))
}

func TestError_Message(t *testing.T) {
	err := staging.NewError("get", "tasks/a.zip", staging.ErrTransfer, io.ErrUnexpectedEOF)
	assert.Equal(t, `staging get "tasks/a.zip": staging transfer incomplete: unexpected EOF`, err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	bare := staging.NewError("stat", "tasks/b.zip", staging.ErrNotFound, nil)
	assert.Equal(t, `staging stat "tasks/b.zip": staged object not found`, bare.Error())
}
