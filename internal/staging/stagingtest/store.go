// Package stagingtest provides an in-memory staging.Store for tests.
package stagingtest

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/taskrelay/internal/staging"
)

type object struct {
	data    []byte
	modTime time.Time
}

// Store keeps objects in memory. Queued errors are returned by the next calls
// of the matching operation, one per call.
type Store struct {
	mu       sync.Mutex
	objects  map[string]object
	putErrs  []error
	getErrs  []error
	getCalls map[string]int
	closed   bool

	// OnPut runs after an object became visible.
	OnPut func(name string)
	Now   func() time.Time
}

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{
		objects:  make(map[string]object),
		getCalls: make(map[string]int),
		Now:      time.Now,
	}
}

// FailPuts queues errors for the next Put calls.
func (s *Store) FailPuts(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErrs = append(s.putErrs, errs...)
}

// FailGets queues errors for the next Get calls.
func (s *Store) FailGets(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErrs = append(s.getErrs, errs...)
}

func (s *Store) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, staging.NewError("put", name, staging.ErrConnection, err)
	}

	s.mu.Lock()
	if len(s.putErrs) > 0 {
		err := s.putErrs[0]
		s.putErrs = s.putErrs[1:]
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, staging.NewError("put", name, staging.ErrTransfer, err)
	}

	s.mu.Lock()
	s.objects[name] = object{data: data, modTime: s.Now()}
	hook := s.OnPut
	s.mu.Unlock()

	if hook != nil {
		hook(name)
	}
	return int64(len(data)), nil
}

func (s *Store) Get(ctx context.Context, name string, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, staging.NewError("get", name, staging.ErrConnection, err)
	}

	s.mu.Lock()
	s.getCalls[name]++
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		s.mu.Unlock()
		return 0, err
	}
	obj, ok := s.objects[name]
	s.mu.Unlock()

	if !ok {
		return 0, staging.NewError("get", name, staging.ErrNotFound, nil)
	}
	return io.Copy(w, bytes.NewReader(obj.data))
}

func (s *Store) Stat(_ context.Context, name string) (staging.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[name]
	if !ok {
		return staging.ObjectInfo{}, staging.NewError("stat", name, staging.ErrNotFound, nil)
	}
	return staging.ObjectInfo{Name: name, Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[name]; !ok {
		return staging.NewError("delete", name, staging.ErrNotFound, nil)
	}
	delete(s.objects, name)
	return nil
}

func (s *Store) List(_ context.Context, dir string) ([]staging.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.Trim(dir, "/")
	if prefix != "" {
		prefix += "/"
	}

	var out []staging.ObjectInfo
	for name, obj := range s.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, staging.ObjectInfo{Name: name, Size: int64(len(obj.data)), ModTime: obj.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Seed stores data under name directly.
func (s *Store) Seed(name string, data []byte, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = object{data: append([]byte(nil), data...), modTime: modTime}
}

// Has reports whether name is stored.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[name]
	return ok
}

// Bytes returns a copy of the stored object.
func (s *Store) Bytes(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.objects[name].data...)
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// GetCalls returns how many times Get was called for name.
func (s *Store) GetCalls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls[name]
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
