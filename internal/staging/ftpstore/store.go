// Package ftpstore stages payloads on an FTP server in passive mode.
package ftpstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/taskrelay/internal/staging"
	"github.com/jlaffaye/ftp"
)

// Config holds FTP connection settings
type Config struct {
	Addr     string // host:port
	User     string
	Password string
	Root     string // directory all references live under
	Timeout  time.Duration
	// DisableEPSV forces classic PASV for servers that mishandle EPSV.
	DisableEPSV bool
}

// conn is the subset of *ftp.ServerConn the store needs.
type conn interface {
	Stor(path string, r io.Reader) error
	Retr(path string) (io.ReadCloser, error)
	Rename(from, to string) error
	Delete(path string) error
	FileSize(path string) (int64, error)
	List(path string) ([]*ftp.Entry, error)
	MakeDir(path string) error
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (s serverConn) Retr(path string) (io.ReadCloser, error) {
	return s.ServerConn.Retr(path)
}

type dialFunc func(ctx context.Context, cfg Config) (conn, error)

// Store keeps one control connection, opened lazily and dropped on failure.
// FTP control connections are sequential, so operations are serialized.
type Store struct {
	config Config
	logger *slog.Logger
	dial   dialFunc

	mu   sync.Mutex
	conn conn
}

// New creates an FTP store and verifies the credentials
func New(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	s := newStore(config, logger, dialFTP)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ensureConn(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(config Config, logger *slog.Logger, dial dialFunc) *Store {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Store{config: config, logger: logger, dial: dial}
}

func dialFTP(ctx context.Context, cfg Config) (conn, error) {
	c, err := ftp.Dial(cfg.Addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(cfg.Timeout),
		ftp.DialWithDisabledEPSV(cfg.DisableEPSV),
	)
	if err != nil {
		return nil, classify("connect", "", err)
	}

	if err := c.Login(cfg.User, cfg.Password); err != nil {
		_ = c.Quit()
		return nil, classify("login", "", err)
	}
	return serverConn{c}, nil
}

// ensureConn returns the live connection, dialing if needed. Caller holds mu.
func (s *Store) ensureConn(ctx context.Context) (conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}

	c, err := s.dial(ctx, s.config)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Connected to FTP staging store",
		slog.String("addr", s.config.Addr),
		slog.String("root", s.config.Root),
	)
	s.conn = c
	return c, nil
}

// do runs fn on the control connection. If ctx ends first the connection is
// closed, which unblocks fn; broken connections are dropped for the next call.
func (s *Store) do(ctx context.Context, op, name string, fn func(c conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return staging.NewError(op, name, staging.ErrConnection, err)
	}

	c, err := s.ensureConn(ctx)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	interrupted := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Quit()
			interrupted <- true
		case <-stop:
			interrupted <- false
		}
	}()

	err = fn(c)
	close(stop)

	if <-interrupted {
		s.conn = nil
		return staging.NewError(op, name, staging.ErrConnection, ctx.Err())
	}

	if err == nil {
		return nil
	}

	err = classify(op, name, err)
	if errors.Is(err, staging.ErrConnection) {
		s.logger.Warn("Dropping FTP connection",
			slog.String("op", op),
			slog.Any("error", err),
		)
		_ = c.Quit()
		s.conn = nil
	}
	return err
}

func (s *Store) fullPath(name string) string {
	return path.Join("/", s.config.Root, name)
}

// Put uploads to "<name>.part" and renames it into place once the data
// connection has been closed cleanly.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	target := s.fullPath(name)
	partial := target + ".part"
	counter := staging.NewCountingReader(r)

	err := s.do(ctx, "put", name, func(c conn) error {
		s.makeDirs(c, path.Dir(target))

		if err := c.Stor(partial, counter); err != nil {
			_ = c.Delete(partial)
			return err
		}
		return c.Rename(partial, target)
	})
	if err != nil {
		return 0, err
	}
	return counter.Count(), nil
}

// makeDirs creates every directory of dir; existing ones produce errors that are ignored
func (s *Store) makeDirs(c conn, dir string) {
	current := "/"
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		_ = c.MakeDir(current)
	}
}

func (s *Store) Get(ctx context.Context, name string, w io.Writer) (int64, error) {
	var n int64
	err := s.do(ctx, "get", name, func(c conn) error {
		resp, err := c.Retr(s.fullPath(name))
		if err != nil {
			return err
		}

		n, err = io.Copy(w, resp)
		// Close reads the final transfer status; a failure means the file is incomplete.
		if closeErr := resp.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) Stat(ctx context.Context, name string) (staging.ObjectInfo, error) {
	info := staging.ObjectInfo{Name: name}
	err := s.do(ctx, "stat", name, func(c conn) error {
		size, err := c.FileSize(s.fullPath(name))
		if err != nil {
			return err
		}
		info.Size = size
		return nil
	})
	if err != nil {
		return staging.ObjectInfo{}, err
	}
	return info, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	return s.do(ctx, "delete", name, func(c conn) error {
		return c.Delete(s.fullPath(name))
	})
}

// List returns the regular files directly below dir.
func (s *Store) List(ctx context.Context, dir string) ([]staging.ObjectInfo, error) {
	var out []staging.ObjectInfo
	err := s.do(ctx, "list", dir, func(c conn) error {
		entries, err := c.List(s.fullPath(dir))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Type != ftp.EntryTypeFile {
				continue
			}
			out = append(out, staging.ObjectInfo{
				Name:    path.Join(strings.Trim(dir, "/"), path.Base(e.Name)),
				Size:    int64(e.Size),
				ModTime: e.Time,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close sends QUIT on the control connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Quit()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close FTP connection: %w", err)
	}
	return nil
}

// classify maps FTP replies and network errors onto staging failure kinds.
func classify(op, name string, err error) error {
	var se *staging.Error
	if errors.As(err, &se) {
		return err
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code == ftp.StatusNotLoggedIn:
			return staging.NewError(op, name, staging.ErrAuth, err)
		case protoErr.Code == ftp.StatusFileUnavailable:
			return staging.NewError(op, name, staging.ErrNotFound, err)
		case protoErr.Code == ftp.StatusNotAvailable:
			return staging.NewError(op, name, staging.ErrConnection, err)
		default:
			return staging.NewError(op, name, staging.ErrTransfer, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return staging.NewError(op, name, staging.ErrConnection, err)
	}

	return staging.NewError(op, name, staging.ErrTransfer, err)
}
