package persistence

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	kvlog "github.com/loganszeto/shardkv/internal/log"
	"github.com/loganszeto/shardkv/internal/store"
)

const archiveFileName = "expired.log"

type Options struct {
	Fsync  bool
	Logger *zap.SugaredLogger
}

// Archive appends entries removed by expiry to a local file. It satisfies
// store.Observer; appends are buffered until Flush.
type Archive struct {
	mu      sync.Mutex
	f       *os.File
	buf     *bufio.Writer
	opts    Options
	path    string
	logger  *zap.SugaredLogger
	pending int
	failed  int
}

var _ store.Observer = (*Archive)(nil)

func ArchivePath(dir string) string {
	return filepath.Join(dir, archiveFileName)
}

func OpenArchive(dir string, opts Options) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := ArchivePath(dir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Archive{
		f:      f,
		buf:    bufio.NewWriter(f),
		opts:   opts,
		path:   path,
		logger: kvlog.OrNop(opts.Logger),
	}, nil
}

func (a *Archive) Path() string {
	return a.path
}

func (a *Archive) Append(rec Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return os.ErrClosed
	}
	if _, err := a.buf.Write(data); err != nil {
		return err
	}
	a.pending++
	return nil
}

func (a *Archive) OnExpire(key string, e store.Entry) {
	err := a.Append(Record{
		Op:          OpExpired,
		Key:         key,
		Value:       e.Value,
		ExpiresAtMs: e.ExpiresAtMs,
		Version:     e.Version,
	})
	if err != nil {
		a.mu.Lock()
		a.failed++
		a.mu.Unlock()
		a.logger.Warnw("archive append failed", "key", key, "error", err)
	}
}

// Flush writes buffered records to the file and returns how many were
// written since the last Flush.
func (a *Archive) Flush() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return 0, os.ErrClosed
	}
	if a.pending == 0 {
		return 0, nil
	}
	if err := a.buf.Flush(); err != nil {
		return 0, err
	}
	if a.opts.Fsync {
		if err := a.f.Sync(); err != nil {
			return 0, err
		}
	}
	n := a.pending
	a.pending = 0
	return n, nil
}

// Failed is the number of expired entries that could not be archived.
func (a *Archive) Failed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.buf.Flush()
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	a.f = nil
	return err
}
