package storage

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	filesDir = "files"
	tmpDir   = "tmp"
)

var (
	ErrNotFound            = errors.New("file not found")
	ErrNotEnoughVersions   = errors.New("not enough versions")
	ErrInvalidVersionCount = errors.New("version count must be at least 1")
	ErrInvalidName         = errors.New("invalid filename")
	ErrTooLarge            = errors.New("transfer exceeds max size")
	ErrReceiving           = errors.New("put in flight")
)

// Store keeps every version of every locally replicated file. Each version
// is its own file under files/<escaped name>/, numbered in commit order.
// Incoming bytes land in tmp/ until they are committed or discarded.
type Store struct {
	fs        afero.Fs
	maxSize   int64
	locks     *keyedMutex
	receiving *keyedCounter
	logger    *zap.Logger
}

// New prepares the layout on fs and clears any stale holding files.
func New(fs afero.Fs, maxSize int64, logger *zap.Logger) (*Store, error) {
	if err := fs.MkdirAll(filesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create files directory: %w", err)
	}
	if err := fs.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("failed to clear holding area: %w", err)
	}
	if err := fs.MkdirAll(tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create holding area: %w", err)
	}
	return &Store{
		fs:        fs,
		maxSize:   maxSize,
		locks:     newKeyedMutex(),
		receiving: newKeyedCounter(),
		logger:    logger.With(zap.String("component", "storage")),
	}, nil
}

// ValidateName rejects names that cannot travel as a single command token.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidName, name)
	}
	return nil
}

func (s *Store) MaxSize() int64 { return s.maxSize }

// BeginReceive marks a put of filename as in flight until the returned
// release is called. Replica imports of filename are refused meanwhile, so
// a put never lands on top of a copy of its own version.
func (s *Store) BeginReceive(filename string) func() {
	return s.receiving.Acquire(filename)
}

// Receiving reports whether a put of filename is in flight.
func (s *Store) Receiving(filename string) bool {
	return s.receiving.Held(filename)
}

// Pending is a body held in the holding area awaiting a keep/discard decision.
type Pending struct {
	path string
	Size int64
}

// Hold streams exactly n bytes from r into the holding area.
func (s *Store) Hold(r io.Reader, n int64) (*Pending, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	if s.maxSize > 0 && n > s.maxSize {
		return nil, fmt.Errorf("%w: %s > %s", ErrTooLarge, humanize.IBytes(uint64(n)), humanize.IBytes(uint64(s.maxSize)))
	}

	p := path.Join(tmpDir, uuid.NewString())
	f, err := s.fs.Create(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create holding file: %w", err)
	}
	if err := transport.CopyN(f, r, n); err != nil {
		f.Close()
		s.fs.Remove(p)
		return nil, fmt.Errorf("failed to receive body: %w", err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(p)
		return nil, fmt.Errorf("failed to close holding file: %w", err)
	}
	return &Pending{path: p, Size: n}, nil
}

// Commit appends the held body as the newest version of filename and
// returns the resulting version count.
func (s *Store) Commit(p *Pending, filename string) (int, error) {
	if err := ValidateName(filename); err != nil {
		s.Discard(p)
		return 0, err
	}
	unlock := s.locks.Lock(filename)
	defer unlock()

	seqs, err := s.versions(filename)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.Discard(p)
		return 0, err
	}
	next := 1
	if len(seqs) > 0 {
		next = seqs[len(seqs)-1] + 1
	}
	if err := s.fs.MkdirAll(s.dir(filename), 0755); err != nil {
		s.Discard(p)
		return 0, fmt.Errorf("failed to create file directory: %w", err)
	}
	if err := s.fs.Rename(p.path, s.versionPath(filename, next)); err != nil {
		s.Discard(p)
		return 0, fmt.Errorf("failed to commit version: %w", err)
	}

	s.logger.Info("Committed version",
		zap.String("file", filename),
		zap.Int("version", len(seqs)+1),
		zap.String("size", humanize.IBytes(uint64(p.Size))))
	return len(seqs) + 1, nil
}

// Discard drops a held body.
func (s *Store) Discard(p *Pending) {
	if p == nil {
		return
	}
	if err := s.fs.Remove(p.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove holding file", zap.String("path", p.path), zap.Error(err))
	}
}

func (s *Store) Has(filename string) bool {
	n, _ := s.VersionCount(filename)
	return n > 0
}

func (s *Store) VersionCount(filename string) (int, error) {
	if err := ValidateName(filename); err != nil {
		return 0, err
	}
	unlock := s.locks.Lock(filename)
	defer unlock()
	seqs, err := s.versions(filename)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	return len(seqs), err
}

// Names lists locally stored filenames in sorted order.
func (s *Store) Names() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, filesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, err := url.PathUnescape(e.Name())
		if err != nil {
			s.logger.Warn("Skipping unrecognized entry", zap.String("entry", e.Name()))
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// List describes every locally stored file.
func (s *Store) List() ([]types.FileInfo, error) {
	names, err := s.Names()
	if err != nil {
		return nil, err
	}
	infos := make([]types.FileInfo, 0, len(names))
	for _, name := range names {
		info, err := s.stat(name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Store) stat(filename string) (types.FileInfo, error) {
	unlock := s.locks.Lock(filename)
	defer unlock()
	seqs, err := s.versions(filename)
	if err != nil {
		return types.FileInfo{}, err
	}
	fi, err := s.fs.Stat(s.versionPath(filename, seqs[len(seqs)-1]))
	if err != nil {
		return types.FileInfo{}, fmt.Errorf("failed to stat %s: %w", filename, err)
	}
	return types.FileInfo{Name: filename, Versions: len(seqs), Size: fi.Size()}, nil
}

// OpenLatest opens the newest version of filename.
func (s *Store) OpenLatest(filename string) (io.ReadCloser, int64, error) {
	set, err := s.OpenVersions(filename, 1)
	if err != nil {
		return nil, 0, err
	}
	v := set.Versions[0]
	return v.file, v.Size, nil
}

// Delete removes every version of filename and reports whether it existed.
func (s *Store) Delete(filename string) (bool, error) {
	if err := ValidateName(filename); err != nil {
		return false, err
	}
	unlock := s.locks.Lock(filename)
	defer unlock()

	exists, err := afero.DirExists(s.fs, s.dir(filename))
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", filename, err)
	}
	if !exists {
		return false, nil
	}
	if err := s.fs.RemoveAll(s.dir(filename)); err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", filename, err)
	}
	s.logger.Info("Deleted file", zap.String("file", filename))
	return true, nil
}

func (s *Store) dir(filename string) string {
	return path.Join(filesDir, url.PathEscape(filename))
}

func (s *Store) versionPath(filename string, seq int) string {
	return path.Join(s.dir(filename), fmt.Sprintf("%08d", seq))
}

// versions returns the sorted version sequence numbers. Caller holds the lock.
func (s *Store) versions(filename string) ([]int, error) {
	entries, err := afero.ReadDir(s.fs, s.dir(filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read versions of %s: %w", filename, err)
	}
	seqs := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	if len(seqs) == 0 {
		return nil, ErrNotFound
	}
	sort.Ints(seqs)
	return seqs, nil
}
