package storage

import (
	"errors"
	"fmt"
	"io"

	"sdfs/pkg/transport"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// maxStreamVersions bounds the count prefix of an incoming history stream.
const maxStreamVersions = 1 << 20

// Version is one opened version file.
type Version struct {
	Seq  int
	Size int64
	file afero.File
}

// VersionSet is a run of opened versions, oldest first. It is written as
// a history stream: count, then length and bytes per version.
type VersionSet struct {
	Filename string
	Versions []Version
}

// TotalSize is the sum of the version sizes.
func (vs *VersionSet) TotalSize() int64 {
	var total int64
	for _, v := range vs.Versions {
		total += v.Size
	}
	return total
}

func (vs *VersionSet) WriteTo(w io.Writer) (int64, error) {
	var written int64
	if err := transport.WriteUint64(w, uint64(len(vs.Versions))); err != nil {
		return written, err
	}
	written += 8
	for _, v := range vs.Versions {
		if err := transport.WriteUint64(w, uint64(v.Size)); err != nil {
			return written, err
		}
		written += 8
		if err := transport.CopyN(w, v.file, v.Size); err != nil {
			return written, fmt.Errorf("failed to send version %d of %s: %w", v.Seq, vs.Filename, err)
		}
		written += v.Size
	}
	return written, nil
}

func (vs *VersionSet) Close() error {
	var first error
	for _, v := range vs.Versions {
		if err := v.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenVersions opens the n most recent versions of filename, oldest first.
func (s *Store) OpenVersions(filename string, n int) (*VersionSet, error) {
	if err := ValidateName(filename); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, ErrInvalidVersionCount
	}
	unlock := s.locks.Lock(filename)
	defer unlock()

	seqs, err := s.versions(filename)
	if err != nil {
		return nil, err
	}
	if n > len(seqs) {
		return nil, fmt.Errorf("%w: requested %d, have %d", ErrNotEnoughVersions, n, len(seqs))
	}

	set := &VersionSet{Filename: filename}
	for _, seq := range seqs[len(seqs)-n:] {
		f, err := s.fs.Open(s.versionPath(filename, seq))
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("failed to open version %d of %s: %w", seq, filename, err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			set.Close()
			return nil, fmt.Errorf("failed to stat version %d of %s: %w", seq, filename, err)
		}
		set.Versions = append(set.Versions, Version{Seq: seq, Size: fi.Size(), file: f})
	}
	return set, nil
}

// Export opens the whole history of filename.
func (s *Store) Export(filename string) (*VersionSet, error) {
	count, err := s.VersionCount(filename)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNotFound
	}
	return s.OpenVersions(filename, count)
}

// ReadHistory walks a history stream and hands each version body to fn in
// order. fn must consume exactly size bytes of body. Versions longer than
// limit are rejected; zero disables the bound. It returns the number of
// versions read.
func ReadHistory(r io.Reader, limit int64, fn func(size int64, body io.Reader) error) (int, error) {
	count, err := transport.ReadUint64(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read version count: %w", err)
	}
	if count > maxStreamVersions {
		return 0, fmt.Errorf("invalid version count %d in stream", count)
	}
	for i := uint64(0); i < count; i++ {
		n, err := transport.ReadLength(r, limit)
		if err != nil {
			if errors.Is(err, transport.ErrTooLarge) {
				return int(i), fmt.Errorf("%w: %v", ErrTooLarge, err)
			}
			return int(i), fmt.Errorf("failed to read length of version %d: %w", i+1, err)
		}
		if err := fn(n, r); err != nil {
			return int(i), err
		}
	}
	return int(count), nil
}

// CopyVersions writes the versions of a history stream to w back to back,
// the way a client saves them as one local file.
func CopyVersions(w io.Writer, r io.Reader, limit int64) (int, error) {
	return ReadHistory(r, limit, func(size int64, body io.Reader) error {
		return transport.CopyN(w, body, size)
	})
}

// ImportIfAbsent reads a history stream and installs it as filename's
// versions unless the file already exists locally. The whole stream is
// consumed either way. It reports whether the history was installed, and
// returns ErrReceiving when a put of filename is in flight.
func (s *Store) ImportIfAbsent(filename string, r io.Reader) (bool, error) {
	if err := ValidateName(filename); err != nil {
		return false, err
	}

	var held []*Pending
	discardAll := func() {
		for _, p := range held {
			s.Discard(p)
		}
	}
	_, err := ReadHistory(r, s.maxSize, func(size int64, body io.Reader) error {
		p, err := s.Hold(body, size)
		if err != nil {
			return err
		}
		held = append(held, p)
		return nil
	})
	if err != nil {
		discardAll()
		return false, err
	}
	if len(held) == 0 {
		return false, errors.New("invalid version count 0 in stream")
	}

	unlock := s.locks.Lock(filename)
	defer unlock()

	if s.receiving.Held(filename) {
		discardAll()
		return false, fmt.Errorf("%w: %s", ErrReceiving, filename)
	}
	if _, err := s.versions(filename); err == nil {
		discardAll()
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		discardAll()
		return false, err
	}

	if err := s.fs.MkdirAll(s.dir(filename), 0755); err != nil {
		discardAll()
		return false, fmt.Errorf("failed to create file directory: %w", err)
	}
	for i, p := range held {
		if err := s.fs.Rename(p.path, s.versionPath(filename, i+1)); err != nil {
			discardAll()
			s.fs.RemoveAll(s.dir(filename))
			return false, fmt.Errorf("failed to install version %d of %s: %w", i+1, filename, err)
		}
	}
	s.logger.Info("Imported replica", zap.String("file", filename), zap.Int("versions", len(held)))
	return true, nil
}
