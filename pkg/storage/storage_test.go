package storage

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"sdfs/pkg/transport"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newStore(t *testing.T) (*Store, afero.Fs) {
	fs := afero.NewMemMapFs()
	s, err := New(fs, 1<<20, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, fs
}

func put(t *testing.T, s *Store, name, content string) int {
	p, err := s.Hold(strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	v, err := s.Commit(p, name)
	require.NoError(t, err)
	return v
}

func TestCommitAppendsVersions(t *testing.T) {
	s, _ := newStore(t)

	assert.Equal(t, 1, put(t, s, "notes.txt", "one"))
	assert.Equal(t, 2, put(t, s, "notes.txt", "two"))
	assert.Equal(t, 3, put(t, s, "notes.txt", "three"))

	assert.True(t, s.Has("notes.txt"))
	n, err := s.VersionCount("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rc, size, err := s.OpenLatest("notes.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "three", string(data))
	assert.Equal(t, int64(5), size)
}

func TestDiscardLeavesNothing(t *testing.T) {
	s, fs := newStore(t)

	p, err := s.Hold(strings.NewReader("body"), 4)
	require.NoError(t, err)
	s.Discard(p)

	assert.False(t, s.Has("a.txt"))
	entries, err := afero.ReadDir(fs, tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHoldShortBody(t *testing.T) {
	s, fs := newStore(t)

	_, err := s.Hold(strings.NewReader("abc"), 10)
	assert.Error(t, err)
	entries, err := afero.ReadDir(fs, tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// encodeHistory builds a history stream from in-memory versions.
func encodeHistory(t *testing.T, versions ...string) []byte {
	var buf bytes.Buffer
	require.NoError(t, transport.WriteUint64(&buf, uint64(len(versions))))
	for _, v := range versions {
		require.NoError(t, transport.WriteBlob(&buf, []byte(v)))
	}
	return buf.Bytes()
}

func decodeHistory(r io.Reader) ([][]byte, error) {
	var out [][]byte
	_, err := ReadHistory(r, 0, func(size int64, body io.Reader) error {
		data, err := io.ReadAll(io.LimitReader(body, size))
		if err != nil {
			return err
		}
		if int64(len(data)) != size {
			return io.ErrUnexpectedEOF
		}
		out = append(out, data)
		return nil
	})
	return out, err
}

// readVersions returns the contents of the n most recent versions, oldest first.
func readVersions(s *Store, name string, n int) ([][]byte, error) {
	set, err := s.OpenVersions(name, n)
	if err != nil {
		return nil, err
	}
	defer set.Close()
	var buf bytes.Buffer
	if _, err := set.WriteTo(&buf); err != nil {
		return nil, err
	}
	return decodeHistory(&buf)
}

func TestHoldRejectsOversize(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Hold(strings.NewReader(""), 2<<20)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestOpenVersions(t *testing.T) {
	s, _ := newStore(t)
	put(t, s, "log.txt", "v1")
	put(t, s, "log.txt", "v2")
	put(t, s, "log.txt", "v3")

	got, err := readVersions(s, "log.txt", 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("v2"), []byte("v3")}, got)

	set, err := s.OpenVersions("log.txt", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(6), set.TotalSize())
	var stream, joined bytes.Buffer
	_, err = set.WriteTo(&stream)
	require.NoError(t, err)
	require.NoError(t, set.Close())
	n, err := CopyVersions(&joined, &stream, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "v1v2v3", joined.String())

	_, err = s.OpenVersions("log.txt", 4)
	assert.ErrorIs(t, err, ErrNotEnoughVersions)

	_, err = s.OpenVersions("log.txt", 0)
	assert.ErrorIs(t, err, ErrInvalidVersionCount)

	_, err = s.OpenVersions("missing.txt", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	s, _ := newStore(t)
	put(t, s, "a.txt", "x")

	existed, err := s.Delete("a.txt")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, s.Has("a.txt"))

	existed, err = s.Delete("a.txt")
	require.NoError(t, err)
	assert.False(t, existed)

	// versions restart after a delete
	assert.Equal(t, 1, put(t, s, "a.txt", "fresh"))
}

func TestListAndNames(t *testing.T) {
	s, _ := newStore(t)
	put(t, s, "b/nested.txt", "12345")
	put(t, s, "a.txt", "1")
	put(t, s, "a.txt", "22")

	names, err := s.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b/nested.txt"}, names)

	infos, err := s.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a.txt", infos[0].Name)
	assert.Equal(t, 2, infos[0].Versions)
	assert.Equal(t, int64(2), infos[0].Size)
	assert.Equal(t, int64(5), infos[1].Size)
}

func TestValidateName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "has space", "tab\tname"} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, bad)
	}
	assert.NoError(t, ValidateName("dir/file.txt"))
	assert.NoError(t, ValidateName("%weird%"))
}

func TestExportImportRoundTrip(t *testing.T) {
	src, _ := newStore(t)
	dst, _ := newStore(t)

	// content containing the old delimiter must survive intact
	tricky := string([]byte{0xDE, 0xAD, 0xBE, 0xEF, 'x', 0xDE, 0xAD, 0xBE, 0xEF})
	put(t, src, "bin.dat", tricky)
	put(t, src, "bin.dat", "")
	put(t, src, "bin.dat", "last")

	set, err := src.Export("bin.dat")
	require.NoError(t, err)
	var buf bytes.Buffer
	n, err := set.WriteTo(&buf)
	require.NoError(t, err)
	require.NoError(t, set.Close())
	assert.Equal(t, int64(buf.Len()), n)
	stream := buf.Bytes()

	installed, err := dst.ImportIfAbsent("bin.dat", bytes.NewReader(stream))
	require.NoError(t, err)
	assert.True(t, installed)

	got, err := readVersions(dst, "bin.dat", 3)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte(tricky), {}, []byte("last")}, got)

	// a second push is a no-op
	installed, err = dst.ImportIfAbsent("bin.dat", bytes.NewReader(stream))
	require.NoError(t, err)
	assert.False(t, installed)
	count, err := dst.VersionCount("bin.dat")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestImportTruncatedStream(t *testing.T) {
	s, fs := newStore(t)

	stream := encodeHistory(t, "aaaa", "bbbb")
	truncated := stream[:len(stream)-2]

	installed, err := s.ImportIfAbsent("t.txt", bytes.NewReader(truncated))
	assert.Error(t, err)
	assert.False(t, installed)
	assert.False(t, s.Has("t.txt"))

	entries, err := afero.ReadDir(fs, tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadHistory(t *testing.T) {
	tests := []struct {
		name    string
		stream  []byte
		limit   int64
		expects string
		count   int
		err     error
	}{
		{"concatenates in order", encodeHistory(t, "first", "", "\xde\xad"), 0, "first\xde\xad", 3, nil},
		{"empty history", encodeHistory(t), 0, "", 0, nil},
		{"version over limit", encodeHistory(t, "ok", "too long"), 4, "ok", 1, ErrTooLarge},
		{"truncated body", encodeHistory(t, "abcdef")[:12], 0, "", 0, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			n, err := CopyVersions(&out, bytes.NewReader(tt.stream), tt.limit)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.count, n)
			if tt.err == nil {
				assert.Equal(t, tt.expects, out.String())
			}
		})
	}

	_, err := CopyVersions(io.Discard, bytes.NewReader(nil), 0)
	assert.Error(t, err)
}

func TestImportRefusedWhileReceiving(t *testing.T) {
	s, fs := newStore(t)
	stream := encodeHistory(t, "replica")

	release := s.BeginReceive("busy.txt")
	nested := s.BeginReceive("busy.txt")
	assert.True(t, s.Receiving("busy.txt"))
	assert.False(t, s.Receiving("other.txt"))

	installed, err := s.ImportIfAbsent("busy.txt", bytes.NewReader(stream))
	assert.ErrorIs(t, err, ErrReceiving)
	assert.False(t, installed)
	assert.False(t, s.Has("busy.txt"))

	entries, err := afero.ReadDir(fs, tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// releases nest and are idempotent
	nested()
	nested()
	assert.True(t, s.Receiving("busy.txt"))
	release()
	assert.False(t, s.Receiving("busy.txt"))

	installed, err = s.ImportIfAbsent("busy.txt", bytes.NewReader(stream))
	require.NoError(t, err)
	assert.True(t, installed)
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	s, _ := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf("v%02d", i)
			p, err := s.Hold(strings.NewReader(body), int64(len(body)))
			if err != nil {
				return
			}
			s.Commit(p, "shared.txt")
		}(i)
	}
	wg.Wait()

	n, err := s.VersionCount("shared.txt")
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, 0, s.locks.size())
}

func TestNewClearsStaleHoldingArea(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(tmpDir, 0755))
	require.NoError(t, afero.WriteFile(fs, tmpDir+"/stale", []byte("x"), 0644))

	_, err := New(fs, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	entries, err := afero.ReadDir(fs, tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
