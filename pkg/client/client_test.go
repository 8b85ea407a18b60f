package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sdfs/pkg/server"
	"sdfs/pkg/storage"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// cannedServer answers every connection with reply after reading the
// command line. It returns the address to dial.
func cannedServer(t *testing.T, reply []byte) string {
	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				if _, err := transport.ReadLine(bufio.NewReader(conn)); err != nil {
					return
				}
				conn.Write(reply)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func history(t *testing.T, versions ...string) []byte {
	var buf bytes.Buffer
	require.NoError(t, transport.WriteUint64(&buf, uint64(len(versions))))
	for _, v := range versions {
		require.NoError(t, transport.WriteBlob(&buf, []byte(v)))
	}
	return buf.Bytes()
}

func TestParseStore(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		expects []types.FileInfo
		wantErr string
	}{
		{
			name:  "two files",
			lines: []string{"a.txt 3 120", "dir/b.bin 1 0"},
			expects: []types.FileInfo{
				{Name: "a.txt", Versions: 3, Size: 120},
				{Name: "dir/b.bin", Versions: 1, Size: 0},
			},
		},
		{name: "empty store", lines: nil, expects: []types.FileInfo{}},
		{name: "missing field", lines: []string{"a.txt 3"}, wantErr: "malformed store line"},
		{name: "extra field", lines: []string{"a.txt 3 4 5"}, wantErr: "malformed store line"},
		{name: "bad version count", lines: []string{"a.txt x 4"}, wantErr: "malformed version count"},
		{name: "bad size", lines: []string{"a.txt 1 big"}, wantErr: "malformed size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStore(tt.lines)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expects, got)
		})
	}
}

func TestReadStatus(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		expects byte
		wantErr string
	}{
		{name: "absent", reply: string([]byte{server.StatusAbsent}), expects: server.StatusAbsent},
		{name: "present", reply: string([]byte{server.StatusPresent, 0xFF}), expects: server.StatusPresent},
		{name: "unsatisfiable", reply: string([]byte{server.StatusUnsatisfiable}), expects: server.StatusUnsatisfiable},
		{name: "error line", reply: server.ErrorPrefix + "bad\n", wantErr: "bad"},
		{name: "bare text", reply: "oops\n", wantErr: "oops"},
		{name: "no reply", reply: "", wantErr: "no status from server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readStatus(bufio.NewReader(strings.NewReader(tt.reply)))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.NotContains(t, err.Error(), server.ErrorPrefix)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expects, got)
		})
	}
}

func TestFirstDownloadAggregatesErrors(t *testing.T) {
	unsatisfiable := &UnsatisfiableError{Server: "b", Reason: "only 1 version"}
	tests := []struct {
		name     string
		servers  []string
		results  map[string]error
		notFound bool
		tooFew   bool
	}{
		{
			name:     "every server lacks the file",
			servers:  []string{"a", "b"},
			results:  map[string]error{"a": ErrNotFound, "b": ErrNotFound},
			notFound: true,
		},
		{
			name:    "one server has too few versions",
			servers: []string{"a", "b"},
			results: map[string]error{"a": ErrNotFound, "b": unsatisfiable},
			tooFew:  true,
		},
		{
			name:    "transport failure is reported",
			servers: []string{"a", "b"},
			results: map[string]error{"a": ErrNotFound, "b": errors.New("connection refused")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.servers, time.Second, zaptest.NewLogger(t))
			local := filepath.Join(t.TempDir(), "out")
			_, err := c.firstDownload(context.Background(), local, func(ctx context.Context, srv string, w io.Writer) error {
				return tt.results[srv]
			})
			require.Error(t, err)
			if tt.notFound {
				assert.Equal(t, ErrNotFound, err)
			} else {
				assert.NotEqual(t, ErrNotFound, err)
			}
			assert.Equal(t, tt.tooFew, errors.Is(err, storage.ErrNotEnoughVersions))
			assert.NoFileExists(t, local)

			parts, _ := filepath.Glob(local + ".*.part")
			assert.Empty(t, parts)
		})
	}
}

func TestFirstDownloadPicksOneWinner(t *testing.T) {
	c := New([]string{"slow", "fast", "missing"}, time.Second, zaptest.NewLogger(t))
	local := filepath.Join(t.TempDir(), "out")

	winner, err := c.firstDownload(context.Background(), local, func(ctx context.Context, srv string, w io.Writer) error {
		switch srv {
		case "fast":
			_, err := io.WriteString(w, "payload")
			return err
		case "slow":
			<-ctx.Done()
			return ctx.Err()
		}
		return ErrNotFound
	})
	require.NoError(t, err)
	assert.Equal(t, "fast", winner)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	parts, _ := filepath.Glob(local + ".*.part")
	assert.Empty(t, parts)
}

func TestFirstDownloadWithoutServers(t *testing.T) {
	_, err := New(nil, time.Second, nil).firstDownload(context.Background(), filepath.Join(t.TempDir(), "out"),
		func(ctx context.Context, srv string, w io.Writer) error { return nil })
	assert.Error(t, err)
}

func TestGetVersionsConcatenates(t *testing.T) {
	reply := append([]byte{server.StatusPresent}, history(t, "one,", "two,", "three")...)
	absent := []byte{server.StatusAbsent}
	c := New([]string{cannedServer(t, absent), cannedServer(t, reply)}, time.Second, zaptest.NewLogger(t))

	local := filepath.Join(t.TempDir(), "versions.txt")
	_, err := c.GetVersions(context.Background(), "log.txt", 3, local)
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "one,two,three", string(data))
}

func TestGetVersionsUnsatisfiable(t *testing.T) {
	reply := append([]byte{server.StatusUnsatisfiable}, []byte("have 1 version\n")...)
	addr := cannedServer(t, reply)
	c := New([]string{addr}, time.Second, zaptest.NewLogger(t))

	_, err := c.GetVersions(context.Background(), "log.txt", 5, filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotEnoughVersions)

	var unsat *UnsatisfiableError
	require.ErrorAs(t, err, &unsat)
	assert.Equal(t, addr, unsat.Server)
	assert.Equal(t, "have 1 version", unsat.Reason)
}
