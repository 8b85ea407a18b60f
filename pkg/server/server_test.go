package server_test

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sdfs/pkg/client"
	"sdfs/pkg/membership"
	"sdfs/pkg/replication"
	"sdfs/pkg/server"
	"sdfs/pkg/storage"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const selfID = types.NodeID("127.0.0.1:7000")

type fixture struct {
	addr    string
	members *membership.Store
	client  *client.Client
	quits   *atomic.Int32
	logFile string
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	members := membership.New(selfID, logger, nil)
	files, err := storage.New(afero.NewMemMapFs(), 1<<20, logger)
	require.NoError(t, err)
	coordinator := replication.NewCoordinator(members, files, transport.NewOffsetResolver(nil),
		replication.Config{ReplicationFactor: 4, SignalTimeout: time.Second}, logger, nil)

	logFile := filepath.Join(t.TempDir(), "node.log")
	require.NoError(t, os.WriteFile(logFile, []byte("New member list a\nCommitted version b\nNew member list c\n"), 0644))

	quits := &atomic.Int32{}
	srv := server.New(members, coordinator, server.Config{LogFile: logFile, TransferTimeout: 5 * time.Second, SignalTimeout: time.Second},
		func() { quits.Add(1) }, logger, nil)

	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{
		addr:    ln.Addr().String(),
		members: members,
		client:  client.New([]string{ln.Addr().String()}, 5*time.Second, logger),
		quits:   quits,
		logFile: logFile,
	}
}

func rawCommand(t *testing.T, addr, line string) string {
	conn, err := transport.Dial(context.Background(), addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, transport.WriteLine(conn, line))
	reply, err := transport.ReadLine(bufio.NewReader(conn))
	require.NoError(t, err)
	return reply
}

func writeLocal(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "local.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestPrint(t *testing.T) {
	f := newFixture(t)
	f.members.Add("127.0.0.1:7100")

	views := f.client.Members(context.Background())
	require.Len(t, views, 1)
	require.NoError(t, views[0].Err)
	assert.Equal(t, selfID, views[0].Self)
	assert.Equal(t, []types.NodeID{selfID, "127.0.0.1:7100"}, views[0].Members)

	assert.Equal(t, "My ID is: 127.0.0.1:7000", rawCommand(t, f.addr, "print"))
}

func TestPutGetLsDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results := f.client.Put(ctx, writeLocal(t, "hello world"), "greeting.txt")
	require.NoError(t, results[0].Err)
	assert.Equal(t, []string{server.ReplySaved}, results[0].Lines)
	assert.True(t, client.Saved(results))

	ls := f.client.Ls(ctx, "greeting.txt")
	assert.Equal(t, []string{server.ReplyFound}, ls[0].Lines)
	ls = f.client.Ls(ctx, "other.txt")
	assert.Equal(t, []string{server.ReplyNotFound}, ls[0].Lines)

	out := filepath.Join(t.TempDir(), "out.txt")
	srv, err := f.client.Get(ctx, "greeting.txt", out)
	require.NoError(t, err)
	assert.Equal(t, f.addr, srv)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	del := f.client.Delete(ctx, "greeting.txt")
	assert.Equal(t, []string{"Deleted greeting.txt"}, del[0].Lines)
	del = f.client.Delete(ctx, "greeting.txt")
	assert.Equal(t, []string{"File did not exist greeting.txt"}, del[0].Lines)

	_, err = f.client.Get(ctx, "greeting.txt", out)
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty := f.client.Store(ctx)
	require.NoError(t, empty[0].Err)
	assert.Empty(t, empty[0].Lines)

	require.True(t, client.Saved(f.client.Put(ctx, writeLocal(t, "v1"), "a.txt")))
	require.True(t, client.Saved(f.client.Put(ctx, writeLocal(t, "version2"), "a.txt")))
	require.True(t, client.Saved(f.client.Put(ctx, writeLocal(t, "b"), "b.txt")))

	results := f.client.Store(ctx)
	require.NoError(t, results[0].Err)
	files, err := client.ParseStore(results[0].Lines)
	require.NoError(t, err)
	assert.Equal(t, []types.FileInfo{
		{Name: "a.txt", Versions: 2, Size: 8},
		{Name: "b.txt", Versions: 1, Size: 1},
	}, files)
}

func TestGetVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, v := range []string{"one,", "two,", "three"} {
		require.True(t, client.Saved(f.client.Put(ctx, writeLocal(t, v), "hist.txt")))
	}

	out := filepath.Join(t.TempDir(), "versions.txt")
	_, err := f.client.GetVersions(ctx, "hist.txt", 2, out)
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "two,three", string(data))

	_, err = f.client.GetVersions(ctx, "hist.txt", 4, out)
	assert.ErrorIs(t, err, storage.ErrNotEnoughVersions)

	_, err = f.client.GetVersions(ctx, "missing.txt", 1, out)
	assert.ErrorIs(t, err, client.ErrNotFound)

	_, err = f.client.GetVersions(ctx, "hist.txt", 0, out)
	assert.Error(t, err)
}

func TestGrepAndLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.client.Grep(ctx, "New member")
	require.NoError(t, res[0].Err)
	assert.Equal(t, []string{"New member list a", "New member list c"}, res[0].Lines)

	res = f.client.Grep(ctx, "(")
	assert.Error(t, res[0].Err)

	res = f.client.Log(ctx, selfID)
	require.NoError(t, res[0].Err)
	assert.Len(t, res[0].Lines, 3)

	res = f.client.Log(ctx, "127.0.0.1:9999")
	require.NoError(t, res[0].Err)
	assert.Empty(t, res[0].Lines)
}

func TestQuit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.members.Add("127.0.0.1:7100")

	res := f.client.Quit(ctx, "127.0.0.1:7100")
	assert.Equal(t, []string{"127.0.0.1:7100 naturally exited."}, res[0].Lines)
	assert.False(t, f.members.Contains("127.0.0.1:7100"))
	assert.Equal(t, int32(0), f.quits.Load())

	res = f.client.Quit(ctx, selfID)
	require.NoError(t, res[0].Err)
	assert.Equal(t, int32(1), f.quits.Load())
	assert.True(t, f.members.Contains(selfID))
}

func TestMalformedCommands(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		line   string
		expect string
	}{
		{"bogus", `error: unknown command "bogus"`},
		{"ls", "error: usage: ls <filename>"},
		{"put only-one", "error: usage: put <localname> <filename>"},
		{"quit", "error: usage: quit <id>"},
		{"get-versions f.txt lots", `error: version count "lots" is not a number`},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.expect, rawCommand(t, f.addr, tt.line))
		})
	}

	// the server keeps serving after bad input
	assert.True(t, strings.HasPrefix(rawCommand(t, f.addr, "print"), "My ID is:"))
}
