package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"sdfs/pkg/server"
	"sdfs/pkg/storage"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when no server holds the requested file.
var ErrNotFound = errors.New("file not found on any server")

// Result is one server's answer to a fanned-out command.
type Result struct {
	Server string
	Lines  []string
	Err    error
}

// Client sends every command to all configured servers concurrently.
type Client struct {
	servers []string
	timeout time.Duration
	logger  *zap.Logger
}

func New(servers []string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{servers: servers, timeout: timeout, logger: logger}
}

func (c *Client) Servers() []string { return c.servers }

// fanOut runs fn against every server and returns the results in server order.
func (c *Client) fanOut(ctx context.Context, fn func(ctx context.Context, server string) ([]string, error)) []Result {
	results := make([]Result, len(c.servers))
	var g errgroup.Group
	for i, srv := range c.servers {
		i, srv := i, srv
		g.Go(func() error {
			lines, err := fn(ctx, srv)
			if err != nil {
				c.logger.Debug("Server command failed", zap.String("server", srv), zap.Error(err))
			}
			results[i] = Result{Server: srv, Lines: lines, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

func (c *Client) dial(ctx context.Context, srv string) (io.ReadWriteCloser, *bufio.Reader, error) {
	conn, err := transport.Dial(ctx, srv, c.timeout)
	if err != nil {
		return nil, nil, err
	}
	return conn, bufio.NewReader(conn), nil
}

// lineCommand sends line and reads text lines until the server closes.
func (c *Client) lineCommand(ctx context.Context, srv, line string) ([]string, error) {
	conn, r, err := c.dial(ctx, srv)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := transport.WriteLine(conn, line); err != nil {
		return nil, err
	}
	var lines []string
	for {
		l, err := transport.ReadLine(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return lines, err
		}
		lines = append(lines, l)
	}
	if len(lines) > 0 && strings.HasPrefix(lines[0], server.ErrorPrefix) {
		return lines, errors.New(strings.TrimPrefix(lines[0], server.ErrorPrefix))
	}
	return lines, nil
}

func (c *Client) broadcast(ctx context.Context, line string) []Result {
	return c.fanOut(ctx, func(ctx context.Context, srv string) ([]string, error) {
		return c.lineCommand(ctx, srv, line)
	})
}

// MemberView is one server's membership list.
type MemberView struct {
	Server  string
	Self    types.NodeID
	Members []types.NodeID
	Err     error
}

func (c *Client) Members(ctx context.Context) []MemberView {
	results := c.broadcast(ctx, "print")
	views := make([]MemberView, len(results))
	for i, res := range results {
		views[i] = parsePrint(res)
	}
	return views
}

func parsePrint(res Result) MemberView {
	v := MemberView{Server: res.Server, Err: res.Err}
	if res.Err != nil {
		return v
	}
	if len(res.Lines) < 2 {
		v.Err = fmt.Errorf("short membership reply from %s", res.Server)
		return v
	}
	v.Self = types.NodeID(strings.TrimPrefix(res.Lines[0], "My ID is: "))
	for _, l := range res.Lines[2:] {
		if l != "" {
			v.Members = append(v.Members, types.NodeID(l))
		}
	}
	return v
}

func (c *Client) Grep(ctx context.Context, pattern string) []Result {
	return c.broadcast(ctx, "grep "+pattern)
}

func (c *Client) Log(ctx context.Context, id types.NodeID) []Result {
	return c.broadcast(ctx, "log "+string(id))
}

func (c *Client) Quit(ctx context.Context, id types.NodeID) []Result {
	return c.broadcast(ctx, "quit "+string(id))
}

func (c *Client) Ls(ctx context.Context, filename string) []Result {
	return c.broadcast(ctx, "ls "+filename)
}

func (c *Client) Delete(ctx context.Context, filename string) []Result {
	return c.broadcast(ctx, "delete "+filename)
}

// Store asks every server which files it holds locally.
func (c *Client) Store(ctx context.Context) []Result {
	return c.broadcast(ctx, "store")
}

// ParseStore decodes the lines of a store reply.
func ParseStore(lines []string) ([]types.FileInfo, error) {
	files := make([]types.FileInfo, 0, len(lines))
	for _, l := range lines {
		fields := strings.Fields(l)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed store line %q", l)
		}
		versions, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed version count in %q", l)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed size in %q", l)
		}
		files = append(files, types.FileInfo{Name: fields[0], Versions: versions, Size: size})
	}
	return files, nil
}

// Put streams the local file to every server. Each server keeps or
// discards it as the coordinator decides.
func (c *Client) Put(ctx context.Context, localPath, filename string) []Result {
	return c.fanOut(ctx, func(ctx context.Context, srv string) ([]string, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}

		conn, r, err := c.dial(ctx, srv)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		w := bufio.NewWriter(conn)
		if err := transport.WriteLine(w, fmt.Sprintf("put %s %s", filepath.Base(localPath), filename)); err != nil {
			return nil, err
		}
		if err := transport.WriteUint64(w, uint64(fi.Size())); err != nil {
			return nil, err
		}
		if err := transport.CopyN(w, f, fi.Size()); err != nil {
			return nil, err
		}
		if err := w.Flush(); err != nil {
			return nil, err
		}

		reply, err := transport.ReadLine(r)
		if err != nil {
			return nil, fmt.Errorf("no reply to put: %w", err)
		}
		if strings.HasPrefix(reply, server.ErrorPrefix) {
			return []string{reply}, errors.New(strings.TrimPrefix(reply, server.ErrorPrefix))
		}
		return []string{reply}, nil
	})
}

// Saved reports whether any server kept the put.
func Saved(results []Result) bool {
	for _, r := range results {
		if r.Err == nil && len(r.Lines) > 0 && r.Lines[0] == server.ReplySaved {
			return true
		}
	}
	return false
}

// Get writes the latest version of filename from the first server that
// has it to localPath and returns that server.
func (c *Client) Get(ctx context.Context, filename, localPath string) (string, error) {
	return c.firstDownload(ctx, localPath, func(ctx context.Context, srv string, w io.Writer) error {
		conn, r, err := c.dial(ctx, srv)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := transport.WriteLine(conn, "get "+filename); err != nil {
			return err
		}
		status, err := readStatus(r)
		if err != nil {
			return err
		}
		if status != server.StatusPresent {
			return ErrNotFound
		}
		n, err := transport.ReadLength(r, 0)
		if err != nil {
			return err
		}
		return transport.CopyN(w, r, n)
	})
}

// GetVersions writes the n most recent versions of filename, oldest first,
// concatenated into localPath.
func (c *Client) GetVersions(ctx context.Context, filename string, n int, localPath string) (string, error) {
	return c.firstDownload(ctx, localPath, func(ctx context.Context, srv string, w io.Writer) error {
		conn, r, err := c.dial(ctx, srv)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := transport.WriteLine(conn, "get-versions "+filename+" "+strconv.Itoa(n)); err != nil {
			return err
		}
		status, err := readStatus(r)
		if err != nil {
			return err
		}
		switch status {
		case server.StatusAbsent:
			return ErrNotFound
		case server.StatusUnsatisfiable:
			msg, _ := transport.ReadLine(r)
			return &UnsatisfiableError{Server: srv, Reason: msg}
		}

		_, err = storage.CopyVersions(w, r, 0)
		return err
	})
}

// UnsatisfiableError reports a get-versions request the server could not meet.
type UnsatisfiableError struct {
	Server string
	Reason string
}

func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf("%s: %s", e.Server, e.Reason)
}

// Is matches storage.ErrNotEnoughVersions so callers can test for it.
func (e *UnsatisfiableError) Is(target error) bool {
	return target == storage.ErrNotEnoughVersions
}

// readStatus reads the status byte. A reply that starts with a text error
// line is returned as an error.
func readStatus(r *bufio.Reader) (byte, error) {
	b, err := transport.ReadByte(r)
	if err != nil {
		return 0, fmt.Errorf("no status from server: %w", err)
	}
	if b <= server.StatusUnsatisfiable {
		return b, nil
	}
	rest, _ := transport.ReadLine(r)
	line := string([]byte{b}) + rest
	return 0, errors.New(strings.TrimPrefix(line, server.ErrorPrefix))
}

// firstDownload queries every server concurrently; the first complete
// download is moved to localPath and the rest are dropped.
func (c *Client) firstDownload(ctx context.Context, localPath string, fetch func(ctx context.Context, srv string, w io.Writer) error) (string, error) {
	if len(c.servers) == 0 {
		return "", fmt.Errorf("no servers configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		winner string
		errs   []error
	)
	var g errgroup.Group
	for _, srv := range c.servers {
		srv := srv
		g.Go(func() error {
			tmp := fmt.Sprintf("%s.%s.part", localPath, uuid.NewString())
			err := c.downloadTo(ctx, srv, tmp, fetch)

			mu.Lock()
			defer mu.Unlock()
			if err == nil && winner == "" {
				if err = os.Rename(tmp, localPath); err == nil {
					winner = srv
					cancel()
					return nil
				}
			}
			os.Remove(tmp)
			if err != nil && winner == "" {
				errs = append(errs, err)
			}
			return nil
		})
	}
	g.Wait()

	if winner != "" {
		return winner, nil
	}
	for _, err := range errs {
		if !errors.Is(err, ErrNotFound) {
			return "", errors.Join(errs...)
		}
	}
	return "", ErrNotFound
}

func (c *Client) downloadTo(ctx context.Context, srv, path string, fetch func(ctx context.Context, srv string, w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := fetch(ctx, srv, bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
