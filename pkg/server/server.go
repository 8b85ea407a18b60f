package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"sdfs/pkg/logging"
	"sdfs/pkg/membership"
	"sdfs/pkg/metrics"
	"sdfs/pkg/replication"
	"sdfs/pkg/storage"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"go.uber.org/zap"
)

// Status bytes leading get and get-versions replies.
const (
	StatusAbsent        byte = 0
	StatusPresent       byte = 1
	StatusUnsatisfiable byte = 2
)

// Reply lines shared with the client.
const (
	ReplySaved     = "File saved ACK"
	ReplyDiscarded = "File discarded, not an owner"
	ReplyFound     = "found"
	ReplyNotFound  = "not found"
	ErrorPrefix    = "error: "
)

const commandReadTimeout = 30 * time.Second

type Config struct {
	LogFile         string
	TransferTimeout time.Duration
	SignalTimeout   time.Duration
}

// Server is the command dispatcher: one command per connection, the first
// token of the newline-terminated line naming the verb.
type Server struct {
	members     *membership.Store
	coordinator *replication.Coordinator
	cfg         Config
	onQuit      func()
	logger      *zap.Logger
	metrics     *metrics.Metrics
	handlers    map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, req *request) error

type request struct {
	conn net.Conn
	r    *bufio.Reader
	line string
	args []string
}

// usageError is reported to the client as an error line.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, a ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, a...)}
}

// New builds the dispatcher. onQuit runs when a quit names this node.
func New(members *membership.Store, coordinator *replication.Coordinator, cfg Config, onQuit func(), logger *zap.Logger, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New(nil)
	}
	if onQuit == nil {
		onQuit = func() {}
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 2 * time.Minute
	}
	s := &Server{
		members:     members,
		coordinator: coordinator,
		cfg:         cfg,
		onQuit:      onQuit,
		logger:      logger.With(zap.String("component", "server")),
		metrics:     m,
	}
	s.handlers = map[string]handlerFunc{
		"print":        s.handlePrint,
		"grep":         s.handleGrep,
		"quit":         s.handleQuit,
		"log":          s.handleLog,
		"ls":           s.handleLs,
		"put":          s.handlePut,
		"get":          s.handleGet,
		"get-versions": s.handleGetVersions,
		"delete":       s.handleDelete,
		"store":        s.handleStore,
	}
	return s
}

// Serve dispatches commands on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Command server listening", zap.String("address", ln.Addr().String()))
	return transport.Serve(ctx, ln, s.logger, s.handle)
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(commandReadTimeout))
	r := bufio.NewReader(conn)
	line, err := transport.ReadLine(r)
	if err != nil {
		s.logger.Debug("Failed to read command", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	args := strings.Fields(line)
	if len(args) == 0 {
		s.replyError(conn, "", usagef("empty command"))
		return
	}
	verb := args[0]
	h, ok := s.handlers[verb]
	if !ok {
		s.replyError(conn, verb, usagef("unknown command %q", verb))
		return
	}
	s.metrics.Commands.WithLabelValues(verb).Inc()
	s.logger.Debug("Command received", zap.String("verb", verb), zap.String("remote", conn.RemoteAddr().String()))

	if err := h(ctx, &request{conn: conn, r: r, line: line, args: args[1:]}); err != nil {
		s.replyError(conn, verb, err)
	}
}

func (s *Server) replyError(conn net.Conn, verb string, err error) {
	if verb != "" {
		s.metrics.CommandErrors.WithLabelValues(verb).Inc()
	}
	var ue *usageError
	if errors.As(err, &ue) {
		s.logger.Info("Rejected command", zap.String("verb", verb), zap.String("reason", ue.msg))
		transport.WriteLine(conn, ErrorPrefix+ue.msg)
		return
	}
	s.logger.Warn("Command failed", zap.String("verb", verb), zap.Error(err))
}

func wantArgs(req *request, n int, usage string) error {
	if len(req.args) != n {
		return usagef("usage: %s", usage)
	}
	return nil
}

func (s *Server) handlePrint(ctx context.Context, req *request) error {
	snapshot := s.members.Snapshot()
	w := bufio.NewWriter(req.conn)
	fmt.Fprintf(w, "My ID is: %s\n", s.members.Self())
	fmt.Fprintf(w, "%d members are in my group\n", len(snapshot))
	for _, m := range snapshot {
		fmt.Fprintf(w, "%s\n", m)
	}
	return w.Flush()
}

func (s *Server) handleGrep(ctx context.Context, req *request) error {
	if len(req.args) == 0 {
		return usagef("usage: grep <pattern>")
	}
	pattern := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(req.line), "grep"))
	lines, err := logging.Grep(s.cfg.LogFile, pattern)
	if err != nil {
		return usagef("%v", err)
	}
	w := bufio.NewWriter(req.conn)
	for _, l := range lines {
		fmt.Fprintf(w, "%s\n", l)
	}
	return w.Flush()
}

func (s *Server) handleQuit(ctx context.Context, req *request) error {
	if err := wantArgs(req, 1, "quit <id>"); err != nil {
		return err
	}
	id := types.NodeID(req.args[0])
	if id == s.members.Self() {
		s.logger.Info("Quit requested for this node")
		transport.WriteLine(req.conn, fmt.Sprintf("%s shutting down", id))
		s.onQuit()
		return nil
	}
	if s.members.Remove(id) {
		s.logger.Info("Member naturally exited", zap.String("node", string(id)))
		return transport.WriteLine(req.conn, fmt.Sprintf("%s naturally exited.", id))
	}
	return transport.WriteLine(req.conn, fmt.Sprintf("%s is not a member", id))
}

func (s *Server) handleLog(ctx context.Context, req *request) error {
	if err := wantArgs(req, 1, "log <id>"); err != nil {
		return err
	}
	if types.NodeID(req.args[0]) != s.members.Self() {
		return nil
	}
	_, err := logging.CopyFile(req.conn, s.cfg.LogFile)
	return err
}

func (s *Server) handleLs(ctx context.Context, req *request) error {
	if err := wantArgs(req, 1, "ls <filename>"); err != nil {
		return err
	}
	if s.coordinator.Has(req.args[0]) {
		return transport.WriteLine(req.conn, ReplyFound)
	}
	return transport.WriteLine(req.conn, ReplyNotFound)
}

// handleStore lists the local files as "<name> <versions> <size>" lines.
func (s *Server) handleStore(ctx context.Context, req *request) error {
	if err := wantArgs(req, 0, "store"); err != nil {
		return err
	}
	files, err := s.coordinator.List()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := transport.WriteLine(req.conn, fmt.Sprintf("%s %d %d", f.Name, f.Versions, f.Size)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handlePut(ctx context.Context, req *request) error {
	if err := wantArgs(req, 2, "put <localname> <filename>"); err != nil {
		return err
	}
	filename := req.args[1]
	if err := storage.ValidateName(filename); err != nil {
		return usagef("%v", err)
	}

	req.conn.SetDeadline(time.Now().Add(s.cfg.TransferTimeout + s.cfg.SignalTimeout))
	size, err := transport.ReadLength(req.r, 0)
	if err != nil {
		return fmt.Errorf("failed to read put length: %w", err)
	}

	res, err := s.coordinator.Put(ctx, filename, req.r, size)
	switch {
	case errors.Is(err, storage.ErrTooLarge), errors.Is(err, replication.ErrSignalTimeout):
		return usagef("%v", err)
	case err != nil:
		return err
	case res.Kept:
		s.logger.Info("Put stored", zap.String("file", filename), zap.Int("version", res.Version))
		return transport.WriteLine(req.conn, ReplySaved)
	default:
		return transport.WriteLine(req.conn, ReplyDiscarded)
	}
}

func (s *Server) handleGet(ctx context.Context, req *request) error {
	if err := wantArgs(req, 1, "get <filename>"); err != nil {
		return err
	}
	rc, size, err := s.coordinator.Get(req.args[0])
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
		return transport.WriteByte(req.conn, StatusAbsent)
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	req.conn.SetWriteDeadline(time.Now().Add(s.cfg.TransferTimeout))
	w := bufio.NewWriter(req.conn)
	if err := transport.WriteByte(w, StatusPresent); err != nil {
		return err
	}
	if err := transport.WriteUint64(w, uint64(size)); err != nil {
		return err
	}
	if err := transport.CopyN(w, rc, size); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.args[0], err)
	}
	return w.Flush()
}

func (s *Server) handleGetVersions(ctx context.Context, req *request) error {
	if err := wantArgs(req, 2, "get-versions <filename> <n>"); err != nil {
		return err
	}
	n, err := strconv.Atoi(req.args[1])
	if err != nil {
		return usagef("version count %q is not a number", req.args[1])
	}

	set, err := s.coordinator.GetVersions(req.args[0], n)
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidName):
		return transport.WriteByte(req.conn, StatusAbsent)
	case errors.Is(err, storage.ErrNotEnoughVersions), errors.Is(err, storage.ErrInvalidVersionCount):
		if werr := transport.WriteByte(req.conn, StatusUnsatisfiable); werr != nil {
			return werr
		}
		return transport.WriteLine(req.conn, err.Error())
	case err != nil:
		return err
	}
	defer set.Close()

	req.conn.SetWriteDeadline(time.Now().Add(s.cfg.TransferTimeout))
	w := bufio.NewWriter(req.conn)
	if err := transport.WriteByte(w, StatusPresent); err != nil {
		return err
	}
	if _, err := set.WriteTo(w); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) handleDelete(ctx context.Context, req *request) error {
	if err := wantArgs(req, 1, "delete <filename>"); err != nil {
		return err
	}
	filename := req.args[0]
	existed, err := s.coordinator.Delete(filename)
	if errors.Is(err, storage.ErrInvalidName) {
		return usagef("%v", err)
	}
	if err != nil {
		return err
	}
	if existed {
		return transport.WriteLine(req.conn, "Deleted "+filename)
	}
	return transport.WriteLine(req.conn, "File did not exist "+filename)
}
