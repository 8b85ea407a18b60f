package replication

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"sdfs/pkg/storage"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"go.uber.org/zap"
)

// A replica signal travels on its own connection: the filename line and a
// keep byte, answered by an ack byte.

// SignalServer delivers incoming keep/discard signals to the mailbox.
type SignalServer struct {
	mailbox *mailbox
	files   *storage.Store
	timeout time.Duration
	logger  *zap.Logger
}

func (c *Coordinator) SignalServer() *SignalServer {
	return &SignalServer{
		mailbox: c.mailbox,
		files:   c.files,
		timeout: c.cfg.DialTimeout,
		logger:  c.logger.With(zap.String("server", "signal")),
	}
}

// Serve handles signal connections on ln until ctx is cancelled.
func (s *SignalServer) Serve(ctx context.Context, ln net.Listener) error {
	return transport.Serve(ctx, ln, s.logger, s.handle)
}

func (s *SignalServer) handle(ctx context.Context, conn net.Conn) {
	conn.SetDeadline(time.Now().Add(s.timeout))
	r := bufio.NewReader(conn)

	filename, err := transport.ReadLine(r)
	if err != nil {
		s.logger.Warn("Failed to read signal filename", zap.Error(err))
		return
	}
	keep, err := transport.ReadBool(r)
	if err != nil {
		s.logger.Warn("Failed to read signal", zap.String("file", filename), zap.Error(err))
		return
	}

	receiving := s.files.Receiving(filename)
	s.mailbox.Deliver(filename, keep, receiving)
	s.logger.Debug("Replica signal received",
		zap.String("file", filename),
		zap.Bool("keep", keep),
		zap.Bool("receiving", receiving))

	if err := transport.WriteBool(conn, true); err != nil {
		s.logger.Debug("Failed to ack signal", zap.String("file", filename), zap.Error(err))
	}
}

func sendSignal(ctx context.Context, resolver transport.Resolver, member types.NodeID, filename string, keep bool, timeout time.Duration) error {
	addr, err := resolver.Resolve(member, transport.RoleSignal)
	if err != nil {
		return err
	}
	conn, err := transport.Dial(ctx, addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := transport.WriteLine(conn, filename); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	if err := transport.WriteBool(conn, keep); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	if _, err := transport.ReadBool(conn); err != nil {
		return fmt.Errorf("signal not acknowledged: %w", err)
	}
	return nil
}
