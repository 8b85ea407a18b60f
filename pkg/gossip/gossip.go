package gossip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sdfs/pkg/membership"
	"sdfs/pkg/metrics"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"go.uber.org/zap"
)

// ErrIntroducerUnreachable is returned by Join when no membership list
// arrives within the join timeout.
var ErrIntroducerUnreachable = errors.New("introducer unreachable")

// Service floods the whole membership list over the gossip socket and
// adopts lists received on it.
type Service struct {
	store    *membership.Store
	conn     *transport.PacketConn
	resolver transport.Resolver
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func New(store *membership.Store, conn *transport.PacketConn, resolver transport.Resolver, logger *zap.Logger, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		store:    store,
		conn:     conn,
		resolver: resolver,
		logger:   logger.With(zap.String("component", "gossip")),
		metrics:  m,
	}
}

// Disseminate sends the current list to every other member. Delivery is
// best effort; failures are logged and counted.
func (s *Service) Disseminate() {
	snapshot := s.store.Snapshot()
	payload := []byte(types.JoinIDs(snapshot))
	self := s.store.Self()

	for _, member := range snapshot {
		if member == self {
			continue
		}
		addr, err := s.resolver.Resolve(member, transport.RoleGossip)
		if err == nil {
			err = s.conn.Send(payload, addr)
		}
		if err != nil {
			s.metrics.BroadcastFailures.Inc()
			s.logger.Warn("Failed to send membership list", zap.String("node", string(member)), zap.Error(err))
			continue
		}
		s.metrics.BroadcastsSent.Inc()
	}
	s.logger.Debug("Disseminated membership", zap.Int("members", len(snapshot)))
}

// Join asks the introducer to add this node and adopts the first list
// broadcast back. It must run before Run owns the socket.
func (s *Service) Join(ctx context.Context, introducer types.NodeID, timeout time.Duration) error {
	addr, err := s.resolver.Resolve(introducer, transport.RoleIntroducer)
	if err != nil {
		return fmt.Errorf("failed to resolve introducer: %w", err)
	}
	if err := s.conn.Send([]byte(s.store.Self()), addr); err != nil {
		return fmt.Errorf("failed to contact introducer %s: %w", introducer, err)
	}
	s.logger.Info("Join request sent", zap.String("introducer", string(introducer)))

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: no membership list from %s within %s", ErrIntroducerUnreachable, introducer, timeout)
		}
		pkt, err := s.conn.Receive(remaining)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("join failed: %w", err)
		}
		if s.adopt(pkt) {
			s.logger.Info("Joined group", zap.Int("members", s.store.Len()))
			return nil
		}
	}
}

// Run adopts received membership lists until ctx is cancelled. The gossip
// socket is closed on return.
func (s *Service) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		pkt, err := s.conn.Receive(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Debug("Broadcast receive failed", zap.Error(err))
			continue
		}
		s.adopt(pkt)
	}
}

func (s *Service) adopt(pkt transport.Packet) bool {
	ids, err := parseList(pkt.Text())
	if err != nil {
		s.logger.Debug("Dropping malformed membership list", zap.String("from", pkt.From.String()), zap.Error(err))
		return false
	}
	s.metrics.BroadcastsReceived.Inc()
	s.store.ReplaceAll(ids)
	return true
}

func parseList(payload string) ([]types.NodeID, error) {
	ids := types.SplitIDs(payload)
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty membership list")
	}
	for _, id := range ids {
		if _, err := types.ParseNodeID(string(id)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Introducer admits joining nodes on the well-known introducer socket.
type Introducer struct {
	store  *membership.Store
	conn   *transport.PacketConn
	gossip *Service
	logger *zap.Logger
}

func NewIntroducer(store *membership.Store, conn *transport.PacketConn, gossip *Service, logger *zap.Logger) *Introducer {
	return &Introducer{
		store:  store,
		conn:   conn,
		gossip: gossip,
		logger: logger.With(zap.String("component", "introducer")),
	}
}

// Run admits joiners until ctx is cancelled. The introducer socket is closed on return.
func (in *Introducer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { in.conn.Close() })
	defer stop()

	for {
		pkt, err := in.conn.Receive(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			in.logger.Debug("Join receive failed", zap.Error(err))
			continue
		}

		id, err := types.ParseNodeID(pkt.Text())
		if err != nil {
			in.logger.Debug("Dropping malformed join", zap.String("from", pkt.From.String()), zap.Error(err))
			continue
		}
		in.logger.Info("Join request", zap.String("node", string(id)))
		in.store.Add(id)
		// a rejoining member still needs the list
		in.gossip.Disseminate()
	}
}
