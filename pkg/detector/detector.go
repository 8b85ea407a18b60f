package detector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sdfs/pkg/membership"
	"sdfs/pkg/metrics"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"go.uber.org/zap"
)

// Offsets are the rank distances probed, in round-robin order.
var Offsets = []int{-2, -1, 1, 2}

// Disseminator floods the current membership list to the group.
type Disseminator interface {
	Disseminate()
}

// Neighbors returns the members at each of Offsets from self, wrapping
// modulo the group size, without self and without repeats.
func Neighbors(snapshot []types.NodeID, self types.NodeID) []types.NodeID {
	rank := indexOf(snapshot, self)
	if rank < 0 {
		return nil
	}
	seen := make(map[types.NodeID]struct{}, len(Offsets))
	var out []types.NodeID
	for _, off := range Offsets {
		target := at(snapshot, rank, off)
		if target == self {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

func at(snapshot []types.NodeID, rank, off int) types.NodeID {
	n := len(snapshot)
	return snapshot[((rank+off)%n+n)%n]
}

func indexOf(snapshot []types.NodeID, id types.NodeID) int {
	for i, m := range snapshot {
		if m == id {
			return i
		}
	}
	return -1
}

// FormatPing encodes a ping: the sender identity and a sequence number.
func FormatPing(self types.NodeID, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s %d", self, seq))
}

func ParsePing(payload string) (types.NodeID, uint64, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("malformed ping %q", payload)
	}
	id, err := types.ParseNodeID(fields[0])
	if err != nil {
		return "", 0, err
	}
	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed ping sequence %q: %w", fields[1], err)
	}
	return id, seq, nil
}

// Prober pings one neighbor per protocol period and removes it when no
// matching ack arrives within the ack timeout.
type Prober struct {
	store      *membership.Store
	conn       *transport.PacketConn
	resolver   transport.Resolver
	gossip     Disseminator
	period     time.Duration
	ackTimeout time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics

	seq  uint64
	next int
}

type ProberConfig struct {
	Period     time.Duration
	AckTimeout time.Duration
}

func NewProber(store *membership.Store, conn *transport.PacketConn, resolver transport.Resolver, gossip Disseminator, cfg ProberConfig, logger *zap.Logger, m *metrics.Metrics) *Prober {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Prober{
		store:      store,
		conn:       conn,
		resolver:   resolver,
		gossip:     gossip,
		period:     cfg.Period,
		ackTimeout: cfg.AckTimeout,
		logger:     logger.With(zap.String("component", "prober")),
		metrics:    m,
	}
}

// Run probes until ctx is cancelled. The probe socket is closed on return.
func (p *Prober) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := p.ProbeNext(); errors.Is(err, transport.ErrClosed) {
				return nil
			}
		}
	}
}

// ProbeNext probes the next of this node's neighbors in round-robin order.
// It returns the target and whether it answered; an empty target means
// there was nobody to probe.
func (p *Prober) ProbeNext() (types.NodeID, bool, error) {
	neighbors := Neighbors(p.store.Snapshot(), p.store.Self())
	if len(neighbors) == 0 {
		return "", false, nil
	}
	target := neighbors[p.next%len(neighbors)]
	p.next++

	alive, err := p.probe(target)
	if err != nil {
		return target, false, err
	}
	if !alive {
		p.metrics.FailuresDetected.Inc()
		p.logger.Warn("Neighbor failed to ack, removing",
			zap.String("node", string(target)),
			zap.Duration("ack_timeout", p.ackTimeout))
		if p.store.Remove(target) {
			p.gossip.Disseminate()
		}
	}
	return target, alive, nil
}

func (p *Prober) probe(target types.NodeID) (bool, error) {
	addr, err := p.resolver.Resolve(target, transport.RoleAck)
	if err != nil {
		p.logger.Error("Failed to resolve ack endpoint", zap.String("node", string(target)), zap.Error(err))
		return false, nil
	}

	p.seq++
	seq := p.seq
	if err := p.conn.Send(FormatPing(p.store.Self(), seq), addr); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return false, err
		}
		p.logger.Debug("Ping send failed", zap.String("node", string(target)), zap.Error(err))
	}
	p.metrics.ProbesSent.Inc()

	deadline := time.Now().Add(p.ackTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		pkt, err := p.conn.Receive(remaining)
		switch {
		case errors.Is(err, transport.ErrTimeout):
			return false, nil
		case errors.Is(err, transport.ErrClosed):
			return false, err
		case err != nil:
			p.logger.Debug("Ack receive failed", zap.Error(err))
			continue
		}

		got, perr := strconv.ParseUint(pkt.Text(), 10, 64)
		if perr != nil || got != seq {
			// late ack from an earlier probe
			continue
		}
		p.metrics.AcksReceived.Inc()
		return true, nil
	}
}

// Responder answers pings on the ack socket and treats a ping from a
// non-member as a join.
type Responder struct {
	store   *membership.Store
	conn    *transport.PacketConn
	gossip  Disseminator
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewResponder(store *membership.Store, conn *transport.PacketConn, gossip Disseminator, logger *zap.Logger, m *metrics.Metrics) *Responder {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Responder{
		store:   store,
		conn:    conn,
		gossip:  gossip,
		logger:  logger.With(zap.String("component", "responder")),
		metrics: m,
	}
}

// Run answers pings until ctx is cancelled. The ack socket is closed on return.
func (r *Responder) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer stop()

	for {
		pkt, err := r.conn.Receive(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			r.logger.Debug("Ping receive failed", zap.Error(err))
			continue
		}
		r.handle(pkt)
	}
}

func (r *Responder) handle(pkt transport.Packet) {
	sender, seq, err := ParsePing(pkt.Text())
	if err != nil {
		r.logger.Debug("Dropping malformed ping", zap.String("from", pkt.From.String()), zap.Error(err))
		return
	}

	if err := r.conn.SendTo([]byte(strconv.FormatUint(seq, 10)), pkt.From); err != nil {
		r.logger.Debug("Ack send failed", zap.String("node", string(sender)), zap.Error(err))
	}

	if !r.store.Contains(sender) && r.store.Add(sender) {
		r.metrics.JoinsViaPing.Inc()
		r.logger.Info("Ping from non-member, adding", zap.String("node", string(sender)))
		r.gossip.Disseminate()
	}
}
