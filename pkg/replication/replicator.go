package replication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"sdfs/pkg/membership"
	"sdfs/pkg/metrics"
	"sdfs/pkg/placement"
	"sdfs/pkg/storage"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentPushes bounds outbound transfers per round.
const maxConcurrentPushes = 4

// Replies on a push connection, sent once for the offer and once after
// the import. Held and accepted travel as a plain bool.
const (
	replyHeld     byte = 0 // receiver already has the file
	replyAccepted byte = 1 // offer accepted, or history installed
	replyBusy     byte = 2 // a put of the file is in flight on the receiver
)

// pushOutcome classifies a finished push.
type pushOutcome int

const (
	pushHeld pushOutcome = iota
	pushInstalled
	pushBusy
)

// Replicator keeps every local file on all of its current owners and
// drops local files this node no longer owns.
type Replicator struct {
	members  *membership.Store
	files    *storage.Store
	resolver transport.Resolver
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// holders caches owners known to hold each file, valid for one epoch.
	mu      sync.Mutex
	epoch   uint64
	holders map[string]map[types.NodeID]struct{}
}

func NewReplicator(members *membership.Store, files *storage.Store, resolver transport.Resolver, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Replicator {
	cfg.setDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	return &Replicator{
		members:  members,
		files:    files,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "replicator")),
		metrics:  m,
		holders:  make(map[string]map[types.NodeID]struct{}),
	}
}

// Run drives the re-replication and cleanup loops until ctx is cancelled.
// Re-replication also runs right after every membership change.
func (r *Replicator) Run(ctx context.Context) error {
	changes := r.members.Subscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.cfg.RereplicateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-changes:
			}
			r.Rereplicate(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
	wg.Wait()
	return nil
}

// Rereplicate offers every local file to each owner not yet known to hold
// it. It returns the number of offers the receivers accepted.
func (r *Replicator) Rereplicate(ctx context.Context) int {
	snapshot, epoch := r.members.View()
	self := r.members.Self()
	r.resetIfStale(epoch)

	names, err := r.files.Names()
	if err != nil {
		r.logger.Error("Failed to list local files", zap.Error(err))
		return 0
	}
	r.metrics.StoredFiles.Set(float64(len(names)))

	var accepted int
	var acceptedMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPushes)

	for _, name := range names {
		for _, owner := range placement.OwnerIDs(name, snapshot, r.cfg.ReplicationFactor) {
			if owner == self || r.known(epoch, name, owner) {
				continue
			}
			name, owner := name, owner
			g.Go(func() error {
				outcome, err := r.push(gctx, owner, name)
				if err != nil {
					r.metrics.PushFailures.Inc()
					r.logger.Warn("Re-replication push failed",
						zap.String("node", string(owner)),
						zap.String("file", name),
						zap.Error(err))
					return nil
				}
				switch outcome {
				case pushBusy:
					// not a holder yet; offered again next round
					r.logger.Debug("Owner is receiving a put, retrying later",
						zap.String("node", string(owner)),
						zap.String("file", name))
				case pushInstalled:
					r.remember(epoch, name, owner)
					acceptedMu.Lock()
					accepted++
					acceptedMu.Unlock()
				default:
					r.remember(epoch, name, owner)
				}
				return nil
			})
		}
	}
	g.Wait()
	return accepted
}

// Cleanup deletes local files whose owner window excludes this node, once
// every current owner is known to hold them. It returns the deleted names.
func (r *Replicator) Cleanup() []string {
	snapshot, epoch := r.members.View()
	self := r.members.Self()
	rank, ok := r.members.RankOf(self)
	if !ok {
		return nil
	}

	names, err := r.files.Names()
	if err != nil {
		r.logger.Error("Failed to list local files", zap.Error(err))
		return nil
	}

	var deleted []string
	for _, name := range names {
		if placement.IsOwner(name, rank, snapshot, r.cfg.ReplicationFactor) {
			continue
		}
		if !r.ownersConfirmed(epoch, name, snapshot) {
			continue
		}
		existed, err := r.files.Delete(name)
		if err != nil {
			r.logger.Error("Cleanup delete failed", zap.String("file", name), zap.Error(err))
			continue
		}
		if existed {
			r.metrics.CleanupDeletions.Inc()
			r.logger.Info("Removed file outside owner window", zap.String("file", name), zap.Int("rank", rank))
			deleted = append(deleted, name)
		}
		r.forget(name)
	}
	r.metrics.StoredFiles.Set(float64(len(names) - len(deleted)))
	return deleted
}

// push offers filename to owner: the receiver answers whether it lacks the
// file, then receives the whole history and confirms the import. A
// receiver with a put of filename in flight answers busy at either step.
func (r *Replicator) push(ctx context.Context, owner types.NodeID, filename string) (pushOutcome, error) {
	addr, err := r.resolver.Resolve(owner, transport.RolePush)
	if err != nil {
		return pushHeld, err
	}
	conn, err := transport.Dial(ctx, addr, r.cfg.DialTimeout)
	if err != nil {
		return pushHeld, err
	}
	defer conn.Close()
	r.metrics.PushesSent.Inc()

	if err := transport.WriteLine(conn, filename); err != nil {
		return pushHeld, fmt.Errorf("failed to send offer: %w", err)
	}
	reply, err := transport.ReadByte(conn)
	if err != nil {
		return pushHeld, fmt.Errorf("failed to read offer reply: %w", err)
	}
	switch reply {
	case replyHeld:
		return pushHeld, nil
	case replyBusy:
		return pushBusy, nil
	}

	set, err := r.files.Export(filename)
	if errors.Is(err, storage.ErrNotFound) {
		// deleted since the offer; the receiver times out
		return pushHeld, fmt.Errorf("%s disappeared during push", filename)
	}
	if err != nil {
		return pushHeld, err
	}
	defer set.Close()

	if err := conn.SetDeadline(time.Now().Add(r.cfg.TransferTimeout)); err != nil {
		return pushHeld, err
	}
	if _, err := set.WriteTo(conn); err != nil {
		return pushHeld, err
	}
	reply, err = transport.ReadByte(conn)
	if err != nil {
		return pushHeld, fmt.Errorf("failed to read import result: %w", err)
	}
	switch reply {
	case replyAccepted:
		r.metrics.PushesAccepted.Inc()
		r.logger.Info("Replicated file",
			zap.String("node", string(owner)),
			zap.String("file", filename),
			zap.Int("versions", len(set.Versions)))
		return pushInstalled, nil
	case replyBusy:
		return pushBusy, nil
	}
	return pushHeld, nil
}

func (r *Replicator) resetIfStale(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		r.epoch = epoch
		r.holders = make(map[string]map[types.NodeID]struct{})
	}
}

func (r *Replicator) known(epoch uint64, filename string, owner types.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return false
	}
	_, ok := r.holders[filename][owner]
	return ok
}

func (r *Replicator) remember(epoch uint64, filename string, owner types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if epoch != r.epoch {
		return
	}
	set, ok := r.holders[filename]
	if !ok {
		set = make(map[types.NodeID]struct{})
		r.holders[filename] = set
	}
	set[owner] = struct{}{}
}

func (r *Replicator) forget(filename string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.holders, filename)
}

func (r *Replicator) ownersConfirmed(epoch uint64, filename string, snapshot []types.NodeID) bool {
	for _, owner := range placement.OwnerIDs(filename, snapshot, r.cfg.ReplicationFactor) {
		if !r.known(epoch, filename, owner) {
			return false
		}
	}
	return true
}

// PushServer receives re-replication offers and installs histories this
// node does not have yet.
type PushServer struct {
	files   *storage.Store
	timeout time.Duration
	logger  *zap.Logger
}

func (r *Replicator) PushServer() *PushServer {
	return &PushServer{
		files:   r.files,
		timeout: r.cfg.TransferTimeout,
		logger:  r.logger.With(zap.String("server", "push")),
	}
}

// Serve handles push connections on ln until ctx is cancelled.
func (p *PushServer) Serve(ctx context.Context, ln net.Listener) error {
	return transport.Serve(ctx, ln, p.logger, p.handle)
}

func (p *PushServer) handle(ctx context.Context, conn net.Conn) {
	conn.SetDeadline(time.Now().Add(p.timeout))
	br := bufio.NewReader(conn)

	filename, err := transport.ReadLine(br)
	if err != nil {
		p.logger.Warn("Failed to read push offer", zap.Error(err))
		return
	}
	if err := storage.ValidateName(filename); err != nil {
		p.logger.Warn("Rejecting push offer", zap.Error(err))
		transport.WriteByte(conn, replyHeld)
		return
	}

	reply := replyAccepted
	switch {
	case p.files.Receiving(filename):
		reply = replyBusy
	case p.files.Has(filename):
		reply = replyHeld
	}
	if err := transport.WriteByte(conn, reply); err != nil || reply != replyAccepted {
		return
	}

	// A failed import closes without a confirmation so the sender does not
	// count this node as a holder.
	installed, err := p.files.ImportIfAbsent(filename, br)
	switch {
	case errors.Is(err, storage.ErrReceiving):
		reply = replyBusy
	case err != nil:
		p.logger.Error("Failed to import replica", zap.String("file", filename), zap.Error(err))
		return
	case !installed:
		reply = replyHeld
	}
	if err := transport.WriteByte(conn, reply); err != nil {
		p.logger.Debug("Failed to confirm import", zap.String("file", filename), zap.Error(err))
	}
}
