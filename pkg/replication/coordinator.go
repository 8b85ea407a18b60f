package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
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

// ErrSignalTimeout is returned when a put's keep/discard signal never arrives.
var ErrSignalTimeout = errors.New("timed out waiting for replica signal")

type Config struct {
	ReplicationFactor   int
	SignalTimeout       time.Duration
	DialTimeout         time.Duration
	TransferTimeout     time.Duration
	RereplicateInterval time.Duration
	CleanupInterval     time.Duration
}

func (c *Config) setDefaults() {
	if c.ReplicationFactor < 1 {
		c.ReplicationFactor = 4
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 2 * time.Minute
	}
	if c.RereplicateInterval <= 0 {
		c.RereplicateInterval = 1500 * time.Millisecond
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 500 * time.Millisecond
	}
}

// PutResult reports the local outcome of a put.
type PutResult struct {
	Kept    bool
	Version int
}

// Coordinator runs the put protocol and serves local reads. Every node
// holds an incoming put until the rank-0 member says whether this node is
// one of the file's owners.
type Coordinator struct {
	members  *membership.Store
	files    *storage.Store
	resolver transport.Resolver
	mailbox  *mailbox
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewCoordinator(members *membership.Store, files *storage.Store, resolver transport.Resolver, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	cfg.setDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	return &Coordinator{
		members:  members,
		files:    files,
		resolver: resolver,
		mailbox:  newMailbox(cfg.SignalTimeout, orphanSignalTTL),
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "coordinator")),
		metrics:  m,
	}
}

// Put receives size bytes of filename from body and keeps them as a new
// version only if this node is an owner.
func (c *Coordinator) Put(ctx context.Context, filename string, body io.Reader, size int64) (PutResult, error) {
	if err := storage.ValidateName(filename); err != nil {
		return PutResult{}, err
	}
	start := time.Now()
	defer func() { c.metrics.PutLatency.Observe(time.Since(start).Seconds()) }()

	// replica pushes of filename are refused until this put is decided
	release := c.files.BeginReceive(filename)
	defer release()

	pending, err := c.files.Hold(body, size)
	if err != nil {
		return PutResult{}, err
	}

	snapshot := c.members.Snapshot()
	self := c.members.Self()

	var keep bool
	if placement.Coordinator(snapshot) == self {
		keep = c.decide(ctx, filename, snapshot)
	} else {
		keep, err = c.mailbox.Wait(ctx, filename, c.cfg.SignalTimeout)
		if err != nil {
			c.files.Discard(pending)
			c.metrics.PutsDiscarded.Inc()
			c.logger.Warn("No replica signal for put, discarding",
				zap.String("file", filename),
				zap.String("coordinator", string(placement.Coordinator(snapshot))),
				zap.Error(err))
			if errors.Is(err, ErrSignalTimeout) {
				return PutResult{}, err
			}
			return PutResult{}, fmt.Errorf("put of %s interrupted: %w", filename, err)
		}
	}

	if !keep {
		c.files.Discard(pending)
		c.metrics.PutsDiscarded.Inc()
		c.logger.Debug("Not an owner, discarded put", zap.String("file", filename))
		return PutResult{}, nil
	}

	version, err := c.files.Commit(pending, filename)
	if err != nil {
		return PutResult{}, err
	}
	c.metrics.PutsCommitted.Inc()
	return PutResult{Kept: true, Version: version}, nil
}

// decide signals every other member whether to keep filename and returns
// the local decision once the fan-out has finished.
func (c *Coordinator) decide(ctx context.Context, filename string, snapshot []types.NodeID) bool {
	self := c.members.Self()
	owners := placement.OwnerIDs(filename, snapshot, c.cfg.ReplicationFactor)
	isOwner := make(map[types.NodeID]bool, len(owners))
	for _, o := range owners {
		isOwner[o] = true
	}

	c.logger.Info("Coordinating put",
		zap.String("file", filename),
		zap.String("owners", types.JoinIDs(owners)))

	g, gctx := errgroup.WithContext(ctx)
	for _, member := range snapshot {
		if member == self {
			continue
		}
		member := member
		g.Go(func() error {
			err := sendSignal(gctx, c.resolver, member, filename, isOwner[member], c.cfg.DialTimeout)
			if err != nil {
				c.metrics.SignalFailures.Inc()
				c.logger.Warn("Failed to deliver replica signal",
					zap.String("node", string(member)),
					zap.String("file", filename),
					zap.Error(err))
				return nil
			}
			c.metrics.SignalsSent.Inc()
			return nil
		})
	}
	g.Wait()

	return isOwner[self]
}

// Get opens the latest local version of filename.
func (c *Coordinator) Get(filename string) (io.ReadCloser, int64, error) {
	return c.files.OpenLatest(filename)
}

// GetVersions opens the n most recent local versions of filename.
func (c *Coordinator) GetVersions(filename string, n int) (*storage.VersionSet, error) {
	return c.files.OpenVersions(filename, n)
}

func (c *Coordinator) Delete(filename string) (bool, error) {
	return c.files.Delete(filename)
}

func (c *Coordinator) Has(filename string) bool {
	return c.files.Has(filename)
}

func (c *Coordinator) List() ([]types.FileInfo, error) {
	return c.files.List()
}
