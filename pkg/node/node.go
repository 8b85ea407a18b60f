package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"sdfs/pkg/config"
	"sdfs/pkg/detector"
	"sdfs/pkg/gossip"
	"sdfs/pkg/logging"
	"sdfs/pkg/membership"
	"sdfs/pkg/metrics"
	"sdfs/pkg/replication"
	"sdfs/pkg/server"
	"sdfs/pkg/storage"
	"sdfs/pkg/transport"
	"sdfs/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("node already started")

// shutdownTimeout bounds the metrics server drain on Stop.
const shutdownTimeout = 2 * time.Second

// Node owns every endpoint and background loop of one group member.
type Node struct {
	cfg      config.NodeConfig
	id       types.NodeID
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	resolver *transport.OffsetResolver

	members     *membership.Store
	files       *storage.Store
	coordinator *replication.Coordinator
	replicator  *replication.Replicator
	health      *healthService

	endpoints endpoints

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	stopOnce sync.Once
}

// endpoints are the sockets bound by Start. Each is handed to the loop
// that owns it, which closes it on shutdown.
type endpoints struct {
	ack, probe, gossip, introducer *transport.PacketConn
	command, signal, push, health  net.Listener
	metrics                        *metrics.Server
}

// New validates cfg and prepares the node's state. No socket is bound
// until Start.
func New(cfg config.NodeConfig, logger *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}
	offsets, err := cfg.Offsets()
	if err != nil {
		return nil, err
	}
	maxSize, err := cfg.MaxTransferBytes()
	if err != nil {
		return nil, err
	}

	id := cfg.ID()
	logger = logger.With(zap.String("node", string(id)))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	files, err := storage.New(afero.NewBasePathFs(afero.NewOsFs(), cfg.DataDir), maxSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	members := membership.New(id, logger, m)
	resolver := transport.NewOffsetResolver(offsets)

	rcfg := replication.Config{
		ReplicationFactor:   cfg.ReplicationFactor,
		SignalTimeout:       cfg.SignalTimeout.Std(),
		DialTimeout:         cfg.AckTimeout.Std(),
		TransferTimeout:     cfg.TransferTimeout.Std(),
		RereplicateInterval: cfg.RereplicateInterval.Std(),
		CleanupInterval:     cfg.CleanupInterval.Std(),
	}

	n := &Node{
		cfg:         cfg,
		id:          id,
		logger:      logger,
		registry:    registry,
		metrics:     m,
		resolver:    resolver,
		members:     members,
		files:       files,
		coordinator: replication.NewCoordinator(members, files, resolver, rcfg, logger, m),
		replicator:  replication.NewReplicator(members, files, resolver, rcfg, logger, m),
		health:      newHealthService(logger),
		done:        make(chan struct{}),
	}

	logger.Info("Node created",
		zap.String("introducer", cfg.Introducer),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("replication_factor", cfg.ReplicationFactor),
		zap.String("max_transfer_size", humanize.IBytes(uint64(maxSize))))
	return n, nil
}

// ID returns the node identity.
func (n *Node) ID() types.NodeID { return n.id }

// Members exposes the membership store.
func (n *Node) Members() *membership.Store { return n.members }

// Files exposes the local version store.
func (n *Node) Files() *storage.Store { return n.files }

// Registry is the node's prometheus registry.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Start binds every endpoint, joins the group and launches the background
// loops. Bind and join failures are returned and leave nothing running.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}

	if err := n.bind(); err != nil {
		n.endpoints.close()
		return err
	}

	gossipSvc := gossip.New(n.members, n.endpoints.gossip, n.resolver, n.logger, n.metrics)
	if err := n.bootstrap(ctx, gossipSvc); err != nil {
		n.endpoints.close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	responder := detector.NewResponder(n.members, n.endpoints.ack, gossipSvc, n.logger, n.metrics)
	prober := detector.NewProber(n.members, n.endpoints.probe, n.resolver, gossipSvc, detector.ProberConfig{
		Period:     n.cfg.ProtocolPeriod.Std(),
		AckTimeout: n.cfg.AckTimeout.Std(),
	}, n.logger, n.metrics)
	commands := server.New(n.members, n.coordinator, server.Config{
		LogFile:         logging.FilePath(n.cfg.DataDir, n.id),
		TransferTimeout: n.cfg.TransferTimeout.Std(),
		SignalTimeout:   n.cfg.SignalTimeout.Std(),
	}, func() { go n.Stop() }, n.logger, n.metrics)

	g.Go(func() error { return responder.Run(gctx) })
	g.Go(func() error { return prober.Run(gctx) })
	g.Go(func() error { return gossipSvc.Run(gctx) })
	if n.endpoints.introducer != nil {
		introducer := gossip.NewIntroducer(n.members, n.endpoints.introducer, gossipSvc, n.logger)
		g.Go(func() error { return introducer.Run(gctx) })
	}
	g.Go(func() error { return n.coordinator.SignalServer().Serve(gctx, n.endpoints.signal) })
	g.Go(func() error { return n.replicator.PushServer().Serve(gctx, n.endpoints.push) })
	g.Go(func() error { return n.replicator.Run(gctx) })
	g.Go(func() error { return commands.Serve(gctx, n.endpoints.command) })
	g.Go(func() error { return n.health.serve(gctx, n.endpoints.health) })

	n.started = true
	n.cancel = cancel
	n.health.setServing(true)
	if n.endpoints.metrics != nil {
		n.health.http.SetReady(true)
	}

	go func() {
		err := g.Wait()
		cancel()
		n.shutdownMetrics()
		n.mu.Lock()
		n.err = err
		n.mu.Unlock()
		if err != nil {
			n.logger.Error("Node stopped with error", zap.Error(err))
		} else {
			n.logger.Info("Node stopped")
		}
		close(n.done)
	}()

	n.logger.Info("Node started",
		zap.Int("members", n.members.Len()),
		zap.Bool("introducer", n.endpoints.introducer != nil))
	return nil
}

// bind opens every role endpoint. On error the caller closes whatever
// was already bound.
func (n *Node) bind() error {
	var err error
	ep := &n.endpoints

	if ep.ack, err = n.listenPacket(transport.RoleAck); err != nil {
		return err
	}
	if ep.probe, err = n.listenPacket(transport.RoleProbe); err != nil {
		return err
	}
	if ep.gossip, err = n.listenPacket(transport.RoleGossip); err != nil {
		return err
	}
	if n.cfg.IsIntroducer() {
		if ep.introducer, err = n.listenPacket(transport.RoleIntroducer); err != nil {
			return err
		}
	}
	if ep.command, err = n.listen(transport.RoleCommand); err != nil {
		return err
	}
	if ep.signal, err = n.listen(transport.RoleSignal); err != nil {
		return err
	}
	if ep.push, err = n.listen(transport.RolePush); err != nil {
		return err
	}
	if ep.health, err = n.listen(transport.RoleHealth); err != nil {
		return err
	}

	if n.cfg.MetricsEnabled {
		addr, err := n.resolver.Resolve(n.id, transport.RoleMetrics)
		if err != nil {
			return err
		}
		ep.metrics, err = metrics.StartMetricsServer(transport.BindAddr(addr), n.registry, n.health.http, n.logger)
		if err != nil {
			return fmt.Errorf("failed to bind %s endpoint: %w", transport.RoleMetrics, err)
		}
	}
	return nil
}

func (n *Node) listenPacket(role transport.Role) (*transport.PacketConn, error) {
	addr, err := n.resolver.Resolve(n.id, role)
	if err != nil {
		return nil, err
	}
	conn, err := transport.ListenPacket(transport.BindAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s endpoint: %w", role, err)
	}
	return conn, nil
}

func (n *Node) listen(role transport.Role) (net.Listener, error) {
	addr, err := n.resolver.Resolve(n.id, role)
	if err != nil {
		return nil, err
	}
	ln, err := transport.Listen(transport.BindAddr(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s endpoint: %w", role, err)
	}
	return ln, nil
}

// bootstrap seeds the introducer with itself and has every other node
// join through the introducer.
func (n *Node) bootstrap(ctx context.Context, svc *gossip.Service) error {
	if n.cfg.IsIntroducer() {
		n.logger.Info("Bootstrapping as introducer")
		return nil
	}
	timeout := n.cfg.JoinTimeout.Std()
	if timeout <= 0 {
		timeout = n.cfg.ProtocolPeriod.Std()
	}
	if err := svc.Join(ctx, n.cfg.IntroducerID(), timeout); err != nil {
		return fmt.Errorf("failed to join group: %w", err)
	}
	return nil
}

// Stop cancels every loop and waits for them to exit. It is safe to call
// more than once and from any goroutine.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.health.setServing(false)
		n.health.http.SetReady(false)

		n.mu.Lock()
		started, cancel := n.started, n.cancel
		n.mu.Unlock()

		if !started {
			n.endpoints.close()
			close(n.done)
			return
		}
		n.logger.Info("Stopping node")
		cancel()
	})
	<-n.done
}

// Done is closed once the node has fully stopped, either through Stop or
// a quit command naming this node.
func (n *Node) Done() <-chan struct{} { return n.done }

// Err returns the error that stopped the node, if any.
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

func (n *Node) shutdownMetrics() {
	if n.endpoints.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.endpoints.metrics.Shutdown(ctx); err != nil {
		n.logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
}

func (e *endpoints) close() {
	for _, c := range []*transport.PacketConn{e.ack, e.probe, e.gossip, e.introducer} {
		if c != nil {
			c.Close()
		}
	}
	for _, ln := range []net.Listener{e.command, e.signal, e.push, e.health} {
		if ln != nil {
			ln.Close()
		}
	}
	if e.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		e.metrics.Shutdown(ctx)
	}
}
