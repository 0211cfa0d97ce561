package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/truongvando/ezstream-sub005/pkg/api"
	"github.com/truongvando/ezstream-sub005/pkg/bus"
	"github.com/truongvando/ezstream-sub005/pkg/capacity"
	"github.com/truongvando/ezstream-sub005/pkg/config"
	"github.com/truongvando/ezstream-sub005/pkg/deploy"
	"github.com/truongvando/ezstream-sub005/pkg/dispatcher"
	"github.com/truongvando/ezstream-sub005/pkg/events"
	"github.com/truongvando/ezstream-sub005/pkg/handler"
	"github.com/truongvando/ezstream-sub005/pkg/health"
	"github.com/truongvando/ezstream-sub005/pkg/lifecycle"
	"github.com/truongvando/ezstream-sub005/pkg/listener"
	"github.com/truongvando/ezstream-sub005/pkg/log"
	"github.com/truongvando/ezstream-sub005/pkg/metrics"
	"github.com/truongvando/ezstream-sub005/pkg/provision"
	"github.com/truongvando/ezstream-sub005/pkg/queue"
	"github.com/truongvando/ezstream-sub005/pkg/reconciler"
	"github.com/truongvando/ezstream-sub005/pkg/remote"
	"github.com/truongvando/ezstream-sub005/pkg/scheduler"
	"github.com/truongvando/ezstream-sub005/pkg/security"
	"github.com/truongvando/ezstream-sub005/pkg/statecache"
	"github.com/truongvando/ezstream-sub005/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// memoryCacheSize bounds the in-process agent state cache
const memoryCacheSize = 4096

// Manager owns every control plane component and their lifetimes
type Manager struct {
	cfg    *config.Config
	logger zerolog.Logger

	redis    *redis.Client
	store    storage.Store
	bus      bus.Bus
	channels bus.Channels
	cache    statecache.Cache

	broker      *events.Broker
	tracker     *dispatcher.Tracker
	dispatcher  *dispatcher.Dispatcher
	machine     *lifecycle.Machine
	pool        *queue.Pool
	listener    *listener.Listener
	reconciler  *reconciler.Reconciler
	monitor     *health.Monitor
	scheduler   *scheduler.Scheduler
	provisioner *provision.Provisioner
	deployer    *deploy.Deployer
	ingestor    *capacity.Ingestor
	collector   *metrics.Collector
	api         *api.Server
}

// Option customizes a Manager before its components are built
type Option func(*options)

type options struct {
	store    storage.Store
	bus      bus.Bus
	executor remote.Factory
}

// WithStore uses an already opened store; the manager takes ownership
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBus replaces the bus selected by the redis config
func WithBus(b bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithExecutor replaces the SSH executor used for provisioning
func WithExecutor(f remote.Factory) Option {
	return func(o *options) { o.executor = f }
}

// OpenStore opens the store the config selects. A non-empty credentialKey
// seals node credentials at rest.
func OpenStore(cfg config.StorageConfig, credentialKey string) (storage.Store, error) {
	var sealer *security.Sealer
	if credentialKey != "" {
		var err error
		if sealer, err = security.NewSealerFromPassphrase(credentialKey); err != nil {
			return nil, err
		}
	}

	switch cfg.Driver {
	case "", "bolt":
		s, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		if sealer != nil {
			s.SetSealer(sealer)
		}
		return s, nil
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		if sealer != nil {
			s.SetSealer(sealer)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// NewManager builds the control plane. With an empty redis address the bus
// and the agent state cache stay in process.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:    cfg,
		logger: log.WithComponent("manager"),
		channels: bus.Channels{
			CommandPrefix: cfg.Bus.CommandChannelPrefix,
			Reports:       cfg.Bus.ReportChannel,
		},
	}

	m.store = o.store
	if m.store == nil {
		store, err := OpenStore(cfg.Storage, cfg.Security.CredentialKey)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		m.store = store
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, cfg.Storage.Driver)

	if cfg.Redis.Addr != "" {
		m.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		m.cache = statecache.NewRedisCache(m.redis, cfg.Cache.KeyPrefix)
	} else {
		m.cache = statecache.NewMemoryCache(memoryCacheSize, nil)
	}
	switch {
	case o.bus != nil:
		m.bus = o.bus
	case m.redis != nil:
		m.bus = bus.NewRedisBus(m.redis)
	default:
		m.bus = bus.NewMemoryBus()
	}

	m.broker = events.NewBroker()
	m.tracker = dispatcher.NewTracker(cfg.Thresholds.CommandAckTimeout, nil)
	m.dispatcher = dispatcher.NewDispatcher(m.bus, m.cache, m.channels, m.tracker, m.broker)

	m.machine = lifecycle.New(m.store, m.cache, m.dispatcher, cfg.Thresholds, m.broker)
	m.machine.SetDeduper(m.tracker)

	m.pool = queue.New(queue.Config{
		Workers:    cfg.Workers.Count,
		QueueSize:  cfg.Workers.QueueSize,
		JobTimeout: cfg.Workers.JobTimeout,
	})
	reports := handler.New(m.store, m.cache, m.machine, m.tracker, cfg.Cache.TTL)
	m.listener = listener.New(m.bus, listener.Config{
		Channel:       m.channels.Reports,
		Backoff:       cfg.Bus.SubscribeBackoff,
		MaxReconnects: cfg.Bus.MaxReconnects,
	}, reports, m.pool)

	m.reconciler = reconciler.NewReconciler(m.store, m.cache, m.machine, m.dispatcher, m.tracker, cfg.Reconciler, m.broker)

	executor := o.executor
	if executor == nil {
		executor = remote.NewSSHFactory(remote.Config{
			ConnectTimeout: cfg.Provision.ConnectTimeout,
			CommandTimeout: cfg.Provision.CommandTimeout,
			KnownHostsFile: cfg.Provision.KnownHostsFile,
		})
	}
	m.provisioner = provision.NewProvisioner(m.store, executor, cfg, m.broker)

	m.deployer = deploy.NewDeployer(m.store, m.provisioner)

	m.monitor = health.NewMonitor(m.store, m.cache, m.machine, m.dispatcher, m.tracker, m.reconciler, cfg.Health, m.broker)
	m.monitor.SetRestarter(m.provisioner)

	m.scheduler = scheduler.NewScheduler(m.store, m.machine, cfg.Scheduler)
	m.ingestor = capacity.NewIngestor(m.store, capacity.NewEstimator(cfg.Capacity))
	m.collector = metrics.NewCollector(m.store)

	m.api = api.NewServer(api.Services{
		Store:       m.store,
		Bus:         m.bus,
		Channels:    m.channels,
		Machine:     m.machine,
		Scheduler:   m.scheduler,
		Reconciler:  m.reconciler,
		Monitor:     m.monitor,
		Provisioner: m.provisioner,
		Deployer:    m.deployer,
		Ingestor:    m.ingestor,
		Events:      m.broker,
	})

	return m, nil
}

// Run starts the background loops and the HTTP API and blocks until ctx is
// cancelled or the report transport is exhausted
func (m *Manager) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", m.cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.API.Addr, err)
	}
	return m.Serve(ctx, lis)
}

// Serve is Run on an existing API listener
func (m *Manager) Serve(ctx context.Context, lis net.Listener) error {
	if m.redis != nil {
		if err := m.redis.Ping(ctx).Err(); err != nil {
			// The listener keeps retrying the subscription with backoff
			metrics.UpdateComponent(metrics.ComponentBus, false, err.Error())
			m.logger.Warn().Err(err).Str("addr", m.cfg.Redis.Addr).Msg("Redis unreachable, starting anyway")
		} else {
			metrics.UpdateComponent(metrics.ComponentBus, true, "connected")
		}
	} else {
		metrics.UpdateComponent(metrics.ComponentBus, true, "in process")
	}

	m.broker.Start()
	m.pool.Start(ctx)
	m.collector.Start()
	m.reconciler.Start(ctx)
	m.monitor.Start(ctx)
	m.scheduler.Start(ctx)

	m.logger.Info().
		Str("storage", m.cfg.Storage.Driver).
		Bool("redis", m.redis != nil).
		Str("api", lis.Addr().String()).
		Msg("Control plane started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.listener.Run(gctx)
	})
	g.Go(func() error {
		return m.api.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return m.api.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	m.stopLoops()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) stopLoops() {
	m.scheduler.Stop()
	m.monitor.Stop()
	m.reconciler.Stop()
	m.collector.Stop()
	m.pool.Stop()
	m.broker.Stop()
	m.logger.Info().Msg("Control plane stopped")
}

// Store returns the stream and node store
func (m *Manager) Store() storage.Store { return m.store }

// Machine returns the lifecycle state machine
func (m *Manager) Machine() *lifecycle.Machine { return m.machine }

// Scheduler returns the stream scheduler
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.scheduler }

// Reconciler returns the per-node reconciler
func (m *Manager) Reconciler() *reconciler.Reconciler { return m.reconciler }

// Monitor returns the health monitor
func (m *Manager) Monitor() *health.Monitor { return m.monitor }

// Deployer returns the rolling agent updater
func (m *Manager) Deployer() *deploy.Deployer { return m.deployer }

// Provisioner returns the node provisioner
func (m *Manager) Provisioner() *provision.Provisioner { return m.provisioner }

// Events returns the audit event broker
func (m *Manager) Events() *events.Broker { return m.broker }

// Bus returns the command and report bus
func (m *Manager) Bus() bus.Bus { return m.bus }

// Channels returns the channel naming in use
func (m *Manager) Channels() bus.Channels { return m.channels }

// Close releases the bus, the redis client and the store
func (m *Manager) Close() error {
	var errs []error
	if err := m.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
