package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/nn-hair/storefront/internal/cart"
	"github.com/nn-hair/storefront/internal/handlers"
	"github.com/nn-hair/storefront/internal/platform/config"
	"github.com/nn-hair/storefront/internal/platform/events"
	pfirestore "github.com/nn-hair/storefront/internal/platform/firestore"
	"github.com/nn-hair/storefront/internal/platform/idempotency"
	"github.com/nn-hair/storefront/internal/platform/jobs"
	"github.com/nn-hair/storefront/internal/platform/observability"
	"github.com/nn-hair/storefront/internal/platform/secrets"
	"github.com/nn-hair/storefront/internal/platform/supabase"
	"github.com/nn-hair/storefront/internal/repositories"
	filerepo "github.com/nn-hair/storefront/internal/repositories/file"
	firestorerepo "github.com/nn-hair/storefront/internal/repositories/firestore"
	"github.com/nn-hair/storefront/internal/repositories/memory"
	redisrepo "github.com/nn-hair/storefront/internal/repositories/redis"
	sqliterepo "github.com/nn-hair/storefront/internal/repositories/sqlite"
	supabaserepo "github.com/nn-hair/storefront/internal/repositories/supabase"
	"github.com/nn-hair/storefront/internal/services"
)

const (
	meterName        = "github.com/nn-hair/storefront"
	slotStoreCheck   = "cartStore"
	supabaseCheck    = "supabase"
	catalogProbeID   = "0"
	purgeInterval    = time.Hour
	sweepInterval    = 5 * time.Minute
	storeOpenTimeout = 15 * time.Second
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Cart     services.CartService
	Checkout services.CheckoutService
	System   services.SystemService
}

// Container wires the slot store, services and HTTP router for runtime use.
type Container struct {
	Config   config.Config
	Build    services.BuildInfo
	Store    repositories.SlotStore
	Sessions *services.CartSessions
	Services Services
	Router   http.Handler

	logger  *zap.Logger
	purger  func(context.Context, time.Time) (int64, error)
	closers []func() error

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewContainer constructs the runtime dependencies from configuration. Resources opened before a
// failure are released before returning.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, build services.BuildInfo) (c *Container, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c = &Container{Config: cfg, Build: build, logger: logger}
	defer func() {
		if err != nil {
			_ = c.closeResources()
			c = nil
		}
	}()

	openCtx, cancel := context.WithTimeout(ctx, storeOpenTimeout)
	defer cancel()
	if err := c.resolveSecrets(openCtx); err != nil {
		return nil, err
	}
	store, watcher, checks, err := c.openStore(openCtx)
	if err != nil {
		return nil, err
	}
	c.Store = store

	policy := cart.DefaultPolicy()
	policy.Currency = cfg.Pricing.Currency
	policy.ChargeShippingOnEmpty = cfg.Pricing.ChargeShippingOnEmpty

	cartLogger := logger.Named("cart")
	sessions, err := services.NewCartSessions(services.CartSessionsDeps{
		Store:        store,
		Watcher:      watcher,
		Broker:       events.NewBroker(events.WithLogger(cartLogger)),
		SlotPrefix:   cfg.Store.SlotKey,
		LegacyPrefix: cfg.Store.LegacyKey,
		Policy:       &policy,
		IdleTTL:      cfg.Store.IdleTTL,
		Logger:       observability.EventLogger(cartLogger),
	})
	if err != nil {
		return nil, fmt.Errorf("di: cart sessions: %w", err)
	}
	c.Sessions = sessions

	catalog, orders, supabaseChecks, err := c.openSupabase()
	if err != nil {
		return nil, err
	}
	checks = append(checks, supabaseChecks...)

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Sessions: sessions,
		Catalog:  catalog,
		Meter:    otel.GetMeterProvider().Meter(meterName),
		Logger:   observability.EventLogger(cartLogger),
	})
	if err != nil {
		return nil, fmt.Errorf("di: cart service: %w", err)
	}

	orderEvents, err := c.openOrderEvents(ctx)
	if err != nil {
		return nil, err
	}
	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Sessions: sessions,
		Orders:   orders,
		Events:   orderEvents,
		Logger:   observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		return nil, fmt.Errorf("di: checkout service: %w", err)
	}

	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("di: health repository: %w", err)
	}
	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Sessions:         sessions,
		Build:            build,
	})
	if err != nil {
		return nil, fmt.Errorf("di: system service: %w", err)
	}

	c.Services = Services{Cart: cartService, Checkout: checkoutService, System: systemService}
	c.Router = c.buildRouter()
	return c, nil
}

func (c *Container) openStore(ctx context.Context) (repositories.SlotStore, repositories.SlotWatcher, []repositories.DependencyCheck, error) {
	cfg := c.Config.Store
	storeLogger := c.logger.Named("store").With(zap.String("driver", cfg.Driver))

	var (
		store   repositories.SlotStore
		watcher repositories.SlotWatcher
	)
	switch cfg.Driver {
	case config.StoreDriverMemory:
		store = memory.NewSlotStore(memory.WithMaxValueBytes(cfg.MaxValueBytes))

	case config.StoreDriverFile:
		fs, err := filerepo.NewSlotStore(cfg.Dir, filerepo.WithMaxValueBytes(cfg.MaxValueBytes))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("di: file store: %w", err)
		}
		store = fs
		watcher = fileWatcher{store: fs, logger: storeLogger}

	case config.StoreDriverSQLite:
		db, err := sqliterepo.Open(ctx, cfg.SQLitePath, sqliterepo.WithMaxValueBytes(cfg.MaxValueBytes))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("di: sqlite store: %w", err)
		}
		c.closers = append(c.closers, db.Close)
		if cfg.Retention > 0 {
			c.purger = db.PurgeBefore
		}
		store = db

	case config.StoreDriverRedis:
		client, err := redisrepo.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("di: redis store: %w", err)
		}
		c.closers = append(c.closers, client.Close)
		rs, err := redisrepo.NewSlotStore(client, redisrepo.Options{
			Prefix:        cfg.Redis.Prefix,
			TTL:           cfg.Redis.TTL,
			Channel:       cfg.Redis.Channel,
			MaxValueBytes: cfg.MaxValueBytes,
			Logger:        storeLogger,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("di: redis store: %w", err)
		}
		store, watcher = rs, rs

	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		c.closers = append(c.closers, provider.Close)
		fs, err := firestorerepo.NewSlotStore(provider, firestorerepo.Options{
			Collection:    cfg.Firestore.Collection,
			MaxValueBytes: cfg.MaxValueBytes,
			Logger:        storeLogger,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("di: firestore store: %w", err)
		}
		store, watcher = fs, fs

	default:
		return nil, nil, nil, fmt.Errorf("di: unknown store driver %q", cfg.Driver)
	}

	if !cfg.Watch {
		watcher = nil
	}
	storeLogger.Info("cart slot store ready", zap.Bool("watch", watcher != nil))
	return store, watcher, []repositories.DependencyCheck{repositories.SlotStoreCheck(slotStoreCheck, store)}, nil
}

// resolveSecrets replaces secret:// references in credential settings with their values.
func (c *Container) resolveSecrets(ctx context.Context) error {
	targets := []*string{&c.Config.Supabase.APIKey, &c.Config.Store.Redis.Password}
	needed := false
	for _, target := range targets {
		needed = needed || secrets.IsReference(*target)
	}
	if !needed {
		return nil
	}

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithProject(c.Config.Secrets.ProjectID),
		secrets.WithFallbackFile(c.Config.Secrets.FallbackFile),
		secrets.WithLogger(c.logger.Named("secrets")),
	)
	if err != nil {
		return fmt.Errorf("di: secrets: %w", err)
	}
	defer func() {
		_ = fetcher.Close()
	}()
	for _, target := range targets {
		value, err := fetcher.ResolveValue(ctx, *target)
		if err != nil {
			return fmt.Errorf("di: secrets: %w", err)
		}
		*target = value
	}
	return nil
}

// openOrderEvents connects the order.placed publisher when a topic is configured. The client
// honours PUBSUB_EMULATOR_HOST.
func (c *Container) openOrderEvents(ctx context.Context) (services.OrderEventPublisher, error) {
	cfg := c.Config.Orders
	if cfg.Topic == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("di: pubsub client: %w", err)
	}
	c.closers = append(c.closers, client.Close)
	publisher, err := jobs.NewPubSubOrderPublisher(client.Topic(cfg.Topic))
	if err != nil {
		return nil, fmt.Errorf("di: order publisher: %w", err)
	}
	c.closers = append(c.closers, func() error {
		publisher.Stop()
		return nil
	})
	c.logger.Info("order events enabled", zap.String("topic", cfg.Topic))
	return publisher, nil
}

// openSupabase returns the catalog and order repositories. Without a Supabase project the cart
// trusts client descriptors and orders are kept in memory.
func (c *Container) openSupabase() (repositories.ProductRepository, repositories.OrderRepository, []repositories.DependencyCheck, error) {
	cfg := c.Config.Supabase
	if !cfg.Enabled() {
		c.logger.Warn("supabase not configured; catalog lookups disabled and orders kept in memory")
		return nil, memory.NewOrderRepository(nil), nil, nil
	}

	client, err := supabase.New(supabase.Config{URL: cfg.URL, APIKey: cfg.APIKey, Timeout: cfg.Timeout})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("di: supabase client: %w", err)
	}
	catalog, err := supabaserepo.NewProductRepository(client)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("di: supabase catalog: %w", err)
	}
	orders, err := supabaserepo.NewOrderRepository(client, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("di: supabase orders: %w", err)
	}

	check := repositories.DependencyCheck{
		Name:     supabaseCheck,
		Optional: true,
		Check: func(ctx context.Context) error {
			if _, err := catalog.FindProduct(ctx, catalogProbeID); err != nil && !repositories.IsNotFound(err) {
				return err
			}
			return nil
		},
	}
	return catalog, orders, []repositories.DependencyCheck{check}, nil
}

func (c *Container) buildRouter() http.Handler {
	httpLogger := c.logger.Named("http")
	cartHandlers := handlers.NewCartHandlers(c.Services.Cart)
	checkoutHandlers := handlers.NewCheckoutHandlers(c.Services.Checkout)
	replays := idempotency.Middleware(
		repositories.NewSlotIdempotencyStore(c.Store),
		idempotency.WithTTL(c.Config.Orders.ReplayTTL),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(c.Build),
		handlers.WithHealthSystemService(c.Services.System),
	)

	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(c.Config.Store.Firestore.ProjectID),
			observability.RecoveryMiddleware(httpLogger),
		),
		handlers.WithAPIMiddlewares(
			handlers.SessionMiddleware(c.Config.Session, nil),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutRoutes(func(r chi.Router) {
			r.Use(replays)
			checkoutHandlers.Routes(r)
		}),
	)
}

// Start begins relaying remote slot changes and the maintenance loop that closes idle carts and,
// for sqlite, purges slots past retention.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("di: container already started")
	}
	if err := c.Sessions.Start(ctx); err != nil {
		return fmt.Errorf("di: start sessions: %w", err)
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.maintenanceLoop(loopCtx)
	}()
	return nil
}

func (c *Container) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	lastPurge := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purge := now.Sub(lastPurge) >= purgeInterval
			if purge {
				lastPurge = now
			}
			c.maintain(ctx, now, purge)
		}
	}
}

// maintain purges expired slots when asked, then sweeps open carts so none outlives its slot.
func (c *Container) maintain(ctx context.Context, now time.Time, purge bool) {
	logger := c.logger.Named("store")
	if purge && c.purger != nil {
		removed, err := c.purger(ctx, now.Add(-c.Config.Store.Retention))
		switch {
		case err != nil:
			logger.Warn("cart purge failed", zap.Error(err))
		case removed > 0:
			logger.Info("purged idle carts", zap.Int64("removed", removed))
		}
	}
	c.Sessions.Sweep(ctx)
}

// Close stops background work and releases store clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
		if c.Sessions != nil {
			c.Sessions.Close()
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.closeResources()
}

func (c *Container) closeResources() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

type fileWatcher struct {
	store  *filerepo.SlotStore
	logger *zap.Logger
}

func (w fileWatcher) Watch(ctx context.Context) (<-chan repositories.SlotChange, error) {
	return w.store.WatchWithOptions(ctx, filerepo.WithWatchLogger(w.logger))
}
