package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/power-dialer/internal/api/handlers"
	"github.com/acme/power-dialer/internal/archive"
	"github.com/acme/power-dialer/internal/config"
	"github.com/acme/power-dialer/internal/dialer"
	"github.com/acme/power-dialer/internal/infra/db"
	"github.com/acme/power-dialer/internal/infra/redis"
	"github.com/acme/power-dialer/internal/queue"
	"github.com/acme/power-dialer/internal/repository"
	pgrepo "github.com/acme/power-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/power-dialer/internal/repository/scylla"
	"github.com/acme/power-dialer/internal/service/concurrency"
	"github.com/acme/power-dialer/internal/service/lists"
	"github.com/acme/power-dialer/internal/telephony"
	telephonyMock "github.com/acme/power-dialer/internal/telephony/mock"
	"github.com/acme/power-dialer/internal/telephony/twilio"
	"github.com/acme/power-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies. Every backing
// store is optional: the dialer itself runs from memory, and history, the
// shared line gate and the redis registry switch on as they are configured.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	engine    *dialer.Engine
	publisher *queue.ProgressPublisher
	archiver  *archive.S3Archiver

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
	}
}

type repositories struct {
	Runs        repository.RunRepository
	ListEntries repository.ListEntryRepository
	Legs        repository.LegStore
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg}
	if err := c.connect(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	if err := c.migrate(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	if err := c.buildEngine(); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	if cfg.Archive.Enabled {
		a, err := archive.NewS3Archiver(ctx, cfg.Archive)
		if err != nil {
			_ = c.Close(context.Background())
			return nil, fmt.Errorf("bootstrap archive: %w", err)
		}
		c.archiver = a
	}
	return c, nil
}

func (c *Container) connect(ctx context.Context) error {
	cfg := c.Config
	if cfg.Postgres.Host != "" {
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
	}
	if len(cfg.Scylla.Hosts) > 0 {
		scylla, err := db.NewScylla(ctx, cfg.Scylla)
		if err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
	}
	if cfg.Redis.Address != "" {
		redisClient, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = redisClient
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = kafka
	}
	return nil
}

func (c *Container) migrate(ctx context.Context) error {
	if c.Postgres != nil && c.Config.Postgres.AutoMigrate {
		if err := pgrepo.Migrate(ctx, c.Postgres.DB()); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	if c.Scylla != nil && !c.Config.Scylla.DisableInitSchema {
		if err := scyllarepo.NewLegStore(c.Scylla.Session()).EnsureSchema(ctx); err != nil {
			return fmt.Errorf("migrate scylla: %w", err)
		}
	}
	return nil
}

func (c *Container) buildEngine() error {
	cfg := c.Config

	gateway, err := c.gateway()
	if err != nil {
		return err
	}

	broadcaster := dialer.NewBroadcaster(cfg.Dialer.SubscriberBuffer, c.Logger)
	if c.Kafka != nil {
		c.publisher = queue.NewProgressPublisher(c.Kafka, cfg.Kafka.ProgressTopic)
		broadcaster.AttachSink(c.publisher, cfg.Dialer.SinkBuffer)
	}

	opts := []dialer.Option{dialer.WithBroadcaster(broadcaster)}
	switch cfg.Dialer.RegistryBackend {
	case "redis":
		if c.Redis == nil {
			return fmt.Errorf("bootstrap dialer: redis registry requires redis.address")
		}
		opts = append(opts, dialer.WithRegistry(redis.NewLegRegistry(c.Redis.Inner(), cfg.Dialer.RegistryTTL)))
	}
	if cfg.Throttle.GlobalLines > 0 {
		if c.Redis == nil {
			return fmt.Errorf("bootstrap dialer: throttle.global_lines requires redis.address")
		}
		limiter := concurrency.NewLimiter(c.Redis.Inner(), cfg.Throttle.GlobalLines, cfg.Throttle.LockTTL)
		opts = append(opts, dialer.WithLineGate(limiter))
	}

	c.engine = dialer.NewEngine(gateway, dialer.PolicyFromConfig(cfg), c.Logger, opts...)
	c.Logger.Info("dialer engine ready",
		zap.String("provider", cfg.Provider.Name),
		zap.String("bridge_strategy", cfg.Dialer.Bridge.Strategy),
		zap.String("registry", cfg.Dialer.RegistryBackend),
		zap.Bool("history", c.Kafka != nil))
	return nil
}

func (c *Container) gateway() (telephony.Gateway, error) {
	switch c.Config.Provider.Name {
	case "twilio":
		return twilio.NewGateway(c.Config.Provider), nil
	case "mock", "":
		return telephonyMock.NewFromConfig(c.Config.Provider), nil
	}
	return nil, fmt.Errorf("bootstrap dialer: unknown provider %q", c.Config.Provider.Name)
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{}
		if c.Postgres != nil {
			repos.Runs = pgrepo.NewRunRepository(c.Postgres.DB())
			repos.ListEntries = pgrepo.NewListEntryRepository(c.Postgres.DB())
		}
		if c.Scylla != nil {
			repos.Legs = scyllarepo.NewLegStore(c.Scylla.Session())
		}
		c.components.repositories = repos
	})
}

// Repositories exposes initialized repositories. Fields are nil when their
// backing store is not configured.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Lists returns the contact list service, or nil without postgres.
func (c *Container) Lists() handlers.ListImporter {
	repos := c.Repositories()
	if repos.ListEntries == nil {
		return nil
	}
	return lists.NewService(repos.ListEntries)
}

// Engine exposes the dialer engine.
func (c *Container) Engine() *dialer.Engine {
	return c.engine
}

// Archiver returns the run report archiver, or nil when archiving is off.
func (c *Container) Archiver() *archive.S3Archiver {
	return c.archiver
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	repos := c.Repositories()
	deps := handlers.Deps{
		Dialer:        c.engine,
		Runs:          repos.Runs,
		ListEntries:   repos.ListEntries,
		Legs:          repos.Legs,
		Lists:         c.Lists(),
		PublicBaseURL: c.Config.Provider.CallbackBaseURL,
		KeepAlive:     c.Config.HTTP.StreamKeepAlive,
		HealthChecks:  map[string]handlers.HealthCheck{},
		Logger:        c.Logger,
	}
	if c.Config.Provider.Name == "twilio" && c.Config.Provider.ValidateSignatures {
		deps.Signatures = twilio.NewSignatureValidator(c.Config.Provider.AuthToken)
	}
	if c.Postgres != nil {
		deps.HealthChecks["postgres"] = c.Postgres.Health
	}
	if c.Scylla != nil {
		deps.HealthChecks["scylla"] = c.Scylla.Health
	}
	if c.Redis != nil {
		deps.HealthChecks["redis"] = c.Redis.Health
	}
	if c.Kafka != nil {
		deps.HealthChecks["kafka"] = c.Kafka.Health
	}
	return handlers.NewHandlerSet(deps)
}

// EnsureTopics ensures the progress topic exists.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopic(ctx, c.Config.Kafka.ProgressTopic, c.Config.Kafka.Partitions, c.Config.Kafka.ReplicationFactor)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var closers []closer
	if c.publisher != nil {
		closers = append(closers, closer{"progress publisher", c.publisher.Close})
	}
	if c.Redis != nil {
		closers = append(closers, closer{"redis", c.Redis.Close})
	}
	if c.Scylla != nil {
		closers = append(closers, closer{"scylla", c.Scylla.Close})
	}
	if c.Postgres != nil {
		closers = append(closers, closer{"postgres", func() error { return c.Postgres.Close(ctx) }})
	}
	err := closeAll(closers)
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return err
}

type closer struct {
	name  string
	close func() error
}

// closeAll runs every closer in order and joins their failures.
func closeAll(closers []closer) error {
	var errs []error
	for _, c := range closers {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", c.name, err))
		}
	}
	return errors.Join(errs...)
}
