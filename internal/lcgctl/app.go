package lcgctl

import (
	"context"
	"io"
	"os"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	commonconfig "github.com/armadaproject/lcg/internal/common/config"
	"github.com/armadaproject/lcg/internal/common/logging"
	"github.com/armadaproject/lcg/internal/common/serve"
	"github.com/armadaproject/lcg/internal/lcg/backend"
	"github.com/armadaproject/lcg/internal/lcg/configuration"
	"github.com/armadaproject/lcg/internal/lcg/downloader"
	"github.com/armadaproject/lcg/internal/lcg/job"
	"github.com/armadaproject/lcg/internal/lcg/middleware"
	"github.com/armadaproject/lcg/internal/lcg/middleware/simulator"
	"github.com/armadaproject/lcg/internal/lcg/notifier"
	"github.com/armadaproject/lcg/internal/lcg/prepare"
	"github.com/armadaproject/lcg/internal/lcg/reconcile"
	"github.com/armadaproject/lcg/internal/lcg/repository"
	"github.com/armadaproject/lcg/internal/lcg/requirements"
	"github.com/armadaproject/lcg/internal/lcg/sandboxcache"
	"github.com/armadaproject/lcg/internal/lcg/submit"
)

type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the applications's output.
	Out io.Writer

	config     configuration.LCGConfiguration
	repository repository.JobRepository
	backend    *backend.LCG
	downloads  *downloader.Downloader
	closers    []func()
}

// Params struct holds all user-customizable parameters.
type Params struct {
	// Directory the base config.yaml is read from.
	ConfigDir string
	// Config files merged over the base config, in order.
	ConfigFiles []string
}

// New instantiates an App with default parameters and standard output.
func New() *App {
	return &App{
		Params: &Params{ConfigDir: "config/lcgctl"},
		Out:    os.Stdout,
	}
}

// Init loads the configuration named by Params and builds the backend.
func (a *App) Init(ctx context.Context) error {
	config := configuration.Default()
	if commonconfig.LoadConfig(&config, a.Params.ConfigDir, a.Params.ConfigFiles) == nil {
		return errors.New("error loading configuration")
	}
	if err := logging.ConfigureLogging(config.Logging); err != nil {
		return err
	}
	return a.Configure(ctx, config)
}

// Configure builds the backend and its collaborators from config. Close releases them.
func (a *App) Configure(ctx context.Context, config configuration.LCGConfiguration) error {
	if err := configuration.ValidateLCGConfiguration(config); err != nil {
		return err
	}
	a.config = config

	registry, err := newRegistry(config.Middleware)
	if err != nil {
		return err
	}
	cache, err := newSandboxCache(ctx, config.Sandbox)
	if err != nil {
		return err
	}
	jobNotifier := a.newNotifier(config.Notifier)

	repo, closeRepo, err := repository.NewSQLiteRepository(config.RepositoryPath)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closeRepo)
	if err := repo.Setup(ctx); err != nil {
		return err
	}
	a.repository = repo

	a.downloads = downloader.New(config.Downloader)
	a.downloads.Start(ctx)
	a.closers = append(a.closers, a.downloads.Stop)

	preparer := prepare.NewPreparer(prepare.NewConfig(config), cache, requirements.NewGlueRequirements(config.Requirements))
	submitter := submit.NewSubmitter(config.Submission.VirtualOrganisation, config.Submission.SubmissionThreads, config.Submission.Timeout)
	reconciler := reconcile.New(registry, a.downloads, jobNotifier)
	a.backend = backend.NewLCG(backend.NewConfig(config), registry, preparer, submitter, reconciler, jobNotifier)

	if config.MetricsPort != 0 {
		a.closers = append(a.closers, serve.ServeMetrics(config.MetricsPort))
	}
	return nil
}

// Close releases everything Configure opened, in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newRegistry registers the simulator client for every enabled middleware flavour.
func newRegistry(config configuration.MiddlewareConfiguration) (*middleware.Registry, error) {
	sim, err := simulator.New(simulator.Config{
		Host:              config.Simulator.Host,
		ComputingElements: config.Simulator.ComputingElements,
		FailEvery:         config.Simulator.FailEvery,
		StateFile:         config.Simulator.StateFile,
	})
	if err != nil {
		return nil, err
	}
	var client middleware.Client = sim
	if config.RateLimit > 0 {
		client = middleware.NewRateLimitedClient(client, config.RateLimit, config.RateBurst)
	}

	registry := middleware.NewRegistry()
	for _, name := range config.Enabled {
		flavour, err := job.ParseMiddleware(name)
		if err != nil {
			return nil, err
		}
		registry.Register(flavour, client)
	}
	return registry, nil
}

func newSandboxCache(ctx context.Context, config configuration.SandboxConfiguration) (sandboxcache.SandboxCache, error) {
	switch config.Cache {
	case "s3":
		return sandboxcache.NewS3Cache(ctx, config.S3, config.ChecksumCacheSize)
	default:
		return sandboxcache.NewLocalCache(config.Local.Directory, config.ChecksumCacheSize)
	}
}

func (a *App) newNotifier(config configuration.NotifierConfiguration) notifier.Notifier {
	if config.Type != "redis" {
		return notifier.LogNotifier{}
	}
	db := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	a.closers = append(a.closers, func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("error closing redis client")
		}
	})
	return notifier.NewRedisNotifier(db, config.Redis.Hash, config.Redis.Channel)
}
