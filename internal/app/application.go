package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/taskvine/jobcore/internal/app/domain/commission"
	commissionsvc "github.com/taskvine/jobcore/internal/app/services/commission"
	"github.com/taskvine/jobcore/internal/app/services/lifecycle"
	"github.com/taskvine/jobcore/internal/app/storage"
	"github.com/taskvine/jobcore/internal/app/storage/memory"
	"github.com/taskvine/jobcore/internal/app/system"
	"github.com/taskvine/jobcore/internal/realtime"
	"github.com/taskvine/jobcore/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil store defaults to the
// in-memory implementation.
type Stores struct {
	Store storage.Store
}

// Options injects the external collaborators. Nil fields get local
// defaults: a fixed rate policy, a recording gateway, and a JWT
// authenticator with an empty secret.
type Options struct {
	Rates          commissionsvc.RatePolicy
	Gateway        commissionsvc.PaymentGateway
	Auth           realtime.Authenticator
	Hub            realtime.HubConfig
	DefaultRateBps int64
	RollupSchedule string

	// Redis enables cross-node event fan-out when set.
	Redis        *redis.Client
	RedisChannel string
}

// Application ties the lifecycle and commission services to the realtime
// layer and manages their lifecycles.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Lifecycle  *lifecycle.Service
	Commission *commissionsvc.Service
	Hub        *realtime.Hub
	Router     *realtime.Router
	Registry   *realtime.Registry
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	if stores.Store == nil {
		stores.Store = memory.New()
	}
	if opts.Rates == nil {
		bps := opts.DefaultRateBps
		if bps == 0 {
			bps = 1000
		}
		opts.Rates = commissionsvc.FixedRatePolicy{Rate: commission.Rate{Bps: bps, Tier: "standard"}}
	}
	if opts.Gateway == nil {
		log.Warn("no payment gateway configured; using the recording gateway")
		opts.Gateway = &commissionsvc.RecordingGateway{Log: log.Component("gateway")}
	}
	if opts.Auth == nil {
		log.Warn("no authenticator configured; accepting tokens signed with an empty secret")
		opts.Auth = realtime.NewJWTAuthenticator("")
	}

	manager := system.NewManager()

	commissionService := commissionsvc.New(stores.Store, opts.Rates, opts.Gateway, log.Component("commission"))
	lifecycleService := lifecycle.New(stores.Store, commissionService, log.Component("lifecycle"))

	registry := realtime.NewRegistry()
	router := realtime.NewRouter(log.Component("router"))
	hub := realtime.NewHub(opts.Auth, registry, router, opts.Hub, log.Component("hub"))

	if opts.Redis != nil {
		fanout := realtime.NewFanout(opts.Redis, opts.RedisChannel, hub, log.Component("fanout"))
		lifecycleService.AttachEmitter(fanout)
		commissionService.AttachEmitter(fanout)
		if err := manager.Register(fanout); err != nil {
			return nil, fmt.Errorf("register fan-out: %w", err)
		}
	} else {
		lifecycleService.AttachEmitter(hub)
		commissionService.AttachEmitter(hub)
	}

	rollup := commissionsvc.NewRollup(commissionService, commissionsvc.LogSink{Log: log.Component("rollup")}, opts.RollupSchedule, log.Component("rollup"))

	for _, svc := range []system.Service{hub, rollup} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	for _, name := range []string{"lifecycle", "commission"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Lifecycle:  lifecycleService,
		Commission: commissionService,
		Hub:        hub,
		Router:     router,
		Registry:   registry,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and drains the router.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.Router.Close()
	return err
}
