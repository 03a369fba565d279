package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/events"
	"github.com/R3E-Network/infomart/internal/app/metrics"
	"github.com/R3E-Network/infomart/internal/app/services/agent"
	"github.com/R3E-Network/infomart/internal/app/services/budget"
	"github.com/R3E-Network/infomart/internal/app/services/feeds"
	"github.com/R3E-Network/infomart/internal/app/services/housekeeping"
	marketsvc "github.com/R3E-Network/infomart/internal/app/services/market"
	"github.com/R3E-Network/infomart/internal/app/services/payment"
	"github.com/R3E-Network/infomart/internal/app/services/treasury"
	"github.com/R3E-Network/infomart/internal/app/storage"
	"github.com/R3E-Network/infomart/internal/app/storage/memory"
	"github.com/R3E-Network/infomart/internal/app/system"
	"github.com/R3E-Network/infomart/internal/config"
	"github.com/R3E-Network/infomart/internal/middleware"
	"github.com/R3E-Network/infomart/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Products storage.ProductStore
	Sessions storage.SessionStore
}

// Options overrides collaborators, mostly for tests. Zero values select the
// implementations described by the configuration.
type Options struct {
	Stores  Stores
	Seed    *config.Seed
	Oracle  agent.Oracle
	Gateway payment.Gateway
	Logger  *logger.Logger
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Config       *config.Config
	Treasury     *treasury.Treasury
	MarketEvents *events.Bus[market.Event]
	Market       *marketsvc.Service
	Budget       *budget.Controller
	Feeds        *feeds.Registry
	Signer       *payment.Signer
	Sandbox      *payment.SandboxGateway
	Gateway      payment.Gateway
	Verifier     *payment.Verifier
	Agent        *agent.Runner
	RateLimiter  *middleware.RateLimiter
	Housekeeping *housekeeping.Scheduler
}

// New builds a fully initialised application. The seed catalog is published
// before New returns.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	log := opts.Logger
	if log == nil {
		log = logger.New("app", cfg.LogLevel, cfg.LogFormat)
	}

	mem := memory.New()
	stores := opts.Stores
	if stores.Products == nil {
		stores.Products = mem
	}
	if stores.Sessions == nil {
		stores.Sessions = mem
	}

	seed := opts.Seed
	if seed == nil {
		loaded, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		seed = loaded
	}

	tr := treasury.New(cfg.Market.TreasuryLogSize)
	marketBus := events.New[market.Event](
		events.WithHistory(cfg.BusHistory),
		events.WithDropHook(func() { metrics.EventDropped("market") }),
		events.WithLogger(log.Named("events")),
	)
	marketService := marketsvc.New(stores.Products, tr, marketBus, marketsvc.Config{
		DefaultStake: cfg.Market.DefaultStake,
		FeeRate:      cfg.Market.FeeRate,
		MinPrice:     cfg.Market.MinPrice,
		MaxPrice:     cfg.Market.MaxPrice,
	}, log.Named("market"))
	if err := marketService.Seed(ctx, seed.Products); err != nil {
		return nil, err
	}

	registry, err := feeds.NewRegistry(seed.Vendors)
	if err != nil {
		return nil, fmt.Errorf("load vendors: %w", err)
	}

	budgetController := budget.New(stores.Sessions, log.Named("budget"))

	secret := cfg.Payment.Secret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return nil, err
		}
		log.Warn("PAYMENT_SECRET not set; payment tokens will not survive a restart")
	}
	signer, err := payment.NewSigner(secret, cfg.Payment.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("payment signer: %w", err)
	}
	sandbox := payment.NewSandboxGateway(signer, cfg.Payment.Network, log.Named("payment"))
	sandbox.Fund(cfg.Agent.Wallet, cfg.Agent.WalletBalance)

	gateway := opts.Gateway
	if gateway == nil {
		var base payment.Gateway = sandbox
		if cfg.Payment.FacilitatorURL != "" {
			facilitator, err := payment.NewFacilitatorGateway(payment.FacilitatorConfig{
				URL:     cfg.Payment.FacilitatorURL,
				APIKey:  cfg.Payment.FacilitatorKey,
				Network: cfg.Payment.Network,
				Timeout: cfg.Payment.Timeout,
			}, nil, log.Named("payment"))
			if err != nil {
				return nil, err
			}
			base = facilitator
		} else {
			log.Warn("PAYMENT_FACILITATOR_URL not set; agent purchases settle in the sandbox")
		}
		gateway = payment.Retrying(base, cfg.Payment.Retries, 0, log.Named("payment"))
	}

	oracle := opts.Oracle
	if oracle == nil {
		if cfg.Oracle.Remote() {
			remote, err := agent.NewOpenAIOracle(agent.OpenAIConfig{
				BaseURL:     cfg.Oracle.URL,
				APIKey:      cfg.Oracle.APIKey,
				Model:       cfg.Oracle.Model,
				Temperature: cfg.Oracle.Temperature,
				Timeout:     cfg.Oracle.Timeout,
				Retries:     cfg.Oracle.Retries,
			}, &http.Client{Timeout: cfg.Oracle.Timeout})
			if err != nil {
				return nil, err
			}
			oracle = remote
		} else {
			log.Warn("ORACLE_URL not set; using the offline keyword oracle")
			oracle = agent.KeywordOracle{}
		}
	}

	runner := agent.New(agent.Config{
		Budget:        cfg.Agent.Budget,
		MaxIterations: cfg.Agent.MaxIterations,
		MinDelay:      cfg.Agent.MinDelay,
		PayerID:       cfg.Agent.Wallet,
		Network:       cfg.Payment.Network,
		History:       cfg.BusHistory,
	}, agent.Deps{
		Market:  marketService,
		Feeds:   registry,
		Budget:  budgetController,
		Gateway: gateway,
		Oracle:  oracle,
		Logger:  log.Named("agent"),
	})

	verifier := payment.NewVerifier(signer)
	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst, log.Named("ratelimit"))

	sweeper, err := housekeeping.New(cfg.HousekeepingSchedule, log.Named("housekeeping"))
	if err != nil {
		return nil, err
	}
	sweeper.Add("sessions", cfg.SessionTTL, budgetController.Evict)
	sweeper.Add("session-streams", cfg.SessionTTL, func(_ context.Context, cutoff time.Time) (int, error) {
		return runner.Prune(cutoff), nil
	})
	sweeper.Add("payment-tokens", 0, func(context.Context, time.Time) (int, error) {
		return verifier.Prune(), nil
	})
	sweeper.Add("rate-limiters", 10*time.Minute, func(_ context.Context, cutoff time.Time) (int, error) {
		return limiter.Prune(cutoff), nil
	})

	manager := system.NewManager()
	for _, svc := range []system.Service{
		system.NoopService{ServiceName: "market"},
		runner,
		sweeper,
	} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:      manager,
		log:          log,
		Config:       cfg,
		Treasury:     tr,
		MarketEvents: marketBus,
		Market:       marketService,
		Budget:       budgetController,
		Feeds:        registry,
		Signer:       signer,
		Sandbox:      sandbox,
		Gateway:      gateway,
		Verifier:     verifier,
		Agent:        runner,
		RateLimiter:  limiter,
		Housekeeping: sweeper,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and closes the market event stream.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.MarketEvents.Close()
	return err
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate payment secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
