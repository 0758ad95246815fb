// Package appctx is the control plane's construction root: the teacher's
// global singletons (policy_engine, rate_limiter,
// auth_validator, observability) become explicit dependencies assembled
// once here and threaded through every component, instead of package-level
// state.
package appctx

import (
	"context"
	"fmt"

	"github.com/controlplane/fleet/internal/authn"
	"github.com/controlplane/fleet/internal/catalog"
	"github.com/controlplane/fleet/internal/clockid"
	"github.com/controlplane/fleet/internal/config"
	"github.com/controlplane/fleet/internal/governance"
	"github.com/controlplane/fleet/internal/httpapi"
	"github.com/controlplane/fleet/internal/llm"
	"github.com/controlplane/fleet/internal/orchestrator"
	"github.com/controlplane/fleet/internal/policy"
	"github.com/controlplane/fleet/internal/ratelimit"
	"github.com/controlplane/fleet/internal/registry"
	"github.com/controlplane/fleet/internal/store"
	"github.com/controlplane/fleet/internal/telemetry"
)

// AppContext holds every shared dependency the control plane's HTTP
// surface and background loops need.
type AppContext struct {
	Config *config.Config
	Clock  clockid.Clock
	Logger telemetry.Logger

	Store      store.Store
	Limiter    *ratelimit.Limiter
	Validator  *authn.Validator
	Registry   *registry.Registry
	Catalog    *catalog.Catalog
	Policy     *policy.Engine
	Governance *governance.Pipeline
	LLMClient  llm.Client
	Orchestrator *orchestrator.Orchestrator
	HTTPServer   *httpapi.Server

	shutdownTelemetry func(context.Context) error
}

// New assembles the full dependency graph from cfg and initialises
// telemetry, which starts the span exporter. It does not start the
// registry's heartbeat monitor — call Start for that once the AppContext
// is built.
func New(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	logger := telemetry.NewProductionLogger()
	clock := clockid.SystemClock{}

	s, err := buildStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("appctx: build store: %w", err)
	}

	limiter := ratelimit.New(s, clock, logger)
	tokenCache := authn.NewTokenCache(cfg.TokenCacheTTL, clock)
	validator := authn.NewValidator(cfg.AuthProxyURL, tokenCache, logger)
	reg := registry.New(s, clock, logger, cfg.RegistryTTL)
	cat := catalog.New()

	loader := policy.NewLoader(s, cfg.PolicyYAMLPath, logger)
	policyEngine := policy.New(loader, limiter, clock, logger, policy.DefaultViolationCapacity)

	pipeline := governance.New(validator, policyEngine, cat, logger)

	var llmClient llm.Client = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.MaxRetries, logger)
	agentClient := orchestrator.NewHTTPAgentClient(0, cfg.MaxRetries, logger)
	orch := orchestrator.New(reg, policyEngine, llmClient, agentClient, clock, logger)

	shutdown, err := telemetry.Init(ctx, "controlplane")
	if err != nil {
		return nil, fmt.Errorf("appctx: init telemetry: %w", err)
	}

	httpServer := httpapi.NewServer(orch, reg, pipeline, validator, logger, "controlplane")

	return &AppContext{
		Config:            cfg,
		Clock:             clock,
		Logger:            logger,
		Store:             s,
		Limiter:           limiter,
		Validator:         validator,
		Registry:          reg,
		Catalog:           cat,
		Policy:            policyEngine,
		Governance:        pipeline,
		LLMClient:         llmClient,
		Orchestrator:      orch,
		HTTPServer:        httpServer,
		shutdownTelemetry: shutdown,
	}, nil
}

func buildStore(cfg *config.Config, logger telemetry.Logger) (store.Store, error) {
	if cfg.StoreURL == "" || cfg.StoreURL == "memory://" {
		logger.Warn("no STORE_URL configured, using in-memory store (not for production)", nil)
		return store.NewMemoryStore(), nil
	}
	return store.NewRedisStore(cfg.StoreURL)
}

// Start launches the registry's self-healing heartbeat monitor.
func (a *AppContext) Start(ctx context.Context) {
	a.Registry.StartHeartbeatMonitor(ctx, a.Config.HeartbeatInterval)
}

// Shutdown stops background loops and flushes telemetry.
func (a *AppContext) Shutdown(ctx context.Context) error {
	a.Registry.StopHeartbeatMonitor()
	if a.shutdownTelemetry != nil {
		return a.shutdownTelemetry(ctx)
	}
	return nil
}
