package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/thruflo/foreman/internal/agent"
	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/controller"
	"github.com/thruflo/foreman/internal/delivery"
	"github.com/thruflo/foreman/internal/events"
	"github.com/thruflo/foreman/internal/logging"
	"github.com/thruflo/foreman/internal/metrics"
	"github.com/thruflo/foreman/internal/recovery"
	"github.com/thruflo/foreman/internal/session"
	"github.com/thruflo/foreman/internal/store"
)

// runtime is the fully wired engine shared by serve and recover.
type runtime struct {
	cfg        *config.Config
	logger     *logging.Logger
	store      store.DocumentStore
	prometheus *prometheus.Registry
	metrics    *metrics.Metrics
	hub        *events.Hub
	registry   *session.Registry
	controller *controller.Controller
	supervisor *controller.Supervisor
	scanner    *recovery.Scanner
}

type runtimeOptions struct {
	// includeDiscovery lets recovery resume sessions stuck in discovery.
	includeDiscovery bool
}

// newRuntime wires every component. Runs launched by the supervisor use ctx.
func newRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts runtimeOptions) (*runtime, error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, store: st}
	ok := false
	defer func() {
		if !ok {
			_ = st.Close()
		}
	}()

	rt.prometheus = prometheus.NewRegistry()
	rt.prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.metrics = metrics.New(rt.prometheus)

	rt.hub = events.NewHub(logger)
	sink := events.MultiSink{rt.hub, events.NewLogSink(logger)}

	rt.registry, err = session.NewRegistry(ctx, st, session.Options{
		Sink:           sink,
		Logger:         logger,
		Metrics:        rt.metrics,
		MaxReviewCount: cfg.Limits.MaxReviewIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	invoker := agent.NewInvoker(agent.Options{
		Config:  cfg.Agent,
		Logger:  logger,
		Metrics: rt.metrics,
	})
	classifier := agent.NewClassifier(invoker, nil, logger)

	verifier, err := delivery.NewGitHubVerifier(ctx, cfg.GitHub, logger)
	if err != nil {
		return nil, err
	}

	stages, err := controller.NewStageTable(cfg.Stages)
	if err != nil {
		return nil, err
	}

	rt.controller, err = controller.New(controller.Options{
		Registry:   rt.registry,
		Agent:      invoker,
		Classifier: classifier,
		Verifier:   verifier,
		Stages:     stages,
		Limits:     cfg.Limits,
		Sink:       sink,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	rt.supervisor = controller.NewSupervisor(ctx, rt.controller, logger)
	rt.supervisor.Attach(rt.registry)

	rt.scanner = recovery.NewScanner(recovery.Options{
		Registry:         rt.registry,
		Launcher:         rt.supervisor,
		Threshold:        cfg.Limits.StalenessThreshold,
		IncludeDiscovery: opts.includeDiscovery,
		Metrics:          rt.metrics,
		Logger:           logger,
	})

	ok = true
	return rt, nil
}

// Close waits for in-flight runs and closes the store.
func (rt *runtime) Close() error {
	rt.supervisor.Wait()
	_ = rt.logger.Sync()
	return rt.store.Close()
}
