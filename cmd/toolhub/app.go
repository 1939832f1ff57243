package main

import (
	"context"
	"fmt"
	"time"

	"toolhub/internal/config"
	"toolhub/internal/localsvc"
	"toolhub/internal/namespace"
	"toolhub/internal/observability"
	"toolhub/internal/router"
	"toolhub/internal/shared/logging"
	"toolhub/internal/worker"
	"toolhub/internal/worker/servers"
)

// hub is the assembled runtime: worker proxy, local registry and the
// router over both.
type hub struct {
	cfg     config.Config
	router  *router.Router
	proxy   *worker.Proxy
	local   *localsvc.Registry
	process *worker.Process
	tracer  *observability.TracerProvider
	logger  logging.Logger
}

// buildHub wires every component from config: the worker (in-process
// goroutine by default, subprocess when a command is configured), the
// local services, and the router over both.
func buildHub(ctx context.Context, cfg config.Config) (*hub, error) {
	logger := logging.NewComponentLogger("hub")

	metrics, err := observability.NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	transportOpts := worker.TransportOptions{
		Timeout: cfg.Worker.CallTimeout,
		Logger:  logging.NewComponentLogger("worker.transport"),
	}

	var (
		transport *worker.Transport
		process   *worker.Process
	)
	if cfg.Worker.Command != "" {
		process = worker.NewProcess(worker.ProcessConfig{
			Command: cfg.Worker.Command,
			Args:    cfg.Worker.Args,
		}, logging.NewComponentLogger("worker.process"))
		transport, err = process.Start(ctx, transportOpts)
		if err != nil {
			return nil, fmt.Errorf("start worker process: %w", err)
		}
	} else {
		transport = worker.StartInProcess(ctx, servers.Default(), transportOpts)
	}

	proxy := worker.NewProxy(transport, logging.NewComponentLogger("worker.proxy"))
	if err := proxy.Initialize(ctx); err != nil {
		_ = proxy.Cleanup()
		return nil, fmt.Errorf("initialize worker: %w", err)
	}

	local := localsvc.NewRegistry(logging.NewComponentLogger("localsvc"))
	rt := router.New(router.Options{
		Resolver: namespace.NewResolver(cfg.Prefix, logging.NewComponentLogger("namespace")),
		Worker:   proxy,
		Local:    local,
		Cache:    cfg.Cache,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   logging.NewComponentLogger("router"),
	})

	h := &hub{
		cfg:     cfg,
		router:  rt,
		proxy:   proxy,
		local:   local,
		process: process,
		tracer:  tracer,
		logger:  logger,
	}

	for _, name := range cfg.Worker.Servers {
		if err := rt.LoadWorkerServer(ctx, name); err != nil {
			logger.Warn("Skipping worker server %q: %v", name, err)
		}
	}

	if root := cfg.Local.FilesystemRoot; root != "" {
		fs, err := localsvc.NewFilesystem(root)
		if err != nil {
			logger.Warn("Filesystem service disabled: %v", err)
		} else if err := rt.RegisterLocalService(ctx, fs); err != nil {
			logger.Warn("Filesystem service failed to register: %v", err)
		}
	}
	if err := rt.RegisterLocalService(ctx, localsvc.NewMemory(cfg.Local.MemorySnapshot)); err != nil {
		logger.Warn("Memory service failed to register: %v", err)
	}

	return h, nil
}

// close tears the hub down in reverse construction order.
func (h *hub) close(ctx context.Context) {
	for _, id := range h.local.IDs() {
		if err := h.router.UnregisterLocalService(ctx, id); err != nil {
			h.logger.Warn("Unregister %q: %v", id, err)
		}
	}
	if err := h.proxy.Cleanup(); err != nil {
		h.logger.Warn("Worker cleanup: %v", err)
	}
	if h.process != nil {
		if err := h.process.Stop(5 * time.Second); err != nil {
			h.logger.Warn("Worker process stop: %v", err)
		}
	}
	if err := h.tracer.Shutdown(ctx); err != nil {
		h.logger.Warn("Tracer shutdown: %v", err)
	}
}
