package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"carapace/internal/agent"
	"carapace/internal/auth"
	"carapace/internal/bootstrap"
	"carapace/internal/config"
	"carapace/internal/credentials"
	"carapace/internal/llm"
	"carapace/internal/logging"
	"carapace/internal/memory"
	"carapace/internal/observability"
	"carapace/internal/sandbox"
	"carapace/internal/security"
	"carapace/internal/server"
	"carapace/internal/session"
	"carapace/internal/skills"
	"carapace/internal/tools"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, sandbox manager, and egress proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	dataDir := config.DataDir()
	created, err := bootstrap.EnsureDataDir(dataDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}

	log := logging.NewComponentLogger("server")
	logging.SetLevel(logging.ParseLevel(cfg.Carapace.LogLevel))
	for _, path := range created {
		log.Info("seeded %s", path)
	}

	token, err := auth.EnsureToken(dataDir)
	if err != nil {
		return err
	}

	apiKey := os.Getenv(cfg.Agent.APIKeyEnv)
	if apiKey == "" {
		return fmt.Errorf("%s is not set", cfg.Agent.APIKeyEnv)
	}

	store, err := session.NewStore(dataDir, logging.NewComponentLogger("sessions"))
	if err != nil {
		return err
	}
	memStore, err := memory.NewStore(dataDir)
	if err != nil {
		return err
	}
	skillRegistry := skills.NewRegistry(dataDir)
	broker, err := credentials.New(cfg.Credentials.Backend)
	if err != nil {
		return err
	}
	rules, err := security.LoadRules(dataDir)
	if err != nil {
		return err
	}

	mainClient := llm.NewAnthropicClient(llm.AnthropicOptions{
		Model:     cfg.Agent.Model,
		APIKey:    apiKey,
		BaseURL:   cfg.Agent.BaseURL,
		MaxTokens: cfg.Agent.MaxTokens,
		Logger:    logging.NewComponentLogger("llm"),
	})
	classifierClient := llm.NewAnthropicClient(llm.AnthropicOptions{
		Model:     cfg.Agent.ClassifierModel,
		APIKey:    apiKey,
		BaseURL:   cfg.Agent.BaseURL,
		MaxTokens: 1024,
		Logger:    logging.NewComponentLogger("llm"),
	})

	gate := security.NewGate(
		security.NewClassifier(classifierClient, logging.NewComponentLogger("security")),
		security.NewEngine(classifierClient, logging.NewComponentLogger("security")),
		rules,
		logging.NewComponentLogger("security"),
	)

	runtime := sandbox.NewDockerRuntime(logging.NewComponentLogger("docker"))
	metrics := observability.New()
	gate.SetMetrics(metrics)

	manager := sandbox.NewManager(runtime, sandbox.ManagerConfig{
		Image:       cfg.Sandbox.BaseImage,
		Network:     cfg.Sandbox.NetworkName,
		DataDir:     dataDir,
		HostDataDir: config.HostDataDir(),
		ProxyPort:   cfg.Proxy.Port,
		IdleTimeout: time.Duration(cfg.Sandbox.IdleTimeoutMinutes) * time.Minute,
	}, logging.NewComponentLogger("sandbox"))
	manager.SetMetrics(metrics)

	proxy := sandbox.NewProxy(manager, metrics, logging.NewComponentLogger("proxy"))

	apiServer := server.New(server.Options{
		Config:      cfg,
		DataDir:     dataDir,
		Token:       token,
		Store:       store,
		Sandbox:     manager,
		Agent:       agent.New(mainClient, gate, tools.NewRegistry(), logging.NewComponentLogger("agent")),
		Gate:        gate,
		Memory:      memStore,
		Skills:      skillRegistry,
		Credentials: broker,
		Metrics:     metrics,
		Log:         log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runtime.EnsureNetwork(ctx, cfg.Sandbox.NetworkName); err != nil {
		log.Warn("sandbox network unavailable, containers will fail: %v", err)
	}
	if err := proxy.Listen(fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return proxy.Serve(groupCtx) })
	group.Go(func() error { return apiServer.Run(groupCtx) })
	group.Go(func() error {
		manager.RunIdleSweeper(groupCtx)
		return nil
	})

	err = group.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.CleanupAll(cleanupCtx)
	log.Info("shutdown complete")
	return err
}
