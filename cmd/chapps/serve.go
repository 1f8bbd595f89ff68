package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chapps/internal/config"
	"chapps/internal/logging"
	"chapps/internal/metrics"
	"chapps/internal/policy"
	"chapps/internal/policy/spf"
	"chapps/internal/redisstore"
	"chapps/internal/server"
	"chapps/internal/sqlstore"
)

func runServe() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Chapps.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	collector, metricsServer := metrics.New(cfg.Metrics)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sqlStore, err := sqlstore.Open(cfg.Adapter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening config store: %v\n", err)
		os.Exit(1)
	}
	defer sqlStore.Close()
	store := policy.InstrumentStore(sqlStore, collector)

	redis := redisstore.ForWrite(cfg.Redis)
	defer redis.Close()
	redis.InstrumentErrors(collector)

	quota, err := policy.NewQuotaPolicy(cfg, redis, store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building quota policy: %v\n", err)
		os.Exit(1)
	}
	greylist, err := policy.NewGreylistPolicy(cfg, redis, store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building greylist policy: %v\n", err)
		os.Exit(1)
	}
	sda, err := policy.NewSenderDomainAuthPolicy(cfg, redis, store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building sender domain auth policy: %v\n", err)
		os.Exit(1)
	}
	spfEngine, err := spf.NewEngine(cfg, redis, store, greylist, nil, collector, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building spf policy: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		Logger:     logger,
		LogPayload: cfg.Chapps.LogLevel == "debug",
	})

	noUserKey := cfg.Chapps.NoUserKeyResponse
	handler := func(engines ...server.Engine) server.ConnectionHandler {
		return server.NewHandler(noUserKey, collector, engines...).Handle
	}

	// Cascades bind to their first engine's listener.
	services := map[string]func(){
		"quota":    func() { srv.AddService(quota.Name(), cfg.Quota.Addr(), handler(quota)) },
		"greylist": func() { srv.AddService(greylist.Name(), cfg.Greylist.Addr(), handler(greylist)) },
		"sda":      func() { srv.AddService(sda.Name(), cfg.SDA.Addr(), handler(sda)) },
		"spf":      func() { srv.AddService(spfEngine.Name(), cfg.SPF.Addr(), handler(spfEngine)) },
		"outbound": func() { srv.AddService("outbound", cfg.SDA.Addr(), handler(sda, quota)) },
		"inbound":  func() { srv.AddService("inbound", cfg.SPF.Addr(), handler(spfEngine, greylist)) },
	}

	requested := []string{"quota", "greylist", "sda", "spf"}
	if flags.Policies != "" {
		requested = strings.Split(flags.Policies, ",")
	}
	for _, name := range requested {
		name = strings.TrimSpace(name)
		add, ok := services[name]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown policy service %q (valid: quota, greylist, sda, spf, outbound, inbound)\n", name)
			os.Exit(1)
		}
		add()
	}

	logger.Info("starting chapps", "services", requested)

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
