package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	var config Config
	if configFile, err := os.ReadFile(*configPath); err == nil {
		if err := yaml.Unmarshal(configFile, &config); err != nil {
			slog.Error("failed to unmarshal config file", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to read config file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := envconfig.Process("", &config); err != nil {
		slog.Error("failed to process environment configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logLevel := config.Server.LogLevel
	if config.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if config.Sentry.Dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.Sentry.Dsn,
			SampleRate:       config.Sentry.ErrorSampleRate,
			TracesSampleRate: config.Sentry.TracesSampleRate,
			Debug:            config.Sentry.Debug,
		}); err != nil {
			slog.Error("failed to initialize sentry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := run(config); err != nil {
		slog.Error("fatal error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(config Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := OpenStore(config.Database.Path)
	if err != nil {
		return errors.New("opening measurement store: " + err.Error())
	}
	defer store.Close()

	clock := SystemClock{}

	monitor := NewLocalNetworkMonitor(LocalNetworkMonitorOptions{
		Store:         store,
		Clock:         clock,
		ReferenceHost: config.LocalNetwork.ReferenceHost,
		ReferencePort: config.LocalNetwork.ReferencePort,
	})
	go monitor.Start(ctx)
	defer monitor.Stop()

	adapters, closeAdapters, err := buildAdapters(ctx, config, clock)
	if err != nil {
		return err
	}
	defer closeAdapters()

	updatesTopic, err := pubsub.OpenTopic(ctx, config.PubSub.UpdatesURL)
	if err != nil {
		return errors.New("opening updates topic: " + err.Error())
	}
	defer updatesTopic.Shutdown(context.Background())

	updatesSub, err := pubsub.OpenSubscription(ctx, config.PubSub.UpdatesURL)
	if err != nil {
		return errors.New("opening updates subscription: " + err.Error())
	}
	defer updatesSub.Shutdown(context.Background())

	// scheduler, hub and analysis form a three-way reference cycle (scheduler
	// notifies analysis, analysis publishes through hub, hub drives
	// scheduler); construct in dependency order and patch the scheduler's
	// notify callback once analysis exists.
	scheduler := NewProbeScheduler(ProbeSchedulerOptions{
		Store:   store,
		Monitor: monitor,
		Clock:   clock,
	})
	defer scheduler.StopAll()

	hub := NewLiveUpdateHub(LiveUpdateHubOptions{
		Store:        store,
		Scheduler:    scheduler,
		Adapters:     adapters,
		UpdatesTopic: updatesTopic,
		UpdatesSub:   updatesSub,
	})
	go func() {
		if err := hub.Start(); err != nil {
			slog.ErrorContext(ctx, "live update hub stopped", slog.String("error", err.Error()))
		}
	}()
	defer hub.Stop()

	analysis := NewAnalysisEngine(AnalysisEngineOptions{Store: store, Clock: clock, Hub: hub})
	go analysis.RunPeriodicSweep(ctx, hub.ListTargets)
	defer analysis.Stop()

	scheduler.notify = analysis.OnMeasurement

	for _, target := range config.Targets {
		if _, err := hub.AddTarget(ctx, target.Identifier, target.Channel, target.ProbeMethod); err != nil {
			slog.ErrorContext(ctx, "seeding configured target", slog.String("identifier", target.Identifier), slog.String("error", err.Error()))
		}
	}

	server := NewServer(ServerOptions{
		Hub:    hub,
		Host:   "",
		Port:   config.Server.Port,
		Origin: config.Server.ClientOrigin,
	})

	serveErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildAdapters wires one PlatformAdapter per configured platform, each
// backed by its own receipt pub/sub topic/subscription.
func buildAdapters(ctx context.Context, config Config, clock Clock) (map[Channel]PlatformAdapter, func(), error) {
	adapters := make(map[Channel]PlatformAdapter)
	var closers []func()

	whatsAppReceiptTopic, err := pubsub.OpenTopic(ctx, config.PubSub.WhatsAppReceiptsURL)
	if err != nil {
		return nil, nil, errors.New("opening whatsapp receipts topic: " + err.Error())
	}
	whatsAppReceiptSub, err := pubsub.OpenSubscription(ctx, config.PubSub.WhatsAppReceiptsURL)
	if err != nil {
		return nil, nil, errors.New("opening whatsapp receipts subscription: " + err.Error())
	}
	whatsAppAdapter := NewWhatsAppAdapter(WhatsAppAdapterOptions{
		BaseURL:      config.WhatsApp.BridgeURL,
		Clock:        clock,
		ReceiptTopic: whatsAppReceiptTopic,
		ReceiptSub:   whatsAppReceiptSub,
	})
	adapters[ChannelWhatsApp] = whatsAppAdapter
	closers = append(closers, whatsAppAdapter.Close)

	if config.Signal.ApiURL != "" {
		signalReceiptTopic, err := pubsub.OpenTopic(ctx, config.PubSub.SignalReceiptsURL)
		if err != nil {
			return nil, nil, errors.New("opening signal receipts topic: " + err.Error())
		}
		signalReceiptSub, err := pubsub.OpenSubscription(ctx, config.PubSub.SignalReceiptsURL)
		if err != nil {
			return nil, nil, errors.New("opening signal receipts subscription: " + err.Error())
		}
		signalAdapter := NewSignalAdapter(SignalAdapterOptions{
			BaseURL:      config.Signal.ApiURL,
			Clock:        clock,
			ReceiptTopic: signalReceiptTopic,
			ReceiptSub:   signalReceiptSub,
		})
		adapters[ChannelSignal] = signalAdapter
		closers = append(closers, signalAdapter.Close)
	} else {
		// External bridge unavailability is not fatal. No SIGNAL_API_URL
		// means no signal adapter is registered; add-target for "signal"
		// fails with ErrAdapterUnavailable until it's configured.
		slog.WarnContext(ctx, "SIGNAL_API_URL not configured, signal adapter disabled")
	}

	return adapters, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
