// Command relayd runs the flit event relay: it bridges the upstream
// activity socket to local consumers and serves the dashboard gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/flitstream/flit/errs"
	"github.com/flitstream/flit/internal/alert"
	"github.com/flitstream/flit/internal/bus"
	"github.com/flitstream/flit/internal/config"
	"github.com/flitstream/flit/internal/console"
	"github.com/flitstream/flit/internal/dashboard"
	"github.com/flitstream/flit/internal/dedup"
	"github.com/flitstream/flit/internal/filter"
	"github.com/flitstream/flit/internal/logging"
	"github.com/flitstream/flit/internal/schema"
	"github.com/flitstream/flit/internal/stream"
	"github.com/flitstream/flit/internal/telemetry"
	"github.com/flitstream/flit/internal/users"
)

const (
	serviceName = "flit-relay"

	shutdownTimeout          = 30 * time.Second
	httpShutdownTimeout      = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	outputsShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()

	config.LoadEnv(logging.NewLogger())
	log := logging.NewServiceLogger(serviceName)

	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	channels, err := parseChannels(cfg.Channels)
	if err != nil {
		log.WithError(err).Fatal("Invalid CHANNELS")
	}
	eventTypes, err := parseEventTypes(cfg.EventTypeFilters)
	if err != nil {
		log.WithError(err).Fatal("Invalid EVENT_TYPE_FILTERS")
	}

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		log.WithError(err).Fatal("Initialize telemetry")
	}

	filterCfg := filter.FilterConfig{
		Users:      cfg.UserFilters,
		Keywords:   cfg.KeywordFilters,
		EventTypes: eventTypes,
	}

	b := bus.New(bus.Config{}, logging.Component(log, "bus"))
	stats := stream.NewStats()

	core, err := stream.NewCore(stream.Config{
		URL:      cfg.UpstreamURL,
		Token:    cfg.UpstreamToken,
		Channels: channels,
		Users:    cfg.UserFilters,
		Filters:  filter.FromConfig(filterCfg),
		Dedup:    dedup.New(dedup.DefaultMaxEntries, dedup.DefaultTTL),
		Bus:      b,
		Stats:    stats,
		Debug:    cfg.Debug,
		Logger:   logging.Component(log, "stream"),
	})
	if err != nil {
		log.WithError(err).Fatal("Initialize stream core")
	}

	restBase, err := users.HTTPBaseURL(cfg.UpstreamURL)
	if err != nil {
		log.WithError(err).Fatal("Derive upstream REST base")
	}
	fetcher := users.NewFetcher(restBase, cfg.UpstreamToken, logging.Component(log, "users"))

	alertOut := alert.NewOutput(buildAlertChannels(cfg), logging.Component(log, "alert"))
	consoleOut := console.New(stats, logging.Component(log, "console"))

	gateway, err := dashboard.New(dashboard.Config{
		Core:   core,
		Users:  fetcher,
		Alerts: alertOut,
		Logger: logging.Component(log, "dashboard"),
	})
	if err != nil {
		log.WithError(err).Fatal("Initialize dashboard gateway")
	}

	core.OnStateChange(gateway.BroadcastConnectionStatus)
	fetcher.OnRefresh(gateway.BroadcastActiveUsers)

	consoleOut.Start(b)
	alertOut.Start(b)
	gateway.Start(b)

	if err := fetcher.Start(ctx, users.DefaultRefreshInterval); err != nil {
		log.WithError(err).Warn("Monitored-users refresh not started")
	}
	validator := users.NewValidator(fetcher, logging.Component(log, "users"))
	if result := validator.Validate(ctx, cfg.UserFilters); !result.Valid {
		log.WithFields(logging.Fields{
			"invalidUsers": result.InvalidUsers,
			"sample":       result.SampleActiveUsers,
		}).Warn("Configured user filters not found in the active roster")
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := core.Run(ctx); err != nil {
			log.WithError(err).Error("Stream core exited")
		}
	})

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		log.WithError(err).Fatal("Bind dashboard listener")
	}
	server := &http.Server{
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Dashboard server exited")
		}
	})

	log.WithFields(logging.Fields{
		"addr":     cfg.ListenAddr(),
		"channels": channels,
	}).Info("Relay started; awaiting shutdown signal")
	<-ctx.Done()
	log.Info("Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, log, gracefulShutdownConfig{
		server:     server,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		gateway:    gateway,
		alerts:     alertOut,
		console:    consoleOut,
		fetcher:    fetcher,
		telemetry:  telemetryProvider,
	})
	log.WithField("elapsed", time.Since(shutdownStart).String()).Info("Shutdown completed")
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// parseChannels validates the configured categories against the closed
// channel enum; one unknown name fails startup.
func parseChannels(raw []string) ([]schema.Channel, error) {
	channels := make([]schema.Channel, 0, len(raw))
	for _, item := range raw {
		ch, ok := schema.ParseChannel(item)
		if !ok {
			return nil, errs.New("config", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("unknown channel %q (known: %v)", item, schema.KnownChannels())))
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func parseEventTypes(raw []string) ([]schema.EventType, error) {
	types := make([]schema.EventType, 0, len(raw))
	for _, item := range raw {
		t, ok := schema.ParseEventType(item)
		if !ok {
			return nil, errs.New("config", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("unknown event type %q", item)))
		}
		types = append(types, t)
	}
	return types, nil
}

// buildAlertChannels constructs every configured alert channel; channels
// without credentials are absent rather than disabled.
func buildAlertChannels(cfg config.Config) []alert.Channel {
	channels := make([]alert.Channel, 0, 3)
	if cfg.Telegram.Enabled() {
		channels = append(channels, alert.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	if cfg.Discord.Enabled() {
		channels = append(channels, alert.NewDiscordChannel(cfg.Discord.WebhookURL))
	}
	if cfg.Webhook.Enabled() {
		channels = append(channels, alert.NewWebhookChannel(cfg.Webhook.URL, cfg.Webhook.Method, cfg.Webhook.Headers))
	}
	return channels
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	gateway    *dashboard.Gateway
	alerts     *alert.Output
	console    *console.Output
	fetcher    *users.Fetcher
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, log *logrus.Entry, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
		defer stepCancel()
		log.Infof("Shutdown: %s", name)
		if err := fn(stepCtx); err != nil {
			log.WithError(err).Warnf("Shutdown: %s failed", name)
		}
	}

	// Cancelling the main context disconnects the upstream client, which
	// stops new events from entering the pipeline.
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.server != nil {
		shutdownStep("draining dashboard server", httpShutdownTimeout, cfg.server.Shutdown)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	shutdownStep("stopping outputs", outputsShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			if cfg.gateway != nil {
				cfg.gateway.Stop()
			}
			if cfg.alerts != nil {
				cfg.alerts.Stop()
			}
			if cfg.console != nil {
				cfg.console.Stop()
			}
			if cfg.fetcher != nil {
				cfg.fetcher.Stop()
			}
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	})

	if cfg.telemetry != nil {
		shutdownStep("flushing telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
