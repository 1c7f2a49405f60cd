package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/wabridge/internal/channels"
	"github.com/nextlevelbuilder/wabridge/internal/channels/cloudapi"
	"github.com/nextlevelbuilder/wabridge/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/internal/gateway"
	httpapi "github.com/nextlevelbuilder/wabridge/internal/http"
	"github.com/nextlevelbuilder/wabridge/internal/pipeline"
	"github.com/nextlevelbuilder/wabridge/internal/resolver"
	"github.com/nextlevelbuilder/wabridge/internal/tracing"
	"github.com/nextlevelbuilder/wabridge/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the channel, ingestion pipeline and admin HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfgPath := resolveConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing.shutdown_failed", "error", err)
		}
	}()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	res := resolver.New(cfg.Services.IdentityURL, cfg.Services.ConversationURL, cfg.HTTPTimeout())
	disp := webhook.NewDispatcher(stores.Webhooks, cfg.Services.WebhookBaseURL, cfg.HTTPTimeout())
	pipe := pipeline.New(pipeline.Config{
		AllowedGroups: cfg.AllowedGroups(),
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
	}, res, stores.Messages, disp)

	ch, cloud, err := buildChannel(cfg)
	if err != nil {
		return err
	}
	mgr := channels.NewManager()
	mgr.RegisterChannel(ch)
	mgr.OnMessage(pipe.HandleInbound)

	var limiter *rate.Limiter
	if cfg.Server.SendRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.SendRPS), max(cfg.Server.SendBurst, 1))
	}
	if cfg.Server.Token == "" {
		slog.Warn("http.no_token", "hint", "set WABRIDGE_HTTP_TOKEN to protect the admin API")
	}
	srv := gateway.NewServer(cfg.Addr(),
		httpapi.NewWebhooksHandler(stores.Webhooks, cfg.Server.Token),
		httpapi.NewMessagesHandler(stores.Messages, mgr, limiter, cfg.Server.Token),
	)
	srv.SetStatus(func() any { return mgr.GetStatus() })
	if cloud != nil {
		srv.Mount(cloud.WebhookPath(), cloud.Handler())
	}

	watcher := config.NewWatcher(cfgPath, func(next *config.Config) {
		cfg.ReplaceFrom(next)
		pipe.SetAllowedGroups(cfg.AllowedGroups())
	})

	slog.Info("wabridge.starting",
		"version", Version,
		"channel", ch.Name(),
		"addr", cfg.Addr(),
		"store", cfg.Database.ResolvedDriver(),
		"allowed_groups", len(cfg.AllowedGroups()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		if err := mgr.StartAll(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return mgr.StopAll(sctx)
	})
	g.Go(func() error { return runWatcher(gctx, watcher) })

	err = g.Wait()

	// In-flight pipeline runs and webhook deliveries finish before the store closes.
	pipe.Wait()
	slog.Info("wabridge.stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runWatcher runs the config watcher. Hot reload is optional, so a watcher
// that cannot start is logged and never stops the server.
func runWatcher(ctx context.Context, w *config.Watcher) error {
	if err := w.Run(ctx); err != nil {
		slog.Warn("config.watch_disabled", "error", err)
	}
	return nil
}

// buildChannel picks the transport from config. The Cloud API variant is
// also returned so its webhook handler can be mounted on the admin server.
func buildChannel(cfg *config.Config) (channels.Channel, *cloudapi.Channel, error) {
	switch cfg.Channel.Type {
	case "cloud":
		c := cfg.Channel.Cloud
		ch, err := cloudapi.New(cloudapi.Config{
			APIBase:       c.APIBase,
			PhoneNumberID: c.PhoneNumberID,
			AccessToken:   c.AccessToken,
			AppSecret:     c.AppSecret,
			VerifyToken:   c.VerifyToken,
			WebhookPath:   c.WebhookPath,
			Timeout:       cfg.HTTPTimeout(),
		})
		if err != nil {
			return nil, nil, err
		}
		return ch, ch, nil
	default:
		ch, err := whatsapp.New(whatsapp.Config{
			BridgeURL:   cfg.Channel.Bridge.URL,
			SendTimeout: cfg.HTTPTimeout(),
		})
		if err != nil {
			return nil, nil, err
		}
		return ch, nil, nil
	}
}
