// Command crealityd runs the printer bridge daemon: it maintains the
// WebSocket session to the printer and exposes the live state over HTTP
// and, optionally, MQTT with Home Assistant discovery.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hawky358/ha-creality-ws/internal/config"
	"github.com/hawky358/ha-creality-ws/internal/core/health"
	"github.com/hawky358/ha-creality-ws/internal/core/printer"
	"github.com/hawky358/ha-creality-ws/internal/core/telemetry"
	"github.com/hawky358/ha-creality-ws/internal/core/transport"
	"github.com/hawky358/ha-creality-ws/internal/httpapi"
	"github.com/hawky358/ha-creality-ws/internal/mqtt"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "crealityd",
		Short:         "Bridge a Creality K-series printer to HTTP and MQTT",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	})

	return rootCmd
}

func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg.Log)
	log.Info("starting crealityd",
		"version", version,
		"host", cfg.Printer.Host,
		"http_addr", cfg.HTTP.Addr,
		"mqtt_enabled", cfg.MQTT.Enabled,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := telemetry.NewEventBus(log)
	store := telemetry.NewStore(bus, log)

	dialer := transport.NewPrinterDialer(cfg.Printer.Port, log)
	client := printer.NewClient(printer.Config{
		Host:          cfg.Printer.Host,
		MinBackoff:    cfg.Printer.MinBackoff(),
		MaxBackoff:    cfg.Printer.MaxBackoff(),
		Keepalive:     cfg.Printer.Keepalive(),
		ProbeDelay:    cfg.Printer.ProbeSilence(),
		RetryAttempts: cfg.Printer.RetryAttempts,
		RetryInterval: cfg.Printer.RetryInterval(),
	}, dialer, store, log)
	store.BindAvailability(client.LastRx, cfg.Printer.StaleAfter())

	ctrl := printer.NewController(client, store, log)
	monitor := health.NewMonitor(store, cfg.Printer.StaleAfter(), log)

	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop(context.Background())

	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop(context.Background())

	var publisher mqtt.Publisher = mqtt.NewStubPublisher(log)
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
			DeviceName:  cfg.MQTT.DeviceName,
		}, ctrl, store, bus, log)
	}
	if err := publisher.Start(ctx); err != nil {
		return err
	}
	defer publisher.Stop(context.Background())

	api := httpapi.NewServer(client, ctrl, store, cfg.HTTP.CORSAll, log)
	httpSrv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("http server failed", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", "error", err)
	}

	log.Info("crealityd stopped")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
