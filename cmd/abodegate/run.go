package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trymwestin/abodegate/internal/core/platform"
	"github.com/trymwestin/abodegate/internal/httpapi"
	"github.com/trymwestin/abodegate/internal/mqtt"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := platform.New(cfg.Abode, log.With("component", "platform"))
		if err != nil {
			return err
		}
		if err := p.Start(ctx); err != nil {
			log.Error("failed to initialize", "error", err)
			return fmt.Errorf("failed to initialize: %w", err)
		}

		clientID := "abodegate"
		if id := p.DeviceID(); len(id) >= 8 {
			clientID += "-" + id[:8]
		}

		var pub mqtt.Publisher
		if cfg.MQTT.Enabled {
			pub = mqtt.NewHAPublisher(mqtt.Config{
				Broker:          cfg.MQTT.Broker,
				Username:        cfg.MQTT.Username,
				Password:        cfg.MQTT.Password,
				TopicPrefix:     cfg.MQTT.TopicPrefix,
				DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
				ClientID:        clientID,
			}, p, p, p, log.With("component", "mqtt"))
		} else {
			pub = mqtt.NewStubPublisher(log.With("component", "mqtt"))
		}
		if err := pub.Start(ctx); err != nil {
			_ = p.Stop()
			return err
		}

		api := httpapi.NewServer(p, cfg.HTTP.CORSAll, log.With("component", "http"))
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		srvErr := make(chan error, 1)
		go func() {
			log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
			close(srvErr)
		}()

		var runErr error
		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case err, ok := <-srvErr:
			if ok {
				runErr = fmt.Errorf("http server: %w", err)
			}
		case <-p.Done():
			runErr = errors.New("platform stopped unexpectedly")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown", "error", err)
		}
		if err := pub.Stop(shutdownCtx); err != nil {
			log.Warn("MQTT shutdown", "error", err)
		}
		if err := p.Stop(); err != nil {
			log.Warn("platform shutdown", "error", err)
		}
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
