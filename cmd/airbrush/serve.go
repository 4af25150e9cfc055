package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mastercactapus/airbrush/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the controller and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.API.Listen = addr
		}
		if mode, _ := cmd.Flags().GetString("poll"); mode != "" {
			cfg.Poller.Mode = mode
		}
		dir, _ := cmd.Flags().GetString("dir")
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		s, err := openSession(ctx, cfg, log, reg, cfg.Poller.Mode)
		if err != nil {
			return err
		}
		defer s.Close()

		if cfg.MQTT.Broker != "" {
			client, err := telemetry.Dial(ctx, cfg.MQTT.Broker, cfg.MQTT.ClientID, log)
			if err != nil {
				return err
			}
			defer client.Disconnect(250)
			bridge := telemetry.NewBridge(telemetry.ClientPublisher{Client: client, Log: log}, cfg.MQTT.Prefix, log)
			defer s.Dispatcher.OnEvent(bridge.HandleEvent)()
		}

		a := newAPI(s, dir, reg, log)
		defer a.Close()

		srv := &http.Server{Addr: cfg.API.Listen, Handler: a}
		serverErrors := make(chan error, 1)
		go func() {
			log.Info().Str("addr", srv.Addr).Str("data", dir).Msg("serving")
			serverErrors <- srv.ListenAndServe()
		}()

		select {
		case err := <-serverErrors:
			return err
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(sctx)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("graceful shutdown incomplete")
			return srv.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (overrides config).")
	serveCmd.Flags().String("dir", "./data", "Data directory for job files.")
	serveCmd.Flags().String("poll", "", "Poll mode: tiered, motion, both or off (overrides config).")
}
