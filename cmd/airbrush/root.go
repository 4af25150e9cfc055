package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/mastercactapus/airbrush/config"
	"github.com/mastercactapus/airbrush/dispatch"
	"github.com/mastercactapus/airbrush/logging"
	"github.com/mastercactapus/airbrush/session"
	"github.com/mastercactapus/airbrush/surface"
	"github.com/mastercactapus/airbrush/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "airbrush",
	Short:         "Drive a dual-airbrush plotter running RepRapFirmware",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command selected by os.Args.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringP("config", "c", "airbrush.toml", "Config file; ignored if it does not exist.")
	f.String("port", "", "Serial port of the controller (overrides config).")
	f.String("url", "", "HTTP address of the controller (overrides config).")
	f.String("log-level", "", "Log level (overrides config).")
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return cfg, err
	}

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Transport.Kind, cfg.Transport.Port = "serial", port
	}
	if url, _ := cmd.Flags().GetString("url"); url != "" {
		cfg.Transport.Kind, cfg.Transport.URL = "http", url
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) zerolog.Logger {
	lc := logging.DefaultConfig()
	if lvl, ok := logging.ParseLevel(cfg.Log.Level); ok {
		lc.Level = lvl
	}
	lc.NoColor = cfg.Log.NoColor
	lc.JSON = cfg.Log.JSON
	return logging.New("airbrush", lc)
}

func newTransport(cfg config.Config, log zerolog.Logger) transport.Transport {
	log = log.With().Str("component", "transport").Logger()
	if cfg.Transport.Kind == "http" {
		return transport.NewHTTP(cfg.HTTPConfig(), log)
	}
	return transport.NewSerial(cfg.SerialConfig(), log)
}

// openSession connects to the controller described by cfg. reg may be nil.
func openSession(ctx context.Context, cfg config.Config, log zerolog.Logger, reg prometheus.Registerer, pollMode string) (*session.Session, error) {
	opts := session.DefaultOptions()
	opts.Log = log
	opts.Dispatch = cfg.DispatchConfig()
	opts.Poller = cfg.PollerConfig()
	opts.PollMode = pollMode
	if reg != nil {
		opts.Metrics = dispatch.NewMetrics(reg)
	}

	mesh, err := cfg.Mesh()
	if err != nil {
		return nil, fmt.Errorf("surface: %w", err)
	}
	if mesh != nil {
		opts.Compensator = surface.NewCompensator(mesh)
		b := mesh.Bounds()
		log.Info().
			Int("points", len(cfg.Surface.Points)).
			Int("triangles", mesh.Triangles()).
			Floats64("bounds", []float64{b.MinX, b.MinY, b.MaxX, b.MaxY}).
			Msg("surface compensation enabled")
	}

	s := session.New(newTransport(cfg, log), opts)
	err = s.Open(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
