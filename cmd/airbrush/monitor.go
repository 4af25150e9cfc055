package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mastercactapus/airbrush/dispatch"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll the controller and print every event as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if mode, _ := cmd.Flags().GetString("poll"); mode != "" {
			cfg.Poller.Mode = mode
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, cfg, newLogger(cfg), nil, cfg.Poller.Mode)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		defer s.Dispatcher.OnEvent(func(ev dispatch.Event) {
			data, err := dispatch.MarshalEvent(ev)
			if err == nil {
				fmt.Fprintln(out, string(data))
			}
		})()

		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().String("poll", "", "Poll mode: tiered, motion, both or off (overrides config).")
}
