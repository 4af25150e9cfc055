package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mastercactapus/airbrush/gcode"
	"github.com/mastercactapus/airbrush/session"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Send a G-code file (or stdin) and wait for it to finish",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		var r io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		instrs, err := gcode.Parse(r)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, cfg, log, nil, session.PollOff)
		if err != nil {
			return err
		}
		defer s.Close()

		log.Info().Int("lines", len(instrs)).Msg("running")
		return s.Run(ctx, instrs)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
