package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mastercactapus/airbrush/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the controller status document",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s, err := openSession(ctx, cfg, newLogger(cfg), nil, session.PollOff)
		if err != nil {
			return err
		}
		defer s.Close()

		st, err := s.Status(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Duration("timeout", 10*time.Second, "Give up after this long.")
}
