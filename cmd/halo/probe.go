package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run one reachability probe and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			prober, closeProber, err := newProber(cfg)
			if err != nil {
				return err
			}
			defer closeProber()

			if timeout <= 0 {
				timeout = cfg.Connectivity.Timeout
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			start := time.Now()
			reachable, err := prober.Probe(ctx)
			elapsed := time.Since(start).Round(time.Millisecond)
			if err != nil {
				fmt.Printf("unreachable (%s): %v\n", elapsed, err)
				return nil
			}
			if reachable {
				fmt.Printf("reachable (%s)\n", elapsed)
			} else {
				fmt.Printf("unreachable (%s)\n", elapsed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Probe timeout (default: connectivity.timeout)")
	return cmd
}
