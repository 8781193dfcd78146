package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tempo/internal/monitoring"
)

func newServeMetricsCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics and health endpoints until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMetricsServer(cmd.Context(), addr, monitoring.NewHealthMonitor(a.cfg), func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "Address to serve /metrics on")
	return cmd
}
