package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ineyio/tokenquota/server"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the quota HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, v, true, func(a *app) error {
				opts := []server.Option{server.WithLogger(a.logger)}
				if a.metrics != nil {
					opts = append(opts, server.WithMetricsHandler(a.metrics))
				}
				a.logger.Info("starting",
					"store", a.cfg.Store.Driver,
					"provider", a.cfg.Model.Provider,
					"model", a.cfg.Model.Name,
					"metrics", a.cfg.Metrics.Enabled,
				)
				return server.New(a.cfg.Listen, a.svc, opts...).ListenAndServe(cmd.Context())
			})
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides config)")
	_ = v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	cmd.Flags().Bool("metrics", false, "expose Prometheus metrics on /metrics")
	_ = v.BindPFlag("metrics.enabled", cmd.Flags().Lookup("metrics"))
	return cmd
}
