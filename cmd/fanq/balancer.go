package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/fanq/internal/balancer"
	"github.com/oriys/fanq/internal/metrics"
)

func balancerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balancer",
		Short: "Run the load balancer over the configured broker set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			lbAddr, err := cfg.LoadBalancerAddr()
			if err != nil {
				return err
			}
			brokers, err := cfg.BrokerAddrs()
			if err != nil {
				return err
			}

			var m *metrics.Metrics
			if cfg.MetricsAddr != "" {
				m = metrics.New("fanq")
				m.Serve(cfg.MetricsAddr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			lb := balancer.New(lbAddr, brokers, balancer.Options{
				Framing:        cfg.FramingMode(),
				MaxMessageSize: cfg.MaxMessageSize,
				Metrics:        m,
			})
			if err := lb.ListenAndServe(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}

	return cmd
}
