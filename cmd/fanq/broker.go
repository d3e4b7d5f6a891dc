package main

import (
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/fanq/internal/address"
	"github.com/oriys/fanq/internal/broker"
	"github.com/oriys/fanq/internal/config"
	"github.com/oriys/fanq/internal/metrics"
	"github.com/oriys/fanq/internal/queue"
	"github.com/oriys/fanq/internal/snapshot"
)

func brokerCmd() *cobra.Command {
	var (
		host string
		port int
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run one broker, or the whole configured cluster with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var addrs []address.Address
			if all {
				addrs, err = cfg.BrokerAddrs()
				if err != nil {
					return err
				}
			} else {
				if host == "" || port == 0 {
					return fmt.Errorf("either --all or both --host and --port are required")
				}
				addr, err := address.Parse(net.JoinHostPort(host, strconv.Itoa(port)))
				if err != nil {
					return err
				}
				addrs = []address.Address{addr}
			}

			var m *metrics.Metrics
			if cfg.MetricsAddr != "" {
				m = metrics.New("fanq")
				m.Serve(cfg.MetricsAddr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for _, addr := range addrs {
				store, err := newSnapshotStore(cfg, addr)
				if err != nil {
					return err
				}

				engine, err := queue.NewEngine(store)
				if err != nil {
					return err
				}
				if m != nil {
					engine.SetSnapshotObserver(func(d time.Duration, err error) {
						m.RecordSnapshotWrite(d.Seconds(), err)
					})
				}

				b := broker.New(addr, engine, broker.Options{
					Framing:        cfg.FramingMode(),
					MaxMessageSize: cfg.MaxMessageSize,
					Metrics:        m,
				})
				if err := b.ListenAndServe(ctx); err != nil {
					return err
				}
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host to bind the broker to")
	cmd.Flags().IntVar(&port, "port", 0, "Port to bind the broker to")
	cmd.Flags().BoolVar(&all, "all", false, "Run every broker in the configured cluster")

	return cmd
}

func newSnapshotStore(cfg *config.Config, addr address.Address) (snapshot.Store, error) {
	switch cfg.Snapshot.Backend {
	case "redis":
		return snapshot.NewRedisStore(
			cfg.Snapshot.Redis.Addr,
			cfg.Snapshot.Redis.Password,
			cfg.Snapshot.Redis.DB,
			addr.String(),
		)
	default:
		return snapshot.NewFileStore(cfg.Snapshot.Dir, addr.String()), nil
	}
}
