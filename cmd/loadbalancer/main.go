// Command loadbalancer runs the cluster's load balancer: it accepts
// client connections on one port, front-end heartbeats on another, and
// dispatches each client to a uniformly-random live front-end.
//
// Usage: loadbalancer <number_of_servers>
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rowkv/cluster/pkg/clog"
	"github.com/rowkv/cluster/pkg/config"
	"github.com/rowkv/cluster/pkg/lb"
	"github.com/rowkv/cluster/pkg/metrics"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	clientAddr    string
	heartbeatAddr string
	commonFlags   *config.Common
)

var rootCmd = &cobra.Command{
	Use:   "loadbalancer <number_of_servers>",
	Short: "Run the cluster's client-facing load balancer",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&clientAddr, "client-addr", "127.0.0.1:7500", "Address clients connect to for dispatch")
	rootCmd.Flags().StringVar(&heartbeatAddr, "heartbeat-addr", "127.0.0.1:4000", "Address front-ends send PING heartbeats to")
	commonFlags = config.RegisterCommon(rootCmd, "127.0.0.1:9102", "127.0.0.1:8080")
}

func run(cmd *cobra.Command, args []string) error {
	commonFlags.InitLogging()

	numServers, err := config.PositiveInt("<number_of_servers>", args[0])
	if err != nil {
		return err
	}
	clog.Info(fmt.Sprintf("expecting %d front-end server(s) to register via heartbeat", numServers))

	balancer := lb.New(lb.Config{
		ClientAddr:    clientAddr,
		HeartbeatAddr: heartbeatAddr,
	}, nil)

	metrics.SetCriticalComponents("dispatch")
	metrics.RegisterComponent("dispatch", true, "")
	metrics.SetVersion("loadbalancer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveMetrics(commonFlags.MetricsAddr)
	collector := metrics.NewCollector(nil, balancer, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	if commonFlags.AdminAddr != "" {
		if err := balancer.PushTopologyTo(commonFlags.AdminAddr); err != nil {
			clog.Errorf("initial admin topology push failed", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- balancer.ListenAndServe(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		clog.Info("load balancer shutting down")
		cancel()
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		clog.Errorf("metrics server stopped", err)
	}
}
