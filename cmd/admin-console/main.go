// Command admin-console runs the cluster's operator-facing admin
// control plane: it accepts the coordinator's and load balancer's
// startup topology pushes, serves a read-only JSON status endpoint, and
// lets an operator issue KILL/WAKE commands against any known server.
//
// Usage: admin-console
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rowkv/cluster/pkg/admin"
	"github.com/rowkv/cluster/pkg/clog"
	"github.com/rowkv/cluster/pkg/config"
	"github.com/rowkv/cluster/pkg/metrics"
	"github.com/rowkv/cluster/pkg/storage"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	topologyAddr string
	statusAddr   string
	dataDir      string
	commonFlags  *config.Common
)

var rootCmd = &cobra.Command{
	Use:   "admin-console",
	Short: "Run the cluster's admin control plane",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&topologyAddr, "listen-addr", "127.0.0.1:8080", "Address to accept coordinator/load-balancer topology pushes on")
	rootCmd.Flags().StringVar(&statusAddr, "status-addr", "127.0.0.1:8081", "Address to serve the read-only JSON status/healthz endpoints on")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Optional bbolt path to persist KILL/WAKE action history (disabled if empty)")
	commonFlags = config.RegisterCommon(rootCmd, "127.0.0.1:9103", "")
}

func run(cmd *cobra.Command, args []string) error {
	commonFlags.InitLogging()

	var store *storage.Store
	if dataDir != "" {
		s, err := storage.Open(dataDir, "actions")
		if err != nil {
			return fmt.Errorf("open action history store: %w", err)
		}
		store = s
		defer s.Close()
	}

	console := admin.New(admin.Config{Store: store})

	metrics.SetCriticalComponents()
	metrics.SetVersion("admin-console")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveMetrics(commonFlags.MetricsAddr)

	statusSrv := admin.NewStatusServer(console, statusAddr)
	go func() {
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			clog.Errorf("status server stopped", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- console.ListenForTopologyPushes(ctx, topologyAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		clog.Info("admin console shutting down")
		cancel()
		statusSrv.Close()
	case err := <-errCh:
		statusSrv.Close()
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
