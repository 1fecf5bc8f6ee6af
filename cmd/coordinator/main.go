// Command coordinator runs the cluster's directory service: it computes
// the static letter/replica-group assignment, tracks storage-node
// liveness, and answers client directory lookups.
//
// Usage: coordinator -s <num_groups> -b <num_backups>
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
	"github.com/rowkv/cluster/pkg/coordinator"
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
	numGroups   int
	numBackups  int
	listenAddr  string
	ipAddr      string
	storePath   string
	commonFlags *config.Common
)

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the cluster's directory and liveness coordinator",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVarP(&numGroups, "servers", "s", 3, "Number of replica groups")
	rootCmd.Flags().IntVarP(&numBackups, "backups", "b", 2, "Number of backups per replica group")
	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", "127.0.0.1:4999", "Address to listen on for client lookups and node heartbeats")
	rootCmd.Flags().StringVar(&ipAddr, "ip", "127.0.0.1", "IP address every replica binds to")
	rootCmd.Flags().StringVar(&storePath, "data-dir", "", "Optional bbolt path to persist the computed assignment (disabled if empty)")
	commonFlags = config.RegisterCommon(rootCmd, "127.0.0.1:9101", "127.0.0.1:8080")
}

func run(cmd *cobra.Command, args []string) error {
	commonFlags.InitLogging()

	if numGroups < 1 {
		return fmt.Errorf("option \"-s\" requires a positive integer argument, got %d", numGroups)
	}
	if numBackups < 1 {
		return fmt.Errorf("option \"-b\" requires a positive integer argument, got %d", numBackups)
	}

	var store *coordinator.Store
	if storePath != "" {
		s, err := coordinator.OpenStore(storePath)
		if err != nil {
			return fmt.Errorf("open assignment store: %w", err)
		}
		store = s
	}

	coord, err := coordinator.New(coordinator.Config{
		Addr:       listenAddr,
		IPAddr:     ipAddr,
		NumGroups:  numGroups,
		NumBackups: numBackups,
		Store:      store,
	})
	if err != nil {
		return err
	}

	metrics.SetCriticalComponents("directory")
	metrics.RegisterComponent("directory", true, "")
	metrics.SetVersion("coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serveMetrics(commonFlags.MetricsAddr)
	collector := metrics.NewCollector(coord, nil, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	if commonFlags.AdminAddr != "" {
		if err := coord.PushTopologyTo(commonFlags.AdminAddr); err != nil {
			clog.Errorf("initial admin topology push failed", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- coord.ListenAndServe(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		clog.Info("coordinator shutting down")
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
