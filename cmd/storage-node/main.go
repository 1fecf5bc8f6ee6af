// Command storage-node runs a single replicated storage node: it owns
// one or more tablets, answers the KV wire protocol, holds a replica
// role (primary or secondary) within its group, and heartbeats to the
// coordinator.
//
// Usage: storage-node -p <port> -s <range_start> -e <range_end>
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rowkv/cluster/pkg/clog"
	"github.com/rowkv/cluster/pkg/clusterspec"
	"github.com/rowkv/cluster/pkg/config"
	"github.com/rowkv/cluster/pkg/coordinator"
	"github.com/rowkv/cluster/pkg/metrics"
	"github.com/rowkv/cluster/pkg/oplog"
	"github.com/rowkv/cluster/pkg/replica"
	"github.com/rowkv/cluster/pkg/storagenode"
	"github.com/rowkv/cluster/pkg/tablet"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	port        int
	rangeStart  string
	rangeEnd    string
	ipAddr      string
	numGroups   int
	numBackups  int
	coordAddr   string
	dataDir     string
	commonFlags *config.Common
)

var rootCmd = &cobra.Command{
	Use:   "storage-node",
	Short: "Run a replicated key-value storage node",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Storage node's own port number (required)")
	rootCmd.Flags().StringVarP(&rangeStart, "start", "s", "", "Start of the tablet row-key range, 2 characters (required)")
	rootCmd.Flags().StringVarP(&rangeEnd, "end", "e", "", "End of the tablet row-key range, 2 characters (required)")
	rootCmd.Flags().StringVar(&ipAddr, "ip", "127.0.0.1", "IP address every replica binds to")
	rootCmd.Flags().IntVar(&numGroups, "groups", 3, "Number of replica groups the coordinator assigns (must match the coordinator)")
	rootCmd.Flags().IntVar(&numBackups, "backups", 2, "Number of backups per replica group (must match the coordinator)")
	rootCmd.Flags().StringVar(&coordAddr, "coordinator-addr", "127.0.0.1:4999", "Coordinator address to heartbeat to")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "./storage-node-data", "Directory for the node's persisted operation log")
	commonFlags = config.RegisterCommon(rootCmd, "127.0.0.1:9100", "127.0.0.1:8080")
}

func run(cmd *cobra.Command, args []string) error {
	commonFlags.InitLogging()

	if port == 0 {
		return fmt.Errorf("option \"-p\" is required")
	}
	if _, err := config.TabletRangeArg("-s", rangeStart); err != nil {
		return err
	}
	if _, err := config.TabletRangeArg("-e", rangeEnd); err != nil {
		return err
	}

	var manifest *clusterspec.Manifest
	if commonFlags.ManifestPath != "" {
		m, err := clusterspec.Load(commonFlags.ManifestPath)
		if err != nil {
			return err
		}
		manifest = m
		if manifest.NumGroups > 0 {
			numGroups = manifest.NumGroups
		}
		if manifest.NumBackups > 0 {
			numBackups = manifest.NumBackups
		}
		if manifest.IPAddr != "" {
			ipAddr = manifest.IPAddr
		}
	}

	selfAddr := fmt.Sprintf("%s:%d", ipAddr, port)

	assignment, err := coordinator.ComputeAssignment(numGroups, numBackups, ipAddr)
	if err != nil {
		return fmt.Errorf("compute replica assignment: %w", err)
	}

	groupID, role, primaryAddr, secondaries, ok := locateSelf(assignment, selfAddr)
	if !ok {
		return fmt.Errorf("port %d does not correspond to any replica in a %d-group/%d-backup assignment", port, numGroups, numBackups)
	}

	tablets := buildTablets(manifest, selfAddr, rangeStart, rangeEnd)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	log, err := oplog.Open(filepath.Join(dataDir, fmt.Sprintf("node-%d.oplog", port)))
	if err != nil {
		return fmt.Errorf("open operation log: %w", err)
	}
	defer log.Close()

	recorder := metrics.NodeRecorder{}
	node := storagenode.New(storagenode.Config{
		Addr:        selfAddr,
		Tablets:     tablets,
		Role:        role,
		GroupID:     groupID,
		PrimaryAddr: primaryAddr,
		Secondaries: secondaries,
		DialTimeout: 2 * time.Second,
		Log:         log,
		Recorder:    recorder,
	})

	if err := node.LoadSnapshot(dataDir); err != nil {
		return fmt.Errorf("load tablet snapshot: %w", err)
	}

	metrics.SetCriticalComponents("replication", "oplog")
	metrics.RegisterComponent("oplog", true, "")
	metrics.RegisterComponent("replication", true, "")
	metrics.SetVersion("storage-node")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if role == replica.RoleSecondary {
		catchUpCtx, catchUpCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := node.CatchUp(catchUpCtx); err != nil {
			clog.Errorf("catch-up from primary failed, serving from recovered state", err)
		}
		catchUpCancel()
	}

	go serveMetrics(commonFlags.MetricsAddr)
	go node.HeartbeatToCoordinator(ctx, coordAddr, storagenode.DefaultHeartbeatInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- node.ListenAndServe(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		clog.Info("storage node shutting down")
		cancel()
		if err := node.SaveSnapshot(dataDir); err != nil {
			clog.Errorf("tablet snapshot on shutdown failed", err)
		}
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	return nil
}

// locateSelf finds selfAddr's role and peers within the computed
// assignment: the deterministic "ip:5<group><replica>0" port-naming
// convention means a node's own address alone is enough to discover
// which group it belongs to and whether it is primary or secondary.
func locateSelf(a coordinator.Assignment, selfAddr string) (groupID int, role replica.Role, primaryAddr string, secondaries []string, ok bool) {
	for i, g := range a.Groups {
		if g.Primary == selfAddr {
			return i, replica.RolePrimary, "", g.Secondaries, true
		}
		for _, s := range g.Secondaries {
			if s == selfAddr {
				return i, replica.RoleSecondary, g.Primary, nil, true
			}
		}
	}
	return 0, replica.RolePrimary, "", nil, false
}

func buildTablets(manifest *clusterspec.Manifest, selfAddr, rangeStart, rangeEnd string) []*tablet.Tablet {
	if manifest != nil {
		if ranges := manifest.TabletsFor(selfAddr); len(ranges) > 0 {
			out := make([]*tablet.Tablet, 0, len(ranges))
			for _, r := range ranges {
				out = append(out, tablet.New(r.Start, r.End))
			}
			return out
		}
	}
	return []*tablet.Tablet{tablet.New(rangeStart, rangeEnd)}
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
