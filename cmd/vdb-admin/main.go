package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vecengine/internal/collection"
	"vecengine/internal/common"
	"vecengine/internal/config"
	"vecengine/internal/manager"
	"vecengine/internal/query"
	"vecengine/internal/recovery"
	"vecengine/internal/snapshot"
)

// openManager loads configuration and opens the manager once per CLI
// invocation; vdb-admin is a short-lived inspection tool, not a daemon, so
// it never needs a signal-driven shutdown path.
func openManager() (*manager.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return manager.Open(cfg)
}

var rootCmd = &cobra.Command{
	Use:   "vdb-admin",
	Short: "vecengine administration CLI",
	Long:  `A command-line interface for inspecting and managing a vecengine data directory.`,
}

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Collection lifecycle operations",
}

var collectionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live collections",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := openManager()
		if err != nil {
			fail(err)
		}
		defer m.Close()

		names := m.ListCollections()
		fmt.Printf("📋 %d live collection(s):\n", len(names))
		for _, name := range names {
			man, err := m.CollectionConfig(name)
			if err != nil {
				fmt.Printf("  %s: %v\n", name, err)
				continue
			}
			count, _ := m.Count(name)
			fmt.Printf("  %s  dim=%d metric=%s vectors=%d\n", name, man.Dimension, man.DistanceMetric, count)
		}
	},
}

var (
	createDimension int
	createMetric    string
)

var collectionCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new collection",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := openManager()
		if err != nil {
			fail(err)
		}
		defer m.Close()

		man := &collection.Manifest{
			Name:           args[0],
			Dimension:      createDimension,
			DistanceMetric: collection.DistanceMetric(createMetric),
			CreatedAt:      common.Now(),
		}
		if err := m.CreateCollection(context.Background(), man); err != nil {
			fail(err)
		}
		fmt.Printf("✅ collection %q created\n", args[0])
	},
}

var hardDeleteFlag bool

var collectionDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a collection (soft by default)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := openManager()
		if err != nil {
			fail(err)
		}
		defer m.Close()

		if hardDeleteFlag {
			if err := recovery.New(m).HardDelete(context.Background(), args[0], time.Now().UnixNano()); err != nil {
				fail(err)
			}
			fmt.Printf("✅ collection %q hard-deleted (backed up first)\n", args[0])
			return
		}
		if err := m.DeleteCollection(context.Background(), args[0], false); err != nil {
			fail(err)
		}
		fmt.Printf("✅ collection %q soft-deleted\n", args[0])
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [collection] [k]",
	Short: "Run a nearest-neighbor query with a vector read from stdin as JSON",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := openManager()
		if err != nil {
			fail(err)
		}
		defer m.Close()

		var vec []float32
		if err := json.NewDecoder(os.Stdin).Decode(&vec); err != nil {
			fail(fmt.Errorf("decode query vector from stdin: %w", err))
		}
		var k int
		if _, err := fmt.Sscanf(args[1], "%d", &k); err != nil {
			fail(fmt.Errorf("invalid k: %w", err))
		}

		svc := query.New(m)
		matches, err := svc.NearestNeighbor(context.Background(), args[0], vec, k, 0, nil)
		if err != nil {
			fail(err)
		}
		for _, match := range matches {
			fmt.Printf("%s\tdistance=%f\t%s\n", match.ID, match.Distance, string(match.Metadata))
		}
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Snapshot operations",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create [collection]",
	Short: "Take a new snapshot of a collection",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := openManager()
		if err != nil {
			fail(err)
		}
		defer m.Close()

		svc := snapshot.New(m, func() int64 { return time.Now().Unix() }, nil)
		meta, err := svc.Create(context.Background(), args[0])
		if err != nil {
			fail(err)
		}
		fmt.Printf("✅ snapshot %q created (%s, checksum %s)\n", meta.Name, common.FormatBytes(meta.SizeBytes), meta.Checksum)
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [collection]",
	Short: "List snapshots for a collection",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := openManager()
		if err != nil {
			fail(err)
		}
		defer m.Close()

		svc := snapshot.New(m, func() int64 { return time.Now().Unix() }, nil)
		list, err := svc.List(args[0])
		if err != nil {
			fail(err)
		}
		fmt.Printf("📋 %d snapshot(s) for %q:\n", len(list), args[0])
		for _, meta := range list {
			fmt.Printf("  %s  created=%d size=%s\n", meta.Name, meta.CreatedAt, common.FormatBytes(meta.SizeBytes))
		}
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore [collection] [name]",
	Short: "Restore a collection from a named snapshot",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := openManager()
		if err != nil {
			fail(err)
		}
		defer m.Close()

		svc := snapshot.New(m, func() int64 { return time.Now().Unix() }, nil)
		if err := svc.Restore(args[0], args[1]); err != nil {
			fail(err)
		}
		fmt.Printf("✅ %q restored from snapshot %q\n", args[0], args[1])
	},
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Quarantine and recovery operations",
}

var recoveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined (soft-deleted) collections",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := openManager()
		if err != nil {
			fail(err)
		}
		defer m.Close()

		list, err := recovery.New(m).ListQuarantined()
		if err != nil {
			fail(err)
		}
		fmt.Printf("📋 %d quarantined collection(s):\n", len(list))
		for _, q := range list {
			fmt.Printf("  %s  (original %q, deleted at %s)\n", q.QuarantinedName, q.OriginalName, time.Unix(0, q.DeletedAtNanos).Format(time.RFC3339))
		}
	},
}

var recoveryRestoreCmd = &cobra.Command{
	Use:   "restore [quarantined-name]",
	Short: "Restore a quarantined collection under its original name",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := openManager()
		if err != nil {
			fail(err)
		}
		defer m.Close()

		if err := recovery.New(m).Restore(args[0]); err != nil {
			fail(err)
		}
		fmt.Printf("✅ %q restored\n", args[0])
	},
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "🛑 %v\n", err)
	os.Exit(1)
}

func init() {
	collectionCreateCmd.Flags().IntVar(&createDimension, "dimension", 0, "vector dimension")
	collectionCreateCmd.Flags().StringVar(&createMetric, "metric", "cosine", "distance metric (cosine|euclidean|dot|manhattan)")
	collectionDeleteCmd.Flags().BoolVar(&hardDeleteFlag, "hard", false, "permanently delete instead of soft-deleting")

	collectionCmd.AddCommand(collectionListCmd, collectionCreateCmd, collectionDeleteCmd)
	rootCmd.AddCommand(collectionCmd)
	rootCmd.AddCommand(searchCmd)

	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotRestoreCmd)
	rootCmd.AddCommand(snapshotCmd)

	recoveryCmd.AddCommand(recoveryListCmd, recoveryRestoreCmd)
	rootCmd.AddCommand(recoveryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
