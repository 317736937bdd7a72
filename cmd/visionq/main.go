package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	dataDir    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "visionq",
	Short: "VisionQ - partitioned image description dispatch",
	Long: `VisionQ ingests batches of images, distributes them across a
partitioned shard space, and dispatches each one to a vision-language
model for description. It runs either as the streaming API server or
as a distributed queue worker bound to a set of partitions.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"VisionQ version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "/var/lib/visionq", "directory for the ingest ledger")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}
