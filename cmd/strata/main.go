package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metastore"
	"github.com/cuemby/strata/internal/metastore/boltstore"
	"github.com/cuemby/strata/internal/metastore/filestore"
	"github.com/cuemby/strata/internal/serrs"
	"github.com/cuemby/strata/internal/storage"
	"github.com/cuemby/strata/internal/storage/localstore"
	"github.com/cuemby/strata/internal/storage/ramstore"
	"github.com/cuemby/strata/internal/storage/s3store"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - a distributed search engine over object storage",
	Long: `Strata indexes immutable splits of documents, publishes them to a
metastore, and answers search queries by fanning them out across a cluster
of leaf nodes, merging partial results at a root dispatcher.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"strata version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metastore", "bolt://./strata-data", "Metastore DSN: bolt://<data-dir> or file://<backend-uri> (JSON file store)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(searchStreamCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gcCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// newRegistry builds the storage.Registry every command needs to resolve an
// index_uri to a Backend. S3 credentials come from the environment (no
// config file parser exists in the pack for this domain) so a bare
// STRATA_S3_ENDPOINT env var is enough to exercise s3store from the CLI.
func newRegistry() *storage.Registry {
	r := storage.NewRegistry()
	r.Register("file", localstore.Factory)
	r.Register("ram", ramstore.Factory)
	r.Register("s3", func(uri string) (storage.Backend, error) {
		cfg := s3store.Config{
			Endpoint:  os.Getenv("STRATA_S3_ENDPOINT"),
			AccessKey: os.Getenv("STRATA_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("STRATA_S3_SECRET_KEY"),
			Secure:    os.Getenv("STRATA_S3_INSECURE") == "",
		}
		return s3store.New(cfg, uri)
	})
	return r
}

// openMetastore builds the metastore.Store named by the --metastore DSN on
// the root command: bolt://<data-dir> opens a bbolt-backed store directly;
// any other URI (file://, ram://, s3://) is resolved through the storage
// registry and wrapped in the single-JSON-file store.
func openMetastore(cmd *cobra.Command) (metastore.Store, error) {
	dsn, _ := cmd.Root().PersistentFlags().GetString("metastore")
	if strings.HasPrefix(dsn, "bolt://") {
		return boltstore.Open(strings.TrimPrefix(dsn, "bolt://"))
	}
	backend, err := newRegistry().Resolve(dsn)
	if err != nil {
		return nil, serrs.InvalidArgument.Wrap(err)
	}
	return filestore.New(backend), nil
}
