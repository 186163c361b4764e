package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/promised/internal/exampleuc"
	"github.com/cuemby/promised/pkg/clock"
	"github.com/cuemby/promised/pkg/fulfiller"
	"github.com/cuemby/promised/pkg/lock"
	"github.com/cuemby/promised/pkg/log"
	"github.com/cuemby/promised/pkg/metrics"
	"github.com/cuemby/promised/pkg/migration"
	"github.com/cuemby/promised/pkg/resilience"
	"github.com/cuemby/promised/pkg/salvager"
	"github.com/cuemby/promised/pkg/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "promised",
	Short:   "promised - durable at-least-once promise execution",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("promised version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the promise store, salvager, and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, dbName, err := databaseConfig()
		if err != nil {
			return err
		}
		log.Logger.Info().Str("database", dbName).Str("path", dbPath).Msg("opening store")

		s, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		policy := resilience.NewConcurrencyConflictPolicy()
		locks := lock.NewFactory(s, clock.System)

		coordinator := migration.New(s, locks, policy, metrics.ResiliencePipelineAttempt, registeredMigrations())
		if err := coordinator.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		f := fulfiller.New(s, policy, metrics.ResiliencePipelineAttempt)
		sv := salvager.New(s, f, policy, metrics.ResiliencePipelineAttempt, clock.System)

		ctx, cancel := context.WithCancel(context.Background())
		sv.Start(ctx)
		log.Logger.Info().Msg("salvager started")

		example := exampleuc.New(s)
		mux := http.NewServeMux()
		mux.HandleFunc("/Example/AddEntities", example.HandleAddEntities)
		mux.Handle("/metrics", metrics.Handler())

		apiAddr, _ := cmd.Flags().GetString("api-addr")
		go func() {
			if err := http.ListenAndServe(apiAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("api server error")
			}
		}()
		log.Logger.Info().Str("addr", apiAddr).Msg("api endpoint listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		cancel()
		sv.Stop()
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, dbName, err := databaseConfig()
		if err != nil {
			return err
		}
		log.Logger.Info().Str("database", dbName).Str("path", dbPath).Msg("opening store")

		s, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		policy := resilience.NewConcurrencyConflictPolicy()
		locks := lock.NewFactory(s, clock.System)
		coordinator := migration.New(s, locks, policy, metrics.ResiliencePipelineAttempt, registeredMigrations())
		return coordinator.Migrate(context.Background())
	},
}

func init() {
	serveCmd.Flags().String("api-addr", "127.0.0.1:9090", "Address for the HTTP API and Prometheus metrics endpoint")
}

// databaseConfig resolves the bbolt file path and logical database
// name from the environment, substituting for the connection string
// and database name a hosted document store would otherwise take.
func databaseConfig() (path, name string, err error) {
	path = os.Getenv("CORE_DATABASE")
	if path == "" {
		path = "./promised.db"
	}
	name = os.Getenv("CORE_DATABASE_NAME")
	if name == "" {
		name = "promised"
	}
	return path, name, nil
}

// registeredMigrations is the ordered, stable-keyed list of schema
// migrations this binary knows how to apply. Empty until the first
// real schema change is needed.
func registeredMigrations() []migration.Step {
	return nil
}
