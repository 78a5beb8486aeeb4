package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/groove/internal/config"
	"github.com/andresmejia3/groove/internal/logger"
	"github.com/andresmejia3/groove/internal/store"
	"github.com/spf13/cobra"
)

// noDB marks commands that never touch the database.
var noDB = map[string]string{"db": "none"}

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// App holds the settings read from .env and the environment
	App *config.App
	// Log is the structured logger shared by subcommands
	Log logger.Logger = logger.NewNop()

	dbURL   string
	verbose bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "groove",
	Short:   "Dance along to a reference video and get scored on how well your pose matches",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		App = config.Load()
		if dbURL == "" {
			dbURL = App.DatabaseURL
		}
		Log = logger.New(App.LogFilePath, App.IsProduction(), verbose)

		if cmd.Annotations["db"] == "none" {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The main context might be cancelled already (Ctrl+C) and we still need to close cleanly
			DB.Close(context.Background())
		}
		Log.Sync()
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $GROOVE_DB_URL or postgres://localhost:5432/groove)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Mirror structured logs to stderr")
}
