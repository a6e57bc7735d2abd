package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/hardhat/internal/store"
	"github.com/spf13/cobra"
)

// Options holds the configuration shared by the monitor and inspect commands
type Options struct {
	Inputs           []string
	PersonModel      string
	HelmetModel      string
	PersonConfidence float64
	HelmetConfidence float64
	TopFraction      float64
	Timeout          time.Duration
	FPSWindow        int
	LogFile          string
	SkipFailedFrames bool
	WorkerTimeout    time.Duration
	Verbose          bool
}

var (
	// DB is the global database connection shared by subcommands. It stays nil with --no-db.
	DB *store.Store
	// dbURL is the connection string
	dbURL string
	noDB  bool
)

// Version is the application version.
const Version = "0.1.0"

// dbNone marks commands that never touch the database.
const dbNone = "none"

var rootCmd = &cobra.Command{
	Use:     "hardhat",
	Short:   "Helmet compliance monitoring for video streams",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["db"] == dbNone {
			return nil
		}
		if noDB {
			if cmd.Annotations["db"] == "required" {
				return errors.New(cmd.Name() + " needs the database, drop --no-db")
			}
			return nil
		}

		// If no flag was provided, try to build the connection string from the environment
		if dbURL == "" {
			dbURL = dbURLFromEnv()
		}

		var err error
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
			DB = nil
		}
	},
}

func dbURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		// Fallback to local default if no env vars are present
		return "postgres://localhost:5432/hardhat"
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: POSTGRES_* env, then postgres://localhost:5432/hardhat)")
	rootCmd.PersistentFlags().BoolVar(&noDB, "no-db", false, "Run without persisting sessions and alerts")
}
