// Command deckster drives and inspects conversations from the terminal.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/ashureev/deckster/internal/app"
	"github.com/ashureev/deckster/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "deckster",
	Short: "Deckster - turn a request into a presentation outline",
	Long: `deckster runs the conversation engine against the same SQLite
database and providers the server uses.

Configuration comes from the environment (and a .env file when present).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level to stderr")
	rootCmd.AddCommand(chatCmd, inspectCmd)
}

// openApp loads configuration and wires the engine.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return app.New(ctx, cfg, slog.Default())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
