// Command alexander-migrate applies the embedded index schema to the
// configured SQLite file or PostgreSQL database.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/prn-tf/alexander-drive/internal/app"
	"github.com/prn-tf/alexander-drive/internal/config"
)

// Set with -ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file")
	verbose := pflag.BoolP("verbose", "v", false, "log database activity")
	pflag.Usage = printUsage
	pflag.Parse()

	if pflag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	switch command := pflag.Arg(0); command {
	case "version":
		fmt.Printf("alexander-migrate %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
	case "help":
		printUsage()
	case "up", "status":
		if err := run(command, *configPath, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "alexander-migrate: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "alexander-migrate: unknown command %q\n\n", command)
		printUsage()
		os.Exit(2)
	}
}

func run(command, configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := zerolog.Nop()
	if verbose {
		l, closer, err := app.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer closer.Close()
		logger = l
	}

	ctx := context.Background()
	db, err := app.OpenDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if command == "up" {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}

	applied, err := db.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	available, err := db.AvailableMigrations()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "driver\t%s\n", db.Driver())
	fmt.Fprintf(w, "applied\t%d\n", applied)
	fmt.Fprintf(w, "available\t%d\n", available)
	if applied < available {
		fmt.Fprintf(w, "pending\t%d\n", available-applied)
	}
	return w.Flush()
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: alexander-migrate [-c config.yaml] [-v] <command>

commands:
  up        apply pending migrations, then print status
  status    print applied and available schema versions
  version   print build information

The database comes from the config file or ALEXANDER_DATABASE_DRIVER,
ALEXANDER_DATABASE_URL and ALEXANDER_DATABASE_PATH.
`)
}
