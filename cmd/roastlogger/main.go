package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/banshee-data/roast.report/internal/config"
	"github.com/banshee-data/roast.report/internal/db"
	"github.com/banshee-data/roast.report/internal/monitoring"
	"github.com/banshee-data/roast.report/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file (defaults to "+config.DefaultConfigPath+" when present)")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "SQLite database path (overrides config)")
	simulate   = flag.Bool("simulate", false, "Use simulated sensors regardless of config")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()
	monitoring.SetVerbose(*debug)

	command := "serve"
	var args []string
	if flag.NArg() > 0 {
		command = flag.Arg(0)
		args = flag.Args()[1:]
	}

	if command == "version" {
		fmt.Println(version.String())
		return
	}
	if command == "help" {
		printUsage()
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)

	switch command {
	case "serve":
		err = serve(cfg)
	case "migrate":
		err = db.RunMigrateCommand(args, cfg.GetDBPath(), os.Stdout)
	case "truncate":
		err = truncate(cfg, os.Stdout)
	case "export":
		err = runExport(cfg, args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func printUsage() {
	fmt.Println(`roastlogger - coffee roast telemetry logger

Usage: roastlogger [flags] [command] [args]

Commands:
  serve                 Run the sampling loop and HTTP API (default)
  migrate <action>      Manage the database schema (up, down, status, version, force)
  truncate              Trim stored roasts to the maximum roast time
  export <id> [flags]   Write a roast as csv, png or html
  version               Show version information
  help                  Show this help message

Flags:`)
	flag.PrintDefaults()
}

// loadConfig reads path, or the defaults file when path is empty. A missing
// defaults file falls back to the built-in defaults.
func loadConfig(path string) (*config.RoastConfig, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadConfig(config.DefaultConfigPath)
	}
	return &config.RoastConfig{}, nil
}

func applyFlags(cfg *config.RoastConfig) {
	if *listen != "" {
		cfg.Listen = listen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *simulate {
		cfg.Simulate = simulate
	}
}

// truncate shortens every completed roast to the configured maximum roast
// time and prints the report.
func truncate(cfg *config.RoastConfig, out io.Writer) error {
	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	report, err := database.TruncateRoastsToMaxTime(cfg.GetMaxRoastTime())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Processed %d roasts, truncated %d\n", report.Processed, report.Truncated)
	for _, d := range report.Details {
		fmt.Fprintf(out, "  %s (%s): removed %d points, %d left, ends %s\n",
			d.Name, d.RoastID, d.DeletedPoints, d.RemainingPoints, d.NewEndTime.Format(time.RFC3339))
	}
	for _, e := range report.Errors {
		fmt.Fprintf(out, "  error: %s\n", e)
	}
	return nil
}
