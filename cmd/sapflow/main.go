// Command sapflow decodes SFM1x sap flow uplinks, computes sap flow and
// aggregates water usage.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/banshee-data/sapflow.report/internal/config"
	"github.com/banshee-data/sapflow.report/internal/db"
	"github.com/banshee-data/sapflow.report/internal/ingest"
	"github.com/banshee-data/sapflow.report/internal/monitoring"
	"github.com/banshee-data/sapflow.report/internal/units"
	"github.com/banshee-data/sapflow.report/internal/usage"
	"github.com/banshee-data/sapflow.report/internal/version"
)

// errUsage is returned after usage text has been printed.
var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}

	switch args[0] {
	case "decode":
		return runDecode(args[1:], stdout, stderr)
	case "process":
		return runProcess(args[1:], stdout, stderr)
	case "serve":
		return runServe(args[1:], stderr)
	case "migrate":
		return runMigrate(args[1:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintln(stdout, version.String())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return errUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `sapflow: SFM1x sap flow decoder and usage aggregator

Usage:
  sapflow decode  --port N [--mode nested|flat] <base64|hex payload>
  sapflow process (--messages FILE | --url URL) [flags]
  sapflow serve   [--listen :8080] [flags]
  sapflow migrate <up|down|status|version|force N> [flags]
  sapflow version

Run "sapflow <command> --help" for the flags of a command.
`)
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseFlags parses args, mapping --help to a nil error with done set.
func parseFlags(fs *pflag.FlagSet, args []string) (done bool, err error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, errUsage
	}
	return false, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// dbFlags selects the store shared by process, serve and migrate.
type dbFlags struct {
	driver string
	path   string
	dsn    string
}

func (f *dbFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.driver, "db-driver", envOr("SAPFLOW_DB_DRIVER", db.DriverSQLite), "database driver: sqlite or pgx (env SAPFLOW_DB_DRIVER)")
	fs.StringVar(&f.path, "db-path", envOr("SAPFLOW_DB_PATH", db.DefaultPath), "SQLite database file (env SAPFLOW_DB_PATH)")
	fs.StringVar(&f.dsn, "db-dsn", os.Getenv("SAPFLOW_DB_DSN"), "PostgreSQL connection string for the pgx driver (env SAPFLOW_DB_DSN)")
}

func (f dbFlags) open() (*db.DB, error) {
	return db.Open(db.Config{Driver: f.driver, Path: f.path, DSN: f.dsn})
}

// siteFlags loads the installation and processing options.
type siteFlags struct {
	configPath string
	verbose    bool
}

func (f *siteFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "installation config file (.json, .jsonc, .yaml); built-in defaults when empty")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
}

func (f siteFlags) load() (*config.SiteConfig, error) {
	monitoring.SetVerbose(f.verbose)
	if f.configPath == "" {
		return config.EmptySiteConfig(), nil
	}
	cfg, err := config.LoadSiteConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded installation config from %s", f.configPath)
	return cfg, nil
}

// usageOptions derives aggregation options from cfg.
func usageOptions(cfg *config.SiteConfig) (usage.Options, error) {
	loc, err := units.ResolveLocation(cfg.GetTimezone())
	if err != nil {
		return usage.Options{}, err
	}
	return usage.Options{
		SamplesPerHour:       cfg.GetSamplesPerHour(),
		DeriveSamplesPerHour: cfg.GetDeriveSamplesPerHour(),
		Location:             loc,
	}, nil
}

// newProcessor builds the uplink processor for cfg. store may be nil.
func newProcessor(cfg *config.SiteConfig, store ingest.Store, perDevice bool, concurrency int) (*ingest.Processor, error) {
	opts, err := usageOptions(cfg)
	if err != nil {
		return nil, err
	}
	return &ingest.Processor{
		Installation: cfg.Installation(),
		Usage:        opts,
		PerDevice:    perDevice,
		Store:        store,
		Concurrency:  concurrency,
	}, nil
}

func runMigrate(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("migrate", stderr)
	var dbf dbFlags
	dbf.register(fs)
	fs.Usage = func() {
		db.PrintMigrateHelp(stderr)
		fs.PrintDefaults()
	}
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}

	database, err := dbf.open()
	if err != nil {
		return err
	}
	defer database.Close()
	return db.RunMigrateCommand(stdout, database, fs.Args())
}
