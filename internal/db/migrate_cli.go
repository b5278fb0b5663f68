package db

import (
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// RunMigrateCommand executes a `sapflow migrate <action>` subcommand against
// database using the embedded migrations.
func RunMigrateCommand(w io.Writer, database *DB, args []string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return fmt.Errorf("missing migrate action")
	}
	migrationsFS := MigrationsFS()

	switch action := args[0]; action {
	case "up":
		if err := database.EnsureSchema(); err != nil {
			return err
		}
		fmt.Fprintln(w, "All migrations applied")
		return printVersion(w, database, migrationsFS)

	case "down":
		if err := database.MigrateDown(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back one migration")
		return printVersion(w, database, migrationsFS)

	case "status":
		return printStatus(w, database, migrationsFS)

	case "version":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrationsFS, uint(v)); err != nil {
			return err
		}
		return printVersion(w, database, migrationsFS)

	case "force":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateForce(migrationsFS, v); err != nil {
			return err
		}
		fmt.Fprintf(w, "Forced version to %d\n", v)
		return nil

	case "help":
		PrintMigrateHelp(w)
		return nil

	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

func versionArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("usage: sapflow migrate %s <version_number>", args[0])
	}
	v, err := strconv.Atoi(args[1])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version number %q", args[1])
	}
	return v, nil
}

func printVersion(w io.Writer, database *DB, migrationsFS fs.FS) error {
	if database.Driver() != DriverSQLite {
		return nil
	}
	version, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func printStatus(w io.Writer, database *DB, migrationsFS fs.FS) error {
	version, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := LatestMigrationVersion(migrationsFS)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "=== Migration Status ===")
	fmt.Fprintf(w, "Current version: %d\n", version)
	fmt.Fprintf(w, "Latest version: %d\n", latest)
	fmt.Fprintf(w, "Dirty: %v\n", dirty)
	if dirty {
		fmt.Fprintln(w, "\nA migration failed mid-execution. Inspect the database, then run")
		fmt.Fprintln(w, "  sapflow migrate force <version>")
	} else if version < latest {
		fmt.Fprintf(w, "\n%d migration(s) pending. Run: sapflow migrate up\n", latest-version)
	}
	return nil
}

// PrintMigrateHelp writes usage for the migrate subcommand.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: sapflow migrate <action> [args]

Actions:
  up                 Apply all pending migrations
  down               Roll back the most recent migration
  status             Show current and latest schema version
  version <n>        Migrate up or down to version n
  force <n>          Record version n without running migrations (recovery only)
  help               Show this help

PostgreSQL databases support only "up", which applies the idempotent schema.
`)
}
