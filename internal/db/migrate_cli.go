package db

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
)

// ErrUsage is returned for a malformed migrate command line.
var ErrUsage = errors.New("usage")

// RunMigrateCommand handles "migrate up|down|status|to N|force N" against
// the catalogue at dbPath. force asks for confirmation on in.
func RunMigrateCommand(args []string, dbPath string, in io.Reader, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return ErrUsage
	}
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to catalogue: %w", err)
	}
	defer database.Close()
	migrations := MigrationsFS()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
		return printVersion(database, migrations, out)

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
		return printVersion(database, migrations, out)

	case "status", "version":
		return printStatus(database, migrations, out)

	case "to":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrations, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migrated to version %d\n", v)
		return nil

	case "force":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Forcing migration version to %d. Only use this to recover from a dirty state.\nContinue? [y/N]: ", v)
		answer, _ := bufio.NewReader(in).ReadString('\n')
		if a := strings.TrimSpace(answer); a != "y" && a != "Y" {
			fmt.Fprintln(out, "Aborted")
			return nil
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migration version forced to %d\n", v)
		return nil

	case "help":
		PrintMigrateHelp(out)
		return nil

	default:
		fmt.Fprintf(out, "Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp(out)
		return ErrUsage
	}
}

func versionArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%w: migrate %s <version>", ErrUsage, args[0])
	}
	v, err := strconv.Atoi(args[1])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: invalid version %q", ErrUsage, args[1])
	}
	return v, nil
}

func printVersion(database *DB, migrations fs.FS, out io.Writer) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func printStatus(database *DB, migrations fs.FS, out io.Writer) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", version)
	fmt.Fprintf(out, "Latest version:  %d\n", latest)
	fmt.Fprintf(out, "Dirty: %v\n", dirty)
	if version < latest {
		fmt.Fprintf(out, "%d migration(s) pending, run: simcapture migrate up\n", latest-version)
	}
	if dirty {
		fmt.Fprintln(out, "WARNING: a migration failed mid-execution; inspect the catalogue, then run: simcapture migrate force <version>")
	}
	return nil
}

// PrintMigrateHelp describes the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: simcapture migrate [-catalogue path] <action>

Actions:
  up           apply all pending migrations
  down         roll back the most recent migration
  status       show current and latest versions
  to <N>       migrate up or down to version N
  force <N>    set the version without running migrations (recovery only)
  help         show this message
`)
}
