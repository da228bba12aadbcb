package store

import (
	"embed"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrateUp applies all pending migrations.
// Returns nil if the schema is already at the latest version.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Note: m is not closed because closing it would close the underlying
	// DB connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (s *Store) MigrateDown() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current migration version and dirty state.
// Returns 0, false, nil when no migrations have been applied yet.
func (s *Store) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// MigrateForce forces the migration version to a specific value. Use only to
// recover from a dirty migration state.
func (s *Store) MigrateForce(version int) error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}

	if err := m.Force(version); err != nil {
		return fmt.Errorf("force migration to version %d failed: %w", version, err)
	}
	return nil
}

// MigrateTo migrates up or down to a specific version.
func (s *Store) MigrateTo(version uint) error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}

	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	return nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// RunMigrateCommand handles the 'migrate' subcommand dispatching.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}

	action := args[0]

	s, err := Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer s.Close()

	switch action {
	case "up":
		log.Printf("Running migrations...")
		if err := s.MigrateUp(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		log.Println("✓ All migrations applied successfully")
		printMigrateVersion(s)

	case "down":
		log.Printf("Rolling back one migration...")
		if err := s.MigrateDown(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		log.Println("✓ Migration rolled back successfully")
		printMigrateVersion(s)

	case "status":
		version, dirty, err := s.MigrateVersion()
		if err != nil {
			log.Fatalf("Failed to get migration status: %v", err)
		}
		fmt.Println("=== Migration Status ===")
		fmt.Printf("Current version: %d\n", version)
		fmt.Printf("Dirty: %v\n", dirty)
		if dirty {
			fmt.Println("\nWARNING: a migration failed mid-execution.")
			fmt.Println("Inspect the database, fix any issues, then run:")
			fmt.Println("  floorsight migrate force <version>")
		}

	case "version":
		if len(args) < 2 {
			log.Fatal("Usage: floorsight migrate version <version_number>")
		}
		var target uint
		if _, err := fmt.Sscanf(args[1], "%d", &target); err != nil {
			log.Fatalf("Invalid version number: %s", args[1])
		}
		log.Printf("Migrating to version %d...", target)
		if err := s.MigrateTo(target); err != nil {
			log.Fatalf("Migration to version %d failed: %v", target, err)
		}
		log.Printf("✓ Migrated to version %d successfully", target)

	case "force":
		if len(args) < 2 {
			log.Fatal("Usage: floorsight migrate force <version_number>")
		}
		var target int
		if _, err := fmt.Sscanf(args[1], "%d", &target); err != nil {
			log.Fatalf("Invalid version number: %s", args[1])
		}
		if err := s.MigrateForce(target); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		log.Printf("✓ Migration version forced to %d", target)

	case "help":
		PrintMigrateHelp()

	default:
		fmt.Printf("Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

func printMigrateVersion(s *Store) {
	version, dirty, _ := s.MigrateVersion()
	log.Printf("Current version: %d (dirty: %v)", version, dirty)
}

// PrintMigrateHelp displays the help message for the migrate command.
func PrintMigrateHelp() {
	fmt.Println("Database Migration Commands")
	fmt.Println()
	fmt.Println("Usage: floorsight migrate <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up              Apply all pending migrations")
	fmt.Println("  down            Rollback one migration")
	fmt.Println("  status          Show current migration status and version")
	fmt.Println("  version <N>     Migrate to specific version N")
	fmt.Println("  force <N>       Force migration version to N (recovery only)")
	fmt.Println("  help            Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  floorsight -db floorsight.db migrate up")
	fmt.Println("  floorsight -db floorsight.db migrate status")
}
