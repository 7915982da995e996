package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stemsi/exstem-runtime/internal/config"
	"github.com/stemsi/exstem-runtime/internal/storage"
)

func main() {
	var dbPath string
	flag.StringVar(&dbPath, "path", "", "Path to the SQLite exam cache (defaults to CACHE_SQLITE_PATH)")
	flag.Parse()

	cfg := config.Load()
	if dbPath == "" {
		dbPath = cfg.CacheSQLitePath
	}
	if dbPath == "" {
		log.Fatal("CACHE_SQLITE_PATH is not set")
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		return
	}

	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		log.Fatalf("Open cache failed: %v", err)
	}
	m, err := storage.NewMigrator(db)
	if err != nil {
		db.Close()
		log.Fatalf("Migration failed to initialize: %v", err)
	}
	defer m.Close()

	switch args[0] {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Up failed: %v", err)
		}
		fmt.Println("Migrated up successfully")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Down failed: %v", err)
		}
		fmt.Println("Migrated down successfully")
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("No migrations applied")
			return
		}
		if err != nil {
			log.Fatalf("Version failed: %v", err)
		}
		fmt.Printf("Version: %d, Dirty: %t\n", version, dirty)
	case "force":
		if len(args) < 2 {
			log.Fatal("force requires version argument")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Invalid version: %v", err)
		}
		if err := m.Force(v); err != nil {
			log.Fatalf("Force failed: %v", err)
		}
		fmt.Printf("Forced version to %d\n", v)
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Println("Usage: cache-migrate [flags] <command>")
	fmt.Println("Commands: up, down, version, force <version>")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
