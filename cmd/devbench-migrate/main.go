package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pvliesdonk/mcp-devbench/pkg/storage"
)

var (
	dbPath     = flag.String("db", "devbench.db", "Path to the durable store")
	dryRun     = flag.Bool("dry-run", false, "List pending migrations without applying them")
	backupPath = flag.String("backup", "", "Backup path before migrating (default: <db>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("devbench store migration tool")
	log.Println("==============================")
	log.Printf("Database: %s", *dbPath)

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		if *dryRun {
			log.Printf("No database at %s yet; a fresh store would start at the latest schema version.", *dbPath)
			return
		}
	}

	ctx := context.Background()

	if *dryRun {
		runDryRun(ctx)
		return
	}

	if err := backup(*dbPath); err != nil {
		log.Fatalf("backup failed: %v", err)
	}

	db, err := storage.Open(ctx, *dbPath)
	if err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
	defer db.Close()

	log.Println("✓ Store is at the latest schema version")
}

func runDryRun(ctx context.Context) {
	conn, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	applied, pending, err := storage.AppliedMigrations(ctx, conn)
	if err != nil {
		log.Fatalf("inspect failed: %v", err)
	}

	log.Printf("Applied versions: %v", applied)
	if len(pending) == 0 {
		log.Println("✓ No pending migrations")
		return
	}
	log.Printf("Pending versions: %v", pending)
	log.Println("Run without --dry-run to apply them.")
}

func backup(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	dst := *backupPath
	if dst == "" {
		dst = path + ".backup"
	}

	log.Printf("Creating backup: %s", dst)

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	log.Println("✓ Backup created successfully")
	return nil
}
