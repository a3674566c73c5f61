package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/go-afm/internal/config"
	"github.com/basket/go-afm/internal/persistence"
)

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: afm backup <file>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := backupDatabase(ctx, cfg.DBPath, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", args[0])
	return 0
}

// backupDatabase copies the database at dbPath while a server may still be
// using it. A missing database is an error rather than an empty backup.
func backupDatabase(ctx context.Context, dbPath, dest string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("database %s: %w", dbPath, err)
	}
	store, err := persistence.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Backup(ctx, dest)
}
