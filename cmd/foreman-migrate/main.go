package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/mediaforge/foreman/pkg/storage"
)

var (
	dbPath     = flag.String("db", "/var/lib/foreman/foreman.db", "Path to the foreman database file")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Backup destination before migration (default: <db>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Foreman Database Migration Tool")
	log.Println("===============================")

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", *dbPath)
	}

	log.Printf("Database: %s", *dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = *dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(*dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(*dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := migrate(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
	}
}

func migrate(db *bolt.DB, dryRun bool) error {
	known := make(map[string]bool, len(storage.Buckets()))
	for _, b := range storage.Buckets() {
		known[string(b)] = true
	}

	// Inspect the current layout first.
	var missing [][]byte
	var unknown []string
	var currentVersion string
	err := db.View(func(tx *bolt.Tx) error {
		for _, b := range storage.Buckets() {
			if tx.Bucket(b) == nil {
				missing = append(missing, b)
			}
		}
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if !known[string(name)] {
				unknown = append(unknown, string(name))
			}
			return nil
		}); err != nil {
			return err
		}
		if schema := tx.Bucket([]byte("schema")); schema != nil {
			currentVersion = string(schema.Get([]byte("version")))
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("Schema version: %q (target %q)", currentVersion, storage.SchemaVersion)
	log.Printf("Missing buckets: %d", len(missing))
	for _, u := range unknown {
		log.Printf("⚠ Unknown bucket %q - preserved, inspect and remove manually", u)
	}

	if len(missing) == 0 && currentVersion == storage.SchemaVersion {
		log.Println("✓ Database is already at the current schema")
		return nil
	}

	if dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		for _, b := range missing {
			log.Printf("1. Create %q bucket", b)
		}
		log.Printf("2. Set schema version to %q", storage.SchemaVersion)
		return nil
	}

	return db.Update(func(tx *bolt.Tx) error {
		for _, b := range missing {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
			log.Printf("✓ Created bucket %q", b)
		}
		schema, err := tx.CreateBucketIfNotExists([]byte("schema"))
		if err != nil {
			return err
		}
		return schema.Put([]byte("version"), []byte(storage.SchemaVersion))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
