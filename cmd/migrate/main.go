package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

// Applied migrations are recorded in schema_migrations so reruns skip
// them; each file runs in its own transaction.
func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		log.Fatalf("create schema_migrations: %v", err)
	}

	applied := map[string]bool{}
	rows, err := db.Query(`SELECT filename FROM schema_migrations`)
	if err != nil {
		log.Fatalf("read schema_migrations: %v", err)
	}
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			log.Fatalf("scan: %v", err)
		}
		applied[f] = true
	}
	rows.Close()

	if listOnly {
		var names []string
		for f := range applied {
			names = append(names, f)
		}
		sort.Strings(names)
		for _, f := range names {
			fmt.Println(" ", f)
		}
		fmt.Printf("Applied: %d migrations\n", len(names))
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var ran, skipped int
	for _, f := range files {
		if applied[f] {
			skipped++
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			log.Fatalf("read %s: %v", f, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			log.Fatalf("%s: begin: %v", f, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			tx.Rollback()
			log.Fatalf("%s: %v", f, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, f); err != nil {
			tx.Rollback()
			log.Fatalf("%s: record: %v", f, err)
		}
		if err := tx.Commit(); err != nil {
			log.Fatalf("%s: commit: %v", f, err)
		}
		log.Printf("applied %s", f)
		ran++
	}
	log.Printf("Done: %d applied, %d already up to date", ran, skipped)
}
