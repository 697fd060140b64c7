package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/manifold-inc/manifold-sdk/lib/eflag"
)

func main() {
	dsn := flag.String("dsn", "", "Journal MySQL DSN")
	path := flag.String("migration", "migrations/create_journal_tables.sql", "Path to migration file")
	if err := eflag.SetFlagsFromEnvironment(); err != nil {
		fatalf("reading environment: %v", err)
	}
	flag.Parse()
	if *dsn == "" {
		fatalf("a journal DSN is required, set -dsn or DSN")
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		fatalf("reading migration %s: %v", *path, err)
	}

	db, err := sql.Open("mysql", *dsn)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fatalf("pinging database: %v", err)
	}

	applied := 0
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = stripComments(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			fatalf("executing statement: %v\n%s", err, stmt)
		}
		applied++
	}
	fmt.Printf("Applied %d statements from %s\n", applied, *path)
}

func stripComments(stmt string) string {
	var kept []string
	for _, line := range strings.Split(stmt, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
