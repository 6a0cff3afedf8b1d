package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := flag.String("db", envOr("DB_PATH", "./data/signals.db"), "sqlite file to inspect")
	flag.Parse()
	fmt.Printf("Verifying database at: %s\n", *dbPath)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	ok := true
	for _, table := range []string{"orders", "signal_events"} {
		ok = check(db, "table "+table, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table) && ok
	}

	// Dedup depends on this index.
	ok = check(db, "unique index on orders.source_message_id",
		`SELECT name FROM sqlite_master WHERE type='index' AND name=? AND sql LIKE 'CREATE UNIQUE%'`,
		"idx_orders_source_message_id") && ok

	for _, col := range []string{"parsed_entry_price", "status_message", "executed_at"} {
		ok = check(db, "column orders."+col, `SELECT name FROM pragma_table_info('orders') WHERE name=?`, col) && ok
	}

	var pending int
	if err := db.QueryRow(`SELECT COUNT(*) FROM orders WHERE status = 'pending'`).Scan(&pending); err == nil {
		fmt.Printf("  orders still pending: %d\n", pending)
	}

	if !ok {
		os.Exit(1)
	}
}

func check(db *sql.DB, label, query string, args ...any) bool {
	var name string
	err := db.QueryRow(query, args...).Scan(&name)
	switch {
	case err == sql.ErrNoRows:
		fmt.Printf("❌ %s MISSING\n", label)
		return false
	case err != nil:
		fmt.Printf("❌ %s: %v\n", label, err)
		return false
	default:
		fmt.Printf("✓ %s exists\n", label)
		return true
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
