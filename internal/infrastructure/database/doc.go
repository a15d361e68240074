// Package database provides SQLite connectivity for Reef Bridge Core.
//
// This package manages:
//   - Opening the SQLite database with WAL mode and busy timeout
//   - Schema migrations from an embedded filesystem
//   - Connection lifecycle and health checks
//
// The database holds durable state that must survive restarts: the
// identity map (controller device ids to stable entity identities) and
// one-time migration markers. Live controller state is never persisted;
// it is re-polled on startup.
//
// # Concurrency
//
// SQLite supports a single writer. The connection pool is capped at one
// open connection, which serialises writes and avoids lock contention.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: "./data/reefbridge.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
