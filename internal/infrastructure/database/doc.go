// Package database provides SQLite connectivity for the device inventory.
//
// The gateway keeps very little on disk: explicit device registrations and
// nothing else. This package owns the connection and the schema; callers
// such as the inventory store issue their own parameterised queries.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each migration runs in its own transaction
// and is recorded in schema_migrations.
package database
