package archive

import (
	"fmt"
)

// migrate runs all pending schema migrations.
func (ix *Index) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := ix.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := ix.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE images (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					distro TEXT NOT NULL,
					version TEXT NOT NULL,
					arch TEXT NOT NULL,
					variant TEXT NOT NULL,
					canonical_name TEXT NOT NULL UNIQUE,
					size INTEGER DEFAULT 0,
					algo TEXT NOT NULL DEFAULT 'sha256',
					digest TEXT NOT NULL,
					added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					published_at DATETIME,
					last_verified DATETIME
				);
				CREATE INDEX idx_images_digest ON images(digest);
				CREATE INDEX idx_images_family ON images(distro, arch, variant);

				CREATE TABLE cycle_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					cycle_id TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					images_added INTEGER DEFAULT 0,
					images_removed INTEGER DEFAULT 0,
					images_skipped INTEGER DEFAULT 0,
					images_failed INTEGER DEFAULT 0,
					bytes_fetched INTEGER DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT
				);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE quarantine (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					canonical_name TEXT NOT NULL,
					digest TEXT NOT NULL,
					reason TEXT,
					quarantined_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			ix.logger.Info("running index migration", "version", mig.version)
			if err := ix.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}
	return nil
}

func (ix *Index) runMigration(version int, sql string) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
