package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrImageNotFound is returned when an index lookup misses.
var ErrImageNotFound = errors.New("image not found in index")

// Index is the SQLite catalog of archived images. It is a cache over
// the filesystem layout and can be rebuilt from it at any time; the
// blobs are the source of truth.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewIndex opens (or creates) the index database and runs migrations.
func NewIndex(dbPath string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping index database: %w", err)
	}

	ix := &Index{db: db, logger: logger}
	if err := ix.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run index migrations: %w", err)
	}
	return ix, nil
}

// Close closes the database connection.
func (ix *Index) Close() error {
	if err := ix.db.Close(); err != nil {
		return fmt.Errorf("failed to close index database: %w", err)
	}
	return nil
}

// imageColumns selects the raw columns. Nullable DATETIME columns are
// scanned through sql.NullTime and defaulted in Go: the driver types a
// result column from its table declaration, so expressions over
// DATETIME columns come back as plain text and fail the time.Time scan.
const imageColumns = `
	id, distro, version, arch, variant, canonical_name, size, algo, digest,
	added_at, published_at, last_verified
`

// toNullTime maps the zero time to NULL so nullable DATETIME columns
// stay NULL instead of storing year-one timestamps.
func toNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timeOr(nt sql.NullTime, def time.Time) time.Time {
	if nt.Valid && !nt.Time.IsZero() {
		return nt.Time
	}
	return def
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanImageRecord(row rowScanner) (*ImageRecord, error) {
	rec := &ImageRecord{}
	var publishedAt, lastVerified sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.Distro, &rec.Version, &rec.Arch, &rec.Variant,
		&rec.CanonicalName, &rec.Size, &rec.Algo, &rec.Digest,
		&rec.AddedAt, &publishedAt, &lastVerified,
	)
	if err != nil {
		return nil, err
	}
	rec.PublishedAt = timeOr(publishedAt, rec.AddedAt)
	rec.LastVerified = timeOr(lastVerified, rec.AddedAt)
	return rec, nil
}

// UpsertImage inserts or replaces an image record keyed by canonical name.
func (ix *Index) UpsertImage(rec *ImageRecord) error {
	const query = `
		INSERT INTO images (
			distro, version, arch, variant, canonical_name, size, algo, digest,
			added_at, published_at, last_verified
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_name) DO UPDATE SET
			size = excluded.size, algo = excluded.algo, digest = excluded.digest,
			published_at = excluded.published_at, last_verified = excluded.last_verified
	`
	result, err := ix.db.Exec(
		query,
		rec.Distro, rec.Version, rec.Arch, rec.Variant, rec.CanonicalName,
		rec.Size, rec.Algo, rec.Digest, rec.AddedAt,
		toNullTime(rec.PublishedAt), toNullTime(rec.LastVerified),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert image record: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil && id > 0 {
		rec.ID = id
	}
	return nil
}

// GetImage retrieves an image record by canonical name.
func (ix *Index) GetImage(canonicalName string) (*ImageRecord, error) {
	query := "SELECT " + imageColumns + " FROM images WHERE canonical_name = ?"

	rec, err := scanImageRecord(ix.db.QueryRow(query, canonicalName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, canonicalName)
		}
		return nil, fmt.Errorf("failed to query image record: %w", err)
	}
	return rec, nil
}

// ListImages retrieves image records, optionally filtered by distro.
func (ix *Index) ListImages(distro string) ([]ImageRecord, error) {
	query := "SELECT " + imageColumns + " FROM images"
	var args []interface{}
	if distro != "" {
		query += " WHERE distro = ?"
		args = append(args, distro)
	}
	query += " ORDER BY distro, arch, variant, added_at DESC"

	return ix.queryImages(query, args...)
}

// ListFamily retrieves every archived release of one family.
func (ix *Index) ListFamily(distro, arch, variant string) ([]ImageRecord, error) {
	query := "SELECT " + imageColumns + ` FROM images
		WHERE distro = ? AND arch = ? AND variant = ? ORDER BY added_at DESC`
	return ix.queryImages(query, distro, arch, variant)
}

func (ix *Index) queryImages(query string, args ...interface{}) ([]ImageRecord, error) {
	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query image records: %w", err)
	}
	defer rows.Close()

	var records []ImageRecord
	for rows.Next() {
		rec, err := scanImageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating image records: %w", err)
	}
	return records, nil
}

// DeleteImage removes an image record by canonical name.
func (ix *Index) DeleteImage(canonicalName string) error {
	result, err := ix.db.Exec("DELETE FROM images WHERE canonical_name = ?", canonicalName)
	if err != nil {
		return fmt.Errorf("failed to delete image record: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrImageNotFound, canonicalName)
	}
	return nil
}

// CountByDigest returns how many image records reference a blob.
func (ix *Index) CountByDigest(digest string) (int, error) {
	var count int
	err := ix.db.QueryRow("SELECT COUNT(*) FROM images WHERE digest = ?", digest).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count digest references: %w", err)
	}
	return count, nil
}

// CountImages returns the total number of archived images.
func (ix *Index) CountImages() (int, error) {
	var count int
	if err := ix.db.QueryRow("SELECT COUNT(*) FROM images").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count image records: %w", err)
	}
	return count, nil
}

// SumBlobSize returns the deduplicated on-disk size: each distinct
// digest counted once regardless of how many names reference it.
func (ix *Index) SumBlobSize() (int64, error) {
	const query = `
		SELECT COALESCE(SUM(size), 0) FROM (
			SELECT digest, MAX(size) AS size FROM images GROUP BY digest
		)
	`
	var total int64
	if err := ix.db.QueryRow(query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum blob size: %w", err)
	}
	return total, nil
}

// TouchVerified updates the last successful verification time.
func (ix *Index) TouchVerified(canonicalName string) error {
	_, err := ix.db.Exec(
		"UPDATE images SET last_verified = CURRENT_TIMESTAMP WHERE canonical_name = ?",
		canonicalName,
	)
	if err != nil {
		return fmt.Errorf("failed to update verification time: %w", err)
	}
	return nil
}

// Clear drops every image record. Used by Rebuild before rescanning.
func (ix *Index) Clear() error {
	if _, err := ix.db.Exec("DELETE FROM images"); err != nil {
		return fmt.Errorf("failed to clear image records: %w", err)
	}
	return nil
}

// CreateCycleRun inserts a new cycle run and sets its ID.
func (ix *Index) CreateCycleRun(run *CycleRun) error {
	const query = `
		INSERT INTO cycle_runs (
			cycle_id, start_time, end_time, images_added, images_removed,
			images_skipped, images_failed, bytes_fetched, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := ix.db.Exec(
		query,
		run.CycleID, run.StartTime, toNullTime(run.EndTime), run.ImagesAdded, run.ImagesRemoved,
		run.ImagesSkipped, run.ImagesFailed, run.BytesFetched, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.ID = id
	return nil
}

// UpdateCycleRun updates an existing cycle run by ID.
func (ix *Index) UpdateCycleRun(run *CycleRun) error {
	const query = `
		UPDATE cycle_runs SET
			end_time = ?, images_added = ?, images_removed = ?, images_skipped = ?,
			images_failed = ?, bytes_fetched = ?, status = ?, error_message = ?
		WHERE id = ?
	`
	result, err := ix.db.Exec(
		query,
		toNullTime(run.EndTime), run.ImagesAdded, run.ImagesRemoved, run.ImagesSkipped,
		run.ImagesFailed, run.BytesFetched, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update cycle run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("cycle run not found: %d", run.ID)
	}
	return nil
}

// ListCycleRuns retrieves recent cycle runs, newest first.
func (ix *Index) ListCycleRuns(limit int) ([]CycleRun, error) {
	query := `
		SELECT id, cycle_id, start_time, end_time,
		       images_added, images_removed, images_skipped, images_failed,
		       bytes_fetched, status, error_message
		FROM cycle_runs ORDER BY start_time DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle runs: %w", err)
	}
	defer rows.Close()

	var runs []CycleRun
	for rows.Next() {
		run := CycleRun{}
		var endTime sql.NullTime
		var errMsg sql.NullString
		err := rows.Scan(
			&run.ID, &run.CycleID, &run.StartTime, &endTime,
			&run.ImagesAdded, &run.ImagesRemoved, &run.ImagesSkipped,
			&run.ImagesFailed, &run.BytesFetched, &run.Status, &errMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle run: %w", err)
		}
		run.EndTime = timeOr(endTime, run.StartTime)
		run.ErrorMessage = errMsg.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle runs: %w", err)
	}
	return runs, nil
}

// AddQuarantine records an image pulled into quarantine.
func (ix *Index) AddQuarantine(rec *QuarantineRecord) error {
	const query = `
		INSERT INTO quarantine (canonical_name, digest, reason)
		VALUES (?, ?, ?)
	`
	result, err := ix.db.Exec(query, rec.CanonicalName, rec.Digest, rec.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert quarantine record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListQuarantined retrieves quarantine records, newest first.
func (ix *Index) ListQuarantined() ([]QuarantineRecord, error) {
	const query = `
		SELECT id, canonical_name, digest, reason, quarantined_at
		FROM quarantine ORDER BY quarantined_at DESC
	`
	rows, err := ix.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query quarantine records: %w", err)
	}
	defer rows.Close()

	var records []QuarantineRecord
	for rows.Next() {
		rec := QuarantineRecord{}
		var reason sql.NullString
		if err := rows.Scan(&rec.ID, &rec.CanonicalName, &rec.Digest, &reason, &rec.QuarantinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quarantine record: %w", err)
		}
		rec.Reason = reason.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
