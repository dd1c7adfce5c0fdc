// Package store persists the product mirror, the sync cursor, and the run
// history in an embedded SQLite database.
//
// Every row is keyed by environment mode (live or test) so both environments
// can share one database file without seeing each other's state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// maxErrorSnippet bounds the stored copy of a failing record's payload.
const maxErrorSnippet = 1000

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. The caller must Close it.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS products (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mode TEXT NOT NULL,
    fulfil_product_id INTEGER NOT NULL,
    sku TEXT NOT NULL,
    name TEXT NOT NULL,
    upc TEXT,
    asin TEXT,
    buyer_sku TEXT,
    hs_code TEXT,
    country_of_origin TEXT,
    customs_description TEXT,
    weight_kg REAL,
    length_cm REAL,
    width_cm REAL,
    height_cm REAL,
    write_date TEXT NOT NULL,
    shiphero_product_id TEXT,
    shiphero_legacy_id INTEGER,
    payload_hash TEXT,
    last_push_at TEXT,
    last_synced_at TEXT NOT NULL,
    UNIQUE(mode, fulfil_product_id),
    UNIQUE(mode, sku)
);

CREATE TABLE IF NOT EXISTS sync_cursor (
    mode TEXT PRIMARY KEY,
    last_write_ts TEXT NOT NULL,
    last_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mode TEXT NOT NULL,
    trigger_source TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('running','success','partial','failed')),
    started_at TEXT NOT NULL,
    finished_at TEXT,
    polled INTEGER NOT NULL DEFAULT 0,
    upserts INTEGER NOT NULL DEFAULT 0,
    pushes INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0,
    message TEXT
);

CREATE TABLE IF NOT EXISTS sync_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES sync_runs(id),
    mode TEXT NOT NULL,
    sku TEXT,
    fulfil_product_id INTEGER,
    stage TEXT NOT NULL,
    message TEXT NOT NULL,
    payload_snippet TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_mode_sku ON products(mode, sku);
CREATE INDEX IF NOT EXISTS idx_runs_mode_started ON sync_runs(mode, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_errors_run ON sync_errors(run_id);
`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Product is one mirrored catalog row plus its downstream tracking state.
type Product struct {
	ID                 int64
	Mode               string
	FulfilProductID    int64
	SKU                string
	Name               string
	UPC                *string
	ASIN               *string
	BuyerSKU           *string
	HSCode             *string
	CountryOfOrigin    *string
	CustomsDescription *string
	WeightKg           *float64
	LengthCm           *float64
	WidthCm            *float64
	HeightCm           *float64
	WriteDate          time.Time

	ShipHeroProductID *string
	ShipHeroLegacyID  *int64
	PayloadHash       *string
	LastPushAt        *time.Time
	LastSyncedAt      time.Time
}

// UpsertProduct writes the upstream attributes of one product, inserting or
// fully overwriting the mirrored columns. Downstream tracking columns
// (shiphero ids, payload hash, last push time) are preserved across upserts.
// The row as stored, tracking state included, is returned.
func (s *Store) UpsertProduct(ctx context.Context, p *Product) (*Product, error) {
	now := timeToString(time.Now().UTC())
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO products (
    mode, fulfil_product_id, sku, name, upc, asin, buyer_sku,
    hs_code, country_of_origin, customs_description,
    weight_kg, length_cm, width_cm, height_cm,
    write_date, last_synced_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(mode, fulfil_product_id) DO UPDATE SET
    sku = excluded.sku,
    name = excluded.name,
    upc = excluded.upc,
    asin = excluded.asin,
    buyer_sku = excluded.buyer_sku,
    hs_code = excluded.hs_code,
    country_of_origin = excluded.country_of_origin,
    customs_description = excluded.customs_description,
    weight_kg = excluded.weight_kg,
    length_cm = excluded.length_cm,
    width_cm = excluded.width_cm,
    height_cm = excluded.height_cm,
    write_date = excluded.write_date,
    last_synced_at = excluded.last_synced_at`,
		p.Mode, p.FulfilProductID, p.SKU, p.Name,
		nullString(p.UPC), nullString(p.ASIN), nullString(p.BuyerSKU),
		nullString(p.HSCode), nullString(p.CountryOfOrigin), nullString(p.CustomsDescription),
		nullFloat(p.WeightKg), nullFloat(p.LengthCm), nullFloat(p.WidthCm), nullFloat(p.HeightCm),
		timeToString(p.WriteDate), now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert product %s: %w", p.SKU, err)
	}
	return s.ProductByFulfilID(ctx, p.Mode, p.FulfilProductID)
}

// ProductByFulfilID loads one mirrored row. Missing rows return sql.ErrNoRows.
func (s *Store) ProductByFulfilID(ctx context.Context, mode string, fulfilID int64) (*Product, error) {
	row := s.conn.QueryRowContext(ctx, productSelect+" WHERE mode = ? AND fulfil_product_id = ?", mode, fulfilID)
	return scanProduct(row)
}

// ProductBySKU loads one mirrored row by business key.
func (s *Store) ProductBySKU(ctx context.Context, mode, sku string) (*Product, error) {
	row := s.conn.QueryRowContext(ctx, productSelect+" WHERE mode = ? AND sku = ?", mode, sku)
	return scanProduct(row)
}

const productSelect = `
SELECT id, mode, fulfil_product_id, sku, name, upc, asin, buyer_sku,
       hs_code, country_of_origin, customs_description,
       weight_kg, length_cm, width_cm, height_cm, write_date,
       shiphero_product_id, shiphero_legacy_id, payload_hash, last_push_at, last_synced_at
FROM products`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*Product, error) {
	var p Product
	var upc, asin, buyerSKU, hsCode, country, customsDesc sql.NullString
	var weight, length, width, height sql.NullFloat64
	var writeDate, lastSynced string
	var shID sql.NullString
	var shLegacy sql.NullInt64
	var hash sql.NullString
	var lastPush sql.NullString

	err := row.Scan(&p.ID, &p.Mode, &p.FulfilProductID, &p.SKU, &p.Name,
		&upc, &asin, &buyerSKU, &hsCode, &country, &customsDesc,
		&weight, &length, &width, &height, &writeDate,
		&shID, &shLegacy, &hash, &lastPush, &lastSynced)
	if err != nil {
		return nil, err
	}

	p.UPC = fromNullString(upc)
	p.ASIN = fromNullString(asin)
	p.BuyerSKU = fromNullString(buyerSKU)
	p.HSCode = fromNullString(hsCode)
	p.CountryOfOrigin = fromNullString(country)
	p.CustomsDescription = fromNullString(customsDesc)
	p.WeightKg = fromNullFloat(weight)
	p.LengthCm = fromNullFloat(length)
	p.WidthCm = fromNullFloat(width)
	p.HeightCm = fromNullFloat(height)
	p.ShipHeroProductID = fromNullString(shID)
	if shLegacy.Valid {
		p.ShipHeroLegacyID = &shLegacy.Int64
	}
	p.PayloadHash = fromNullString(hash)

	if p.WriteDate, err = stringToTime(writeDate); err != nil {
		return nil, fmt.Errorf("bad write_date for %s: %w", p.SKU, err)
	}
	if p.LastSyncedAt, err = stringToTime(lastSynced); err != nil {
		return nil, fmt.Errorf("bad last_synced_at for %s: %w", p.SKU, err)
	}
	if lastPush.Valid {
		t, err := stringToTime(lastPush.String)
		if err != nil {
			return nil, fmt.Errorf("bad last_push_at for %s: %w", p.SKU, err)
		}
		p.LastPushAt = &t
	}
	return &p, nil
}

// SetPushResult records a successful downstream push: the identifiers the
// WMS returned and the fingerprint of the payload that was sent.
func (s *Store) SetPushResult(ctx context.Context, mode string, fulfilID int64, shipheroID string, legacyID int64, payloadHash string) error {
	_, err := s.conn.ExecContext(ctx, `
UPDATE products
SET shiphero_product_id = ?, shiphero_legacy_id = ?, payload_hash = ?, last_push_at = ?
WHERE mode = ? AND fulfil_product_id = ?`,
		nullIfEmpty(shipheroID), nullIfZero(legacyID), payloadHash, timeToString(time.Now().UTC()),
		mode, fulfilID)
	if err != nil {
		return fmt.Errorf("failed to record push result for product %d: %w", fulfilID, err)
	}
	return nil
}

// Cursor is the incremental sync watermark.
type Cursor struct {
	LastWriteTS time.Time
	LastID      int64
}

// Cursor returns the watermark for a mode, creating a zero cursor on first
// use so initial syncs pull the entire catalog.
func (s *Store) Cursor(ctx context.Context, mode string) (*Cursor, error) {
	var ts string
	var id int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT last_write_ts, last_id FROM sync_cursor WHERE mode = ?", mode).Scan(&ts, &id)
	if errors.Is(err, sql.ErrNoRows) {
		zero := time.Time{}
		if _, err := s.conn.ExecContext(ctx,
			"INSERT INTO sync_cursor (mode, last_write_ts, last_id) VALUES (?, ?, 0)",
			mode, timeToString(zero)); err != nil {
			return nil, fmt.Errorf("failed to create cursor for mode %s: %w", mode, err)
		}
		return &Cursor{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor for mode %s: %w", mode, err)
	}

	parsed, err := stringToTime(ts)
	if err != nil {
		return nil, fmt.Errorf("bad cursor timestamp for mode %s: %w", mode, err)
	}
	return &Cursor{LastWriteTS: parsed, LastID: id}, nil
}

// AdvanceCursor moves the watermark forward. Called after each successfully
// processed record so a crash resumes at the failed record, not the batch
// start.
func (s *Store) AdvanceCursor(ctx context.Context, mode string, ts time.Time, id int64) error {
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO sync_cursor (mode, last_write_ts, last_id) VALUES (?, ?, ?)
ON CONFLICT(mode) DO UPDATE SET last_write_ts = excluded.last_write_ts, last_id = excluded.last_id`,
		mode, timeToString(ts), id)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for mode %s: %w", mode, err)
	}
	return nil
}

// RewindCursor moves the watermark back to the given time, forcing the next
// run to re-pull everything modified since then.
func (s *Store) RewindCursor(ctx context.Context, mode string, to time.Time) error {
	return s.AdvanceCursor(ctx, mode, to, 0)
}

// Counters accumulates per-run statistics.
type Counters struct {
	Polled  int
	Upserts int
	Pushes  int
	Skipped int
	Errors  int
}

// Run is one sync run's record.
type Run struct {
	ID         int64
	Mode       string
	Trigger    string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Counters   Counters
	Message    *string
}

// CreateRun opens a new run in the running state and returns its id.
func (s *Store) CreateRun(ctx context.Context, mode, trigger string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
INSERT INTO sync_runs (mode, trigger_source, status, started_at) VALUES (?, ?, ?, ?)`,
		mode, trigger, StatusRunning, timeToString(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to create sync run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}
	return id, nil
}

// UpdateRunCounters overwrites a run's counters with the latest totals.
func (s *Store) UpdateRunCounters(ctx context.Context, runID int64, c Counters) error {
	_, err := s.conn.ExecContext(ctx, `
UPDATE sync_runs SET polled = ?, upserts = ?, pushes = ?, skipped = ?, errors = ? WHERE id = ?`,
		c.Polled, c.Upserts, c.Pushes, c.Skipped, c.Errors, runID)
	if err != nil {
		return fmt.Errorf("failed to update counters for run %d: %w", runID, err)
	}
	return nil
}

// FinishRun closes a run with its terminal status.
func (s *Store) FinishRun(ctx context.Context, runID int64, status string, message string) error {
	var msg any
	if message != "" {
		msg = message
	}
	_, err := s.conn.ExecContext(ctx, `
UPDATE sync_runs SET status = ?, finished_at = ?, message = ? WHERE id = ?`,
		status, timeToString(time.Now().UTC()), msg, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", runID, err)
	}
	return nil
}

// SyncError is one recorded per-record failure.
type SyncError struct {
	ID              int64
	RunID           int64
	Mode            string
	SKU             *string
	FulfilProductID *int64
	Stage           string
	Message         string
	PayloadSnippet  *string
	CreatedAt       time.Time
}

// AddError appends one failure to the run's error log. The payload snippet
// is truncated so a pathological record cannot bloat the database. A zero
// fulfilID means the upstream id was not known at the failure point.
func (s *Store) AddError(ctx context.Context, runID int64, mode, sku string, fulfilID int64, stage, message, payload string) error {
	if len(payload) > maxErrorSnippet {
		payload = payload[:maxErrorSnippet]
	}
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO sync_errors (run_id, mode, sku, fulfil_product_id, stage, message, payload_snippet, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, mode, nullIfEmpty(sku), nullIfZero(fulfilID), stage, message, nullIfEmpty(payload), timeToString(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}

// RunFilter narrows run listings.
type RunFilter struct {
	Mode   string
	Status string
	Limit  int
	Offset int
}

// Runs lists runs newest first.
func (s *Store) Runs(ctx context.Context, f RunFilter) ([]*Run, error) {
	conditions := []string{}
	args := []any{}
	if f.Mode != "" {
		conditions = append(conditions, "mode = ?")
		args = append(args, f.Mode)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT id, mode, trigger_source, status, started_at, finished_at,
       polled, upserts, pushes, skipped, errors, message FROM sync_runs`
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run loads one run by id.
func (s *Store) Run(ctx context.Context, id int64) (*Run, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT id, mode, trigger_source, status, started_at, finished_at,
       polled, upserts, pushes, skipped, errors, message FROM sync_runs WHERE id = ?`, id)
	return scanRun(row)
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var started string
	var finished, message sql.NullString
	if err := row.Scan(&r.ID, &r.Mode, &r.Trigger, &r.Status, &started, &finished,
		&r.Counters.Polled, &r.Counters.Upserts, &r.Counters.Pushes,
		&r.Counters.Skipped, &r.Counters.Errors, &message); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	var err error
	if r.StartedAt, err = stringToTime(started); err != nil {
		return nil, fmt.Errorf("bad started_at for run %d: %w", r.ID, err)
	}
	if finished.Valid {
		t, err := stringToTime(finished.String)
		if err != nil {
			return nil, fmt.Errorf("bad finished_at for run %d: %w", r.ID, err)
		}
		r.FinishedAt = &t
	}
	r.Message = fromNullString(message)
	return &r, nil
}

// ErrorFilter narrows error listings.
type ErrorFilter struct {
	Mode   string
	RunID  int64
	SKU    string
	Limit  int
	Offset int
}

// Errors lists recorded failures newest first.
func (s *Store) Errors(ctx context.Context, f ErrorFilter) ([]*SyncError, error) {
	conditions := []string{}
	args := []any{}
	if f.Mode != "" {
		conditions = append(conditions, "mode = ?")
		args = append(args, f.Mode)
	}
	if f.RunID > 0 {
		conditions = append(conditions, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.SKU != "" {
		conditions = append(conditions, "sku = ?")
		args = append(args, f.SKU)
	}

	query := `SELECT id, run_id, mode, sku, fulfil_product_id, stage, message, payload_snippet, created_at FROM sync_errors`
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync errors: %w", err)
	}
	defer rows.Close()

	var out []*SyncError
	for rows.Next() {
		var e SyncError
		var sku, payload sql.NullString
		var fulfilID sql.NullInt64
		var created string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Mode, &sku, &fulfilID, &e.Stage, &e.Message, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan sync error: %w", err)
		}
		e.SKU = fromNullString(sku)
		if fulfilID.Valid {
			e.FulfilProductID = &fulfilID.Int64
		}
		e.PayloadSnippet = fromNullString(payload)
		if e.CreatedAt, err = stringToTime(created); err != nil {
			return nil, fmt.Errorf("bad created_at for error %d: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Status is the at-a-glance state of one mode's sync.
type Status struct {
	Mode         string
	Cursor       Cursor
	ProductCount int64
	LastRun      *Run
}

// SyncStatus assembles the current watermark, mirror size, and most recent
// run for a mode.
func (s *Store) SyncStatus(ctx context.Context, mode string) (*Status, error) {
	cursor, err := s.Cursor(ctx, mode)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM products WHERE mode = ?", mode).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}

	st := &Status{Mode: mode, Cursor: *cursor, ProductCount: count}

	runs, err := s.Runs(ctx, RunFilter{Mode: mode, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		st.LastRun = runs[0]
	}
	return st, nil
}

// Nullable column helpers.

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

// Timestamps are stored as RFC 3339 text so rows stay readable in the
// sqlite3 shell.

func timeToString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func stringToTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
