package storage

import (
	"database/sql"
	"fmt"
	"time"

	"chart-feed/src/logger"
	"chart-feed/src/models"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

type SQLiteBarStore struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewSQLiteBarStore(cfg *models.MConfig, log *logger.Logger) (*SQLiteBarStore, error) {
	return &SQLiteBarStore{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteBarStore) Initialize() error {
	dsn := d.Config.Storage.DBPath

	// Open DB
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}

	return d.createTables()
}

// -----------------------------------------------------------------------------

func (d *SQLiteBarStore) createTables() error {
	// Bars survive restarts; the (series, resolution, bucket) key makes
	// re-persisting a completed bar an idempotent upsert.
	// SQLite types: INTEGER for int64, REAL for float64, TEXT for string
	query := `
		CREATE TABLE IF NOT EXISTS bars (
			entity_id TEXT,
			market INTEGER,
			resolution TEXT,
			open_time INTEGER,
			open REAL,
			high REAL,
			low REAL,
			close REAL,
			volume REAL,
			PRIMARY KEY (entity_id, market, resolution, open_time)
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create bars: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

const sqliteUpsertBar = `
	INSERT INTO bars (entity_id, market, resolution, open_time, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (entity_id, market, resolution, open_time) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume
`

func (d *SQLiteBarStore) SaveBar(key models.MMarketKey, resolution string, bar models.MBar) error {
	_, err := d.DB.Exec(sqliteUpsertBar,
		key.EntityID, key.Market, resolution, bar.OpenTime,
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	return err
}

// -----------------------------------------------------------------------------

func (d *SQLiteBarStore) SaveBarsBulk(key models.MMarketKey, resolution string, bars []models.MBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(sqliteUpsertBar)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, bar := range bars {
		_, err := stmt.Exec(
			key.EntityID, key.Market, resolution, bar.OpenTime,
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

func (d *SQLiteBarStore) LoadRecentBars(key models.MMarketKey, resolution string, limit int) ([]models.MBar, error) {
	rows, err := d.DB.Query(`
		SELECT open_time, open, high, low, close, volume
		FROM bars
		WHERE entity_id = ? AND market = ? AND resolution = ?
		ORDER BY open_time DESC
		LIMIT ?
	`, key.EntityID, key.Market, resolution, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}

	reverseBars(bars)
	return bars, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteBarStore) CleanupOldData() error {
	retentionDays := d.Config.Storage.RetentionDays
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).UnixMilli()

	d.Logger.Info("Cleaning up bars older than %d days (open_time < %d)...", retentionDays, cutoff)

	if _, err := d.DB.Exec("DELETE FROM bars WHERE open_time < ?", cutoff); err != nil {
		d.Logger.Error("Cleanup bars error: %v", err)
		return err
	}

	d.Logger.Info("Cleanup completed")
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteBarStore) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Shared row helpers
// -----------------------------------------------------------------------------

func scanBars(rows *sql.Rows) ([]models.MBar, error) {
	var bars []models.MBar
	for rows.Next() {
		var b models.MBar
		if err := rows.Scan(&b.OpenTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func reverseBars(bars []models.MBar) {
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
}
