package storage

import (
	"database/sql"
	"fmt"
	"time"

	"chart-feed/src/logger"
	"chart-feed/src/models"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

type PostgresBarStore struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewPostgresBarStore(cfg *models.MConfig, log *logger.Logger) (*PostgresBarStore, error) {
	return &PostgresBarStore{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresBarStore) Initialize() error {
	dsn := d.Config.Storage.DBConnectionString
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		return err
	}

	d.DB = db

	query := `
		CREATE TABLE IF NOT EXISTS bars (
			entity_id TEXT,
			market INTEGER,
			resolution TEXT,
			open_time BIGINT,
			open DOUBLE PRECISION,
			high DOUBLE PRECISION,
			low DOUBLE PRECISION,
			close DOUBLE PRECISION,
			volume DOUBLE PRECISION,
			PRIMARY KEY (entity_id, market, resolution, open_time)
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create bars: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

const pgUpsertBar = `
	INSERT INTO bars (entity_id, market, resolution, open_time, open, high, low, close, volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (entity_id, market, resolution, open_time) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume
`

func (d *PostgresBarStore) SaveBar(key models.MMarketKey, resolution string, bar models.MBar) error {
	_, err := d.DB.Exec(pgUpsertBar,
		key.EntityID, key.Market, resolution, bar.OpenTime,
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresBarStore) SaveBarsBulk(key models.MMarketKey, resolution string, bars []models.MBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pgUpsertBar)
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

func (d *PostgresBarStore) LoadRecentBars(key models.MMarketKey, resolution string, limit int) ([]models.MBar, error) {
	rows, err := d.DB.Query(`
		SELECT open_time, open, high, low, close, volume
		FROM bars
		WHERE entity_id = $1 AND market = $2 AND resolution = $3
		ORDER BY open_time DESC
		LIMIT $4
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

func (d *PostgresBarStore) CleanupOldData() error {
	retentionDays := d.Config.Storage.RetentionDays
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).UnixMilli()

	d.Logger.Info("Cleaning up bars older than %d days (open_time < %d)...", retentionDays, cutoff)

	if _, err := d.DB.Exec("DELETE FROM bars WHERE open_time < $1", cutoff); err != nil {
		d.Logger.Error("Cleanup bars error: %v", err)
		return err
	}

	d.Logger.Info("Cleanup completed")
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresBarStore) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
