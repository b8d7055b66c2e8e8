package interfaces

import "chart-feed/src/models"

// -----------------------------------------------------------------------------
// IBarStore defines the contract for persisted bar storage.
// -----------------------------------------------------------------------------

type IBarStore interface {

	// -----------------------------------------------------------------------------

	// Initialize sets up the schema.
	Initialize() error

	// -----------------------------------------------------------------------------

	// SaveBar upserts one bar for a series at a resolution.
	SaveBar(key models.MMarketKey, resolution string, bar models.MBar) error

	// -----------------------------------------------------------------------------

	// SaveBarsBulk upserts a batch of bars for one series/resolution.
	SaveBarsBulk(key models.MMarketKey, resolution string, bars []models.MBar) error

	// -----------------------------------------------------------------------------

	// LoadRecentBars returns up to limit most recent bars, ascending by time.
	LoadRecentBars(key models.MMarketKey, resolution string, limit int) ([]models.MBar, error)

	// -----------------------------------------------------------------------------

	// CleanupOldData removes bars older than the retention policy.
	CleanupOldData() error

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
