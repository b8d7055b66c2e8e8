package interfaces

import (
	"time"

	"chart-feed/src/models"
)

// -----------------------------------------------------------------------------
// IHistorySource defines the contract for bounded-range historical fetches.
// -----------------------------------------------------------------------------

type IHistorySource interface {

	// -----------------------------------------------------------------------------

	// FetchChart retrieves historical rows for one entity across all of
	// its markets. Rows carry every market in range; callers filter to
	// their own market key. Collaborator errors are returned, not hidden.
	FetchChart(entityID, moderatorID, resolution string, from, to time.Time) ([]models.MHistoryRow, error)
}
