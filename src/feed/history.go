package feed

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"chart-feed/src/helpers"
	"chart-feed/src/interfaces"
	"chart-feed/src/logger"
	"chart-feed/src/models"
)

// -----------------------------------------------------------------------------
// HistoryClient
//
// REST client for the protocol's chart-history endpoint. Returns rows
// for every market of an entity; sessions filter to their own key.
// -----------------------------------------------------------------------------

type HistoryClient struct {
	Config  *models.MConfig
	Network interfaces.INetworkManager
	Logger  *logger.Logger
}

// -----------------------------------------------------------------------------

func NewHistoryClient(cfg *models.MConfig, netMgr interfaces.INetworkManager, log *logger.Logger) *HistoryClient {
	return &HistoryClient{
		Config:  cfg,
		Network: netMgr,
		Logger:  log,
	}
}

// -----------------------------------------------------------------------------

type chartHistoryResponse struct {
	Data []struct {
		Timestamp models.MFlexTime `json:"timestamp"`
		Market    models.MFlexInt  `json:"market"`
		Open      string           `json:"open"`
		High      string           `json:"high"`
		Low       string           `json:"low"`
		Close     string           `json:"close"`
		Volume    string           `json:"volume"`
	} `json:"data"`
}

// -----------------------------------------------------------------------------

// FetchChart retrieves one bounded history range. Network and decode
// failures are surfaced as HistoryError; a successful empty range
// returns an empty slice (ErrNoData is the session's call to make,
// after market filtering).
func (h *HistoryClient) FetchChart(entityID, moderatorID, resolution string, from, to time.Time) ([]models.MHistoryRow, error) {
	params := map[string]string{
		"interval": resolution,
		"from":     from.UTC().Format(time.RFC3339),
		"to":       to.UTC().Format(time.RFC3339),
	}
	if moderatorID != "" {
		params["moderatorId"] = moderatorID
	}

	url := fmt.Sprintf("%s/history/%s/chart", h.Config.API.BaseURL, entityID)

	respBytes, err := h.Network.Get(url, params)
	if err != nil {
		return nil, helpers.NewHistoryError(fmt.Sprintf("history fetch failed for %s", entityID), err)
	}

	var resp chartHistoryResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, helpers.NewHistoryError(fmt.Sprintf("malformed history payload for %s", entityID), err)
	}

	rows := make([]models.MHistoryRow, 0, len(resp.Data))
	for _, raw := range resp.Data {
		if !raw.Timestamp.Set {
			continue
		}

		market := models.SpotMarket
		if !raw.Market.IsSpot {
			market = raw.Market.Value
		}

		rows = append(rows, models.MHistoryRow{
			Timestamp: raw.Timestamp.Millis,
			Market:    market,
			Open:      parseDecimal(raw.Open),
			High:      parseDecimal(raw.High),
			Low:       parseDecimal(raw.Low),
			Close:     parseDecimal(raw.Close),
			Volume:    parseVolume(raw.Volume),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Timestamp < rows[j].Timestamp
	})

	h.Logger.Debug("Fetched %d history rows for %s [%s]", len(rows), entityID, resolution)
	return rows, nil
}

// -----------------------------------------------------------------------------

// parseDecimal parses a decimal-string field; unparseable values map to
// NaN so the row can be filtered instead of failing the whole range.
func parseDecimal(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// -----------------------------------------------------------------------------

// parseVolume is like parseDecimal but volume is optional: absent means zero.
func parseVolume(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
