package models

// -----------------------------------------------------------------------------
// Chart client protocol (gateway websocket)
// -----------------------------------------------------------------------------

// MChartCommand is a command sent by a connected chart client.
type MChartCommand struct {
	Command     string `json:"command"` // "subscribe" or "unsubscribe"
	ModeratorID string `json:"moderatorId"`
	ProposalID  string `json:"proposalId"`
	Market      string `json:"market"` // "0".."3" or "spot"
	Resolution  string `json:"resolution"`
}

// -----------------------------------------------------------------------------

// MChartUpdate is one bar snapshot pushed to a chart client.
type MChartUpdate struct {
	Type        string `json:"type"` // "BAR", "SNAPSHOT" or "ERROR"
	ModeratorID string `json:"moderatorId"`
	ProposalID  string `json:"proposalId"`
	Market      int    `json:"market"`
	Resolution  string `json:"resolution"`
	Bar         *MBar  `json:"bar,omitempty"`
	Bars        []MBar `json:"bars,omitempty"`
	Error       string `json:"error,omitempty"`
}
