package models

// -----------------------------------------------------------------------------
// Stream topics
// -----------------------------------------------------------------------------

// Topic kinds on the live transport.
const (
	TopicPrices = "prices" // price-level events (conditional + spot)
	TopicTrades = "trades" // trade-level events (conditional markets only)
)

// MTopic identifies one logical subscription channel. Multiple local
// callbacks share one topic to avoid redundant network subscribes.
type MTopic struct {
	Kind        string `json:"kind"`
	ModeratorID string `json:"moderator_id"`
	ProposalID  string `json:"proposal_id"`
	Token       string `json:"token,omitempty"`   // token mint for price topics
	Context     string `json:"context,omitempty"` // pool address, when required
}

// -----------------------------------------------------------------------------

// Key returns the de-duplication key for the topic. Context is
// intentionally excluded: it is remembered per key, not part of it.
func (t MTopic) Key() string {
	return t.Kind + "/" + t.ModeratorID + "/" + t.ProposalID
}
