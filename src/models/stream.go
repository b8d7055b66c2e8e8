package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Inbound stream messages
// -----------------------------------------------------------------------------

// Message types delivered by the live transport.
const (
	MsgPriceUpdate = "PRICE_UPDATE"
	MsgTrade       = "TRADE"
	MsgPong        = "PONG"
)

// MStreamMessage is one decoded message from the live transport.
// The upstream is loose about numeric encodings: prices arrive as
// decimal strings or plain numbers, timestamps as ISO8601 or epoch
// millis, and the market field as an integer or the string "spot".
type MStreamMessage struct {
	Type         string     `json:"type"`
	ModeratorID  string     `json:"moderatorId"`
	ProposalID   string     `json:"proposalId"`
	Market       MFlexInt   `json:"market"`
	Price        MFlexFloat `json:"price"`
	MarketCapUsd MFlexFloat `json:"marketCapUsd"`
	UserAddress  string     `json:"userAddress"`
	AmountIn     MFlexFloat `json:"amountIn"`
	AmountOut    MFlexFloat `json:"amountOut"`
	Timestamp    MFlexTime  `json:"timestamp"`
}

// -----------------------------------------------------------------------------

// MarketIndex returns the normalized market index ("spot" and -1 both
// map to SpotMarket).
func (m *MStreamMessage) MarketIndex() int {
	if m.Market.IsSpot {
		return SpotMarket
	}
	return m.Market.Value
}

// -----------------------------------------------------------------------------
// Outbound stream messages
// -----------------------------------------------------------------------------

type MSubscribeTokens struct {
	Type   string   `json:"type"` // "SUBSCRIBE" or "UNSUBSCRIBE"
	Tokens []string `json:"tokens"`
	Pool   string   `json:"pool,omitempty"` // disambiguating context, if any
}

type MSubscribeTrades struct {
	Type        string `json:"type"` // "SUBSCRIBE_TRADES" or "UNSUBSCRIBE_TRADES"
	ModeratorID string `json:"moderatorId"`
	ProposalID  string `json:"proposalId"`
}

type MPing struct {
	Type string `json:"type"` // "PING"
}

// -----------------------------------------------------------------------------
// Flexible JSON decoding helpers
// -----------------------------------------------------------------------------

// MFlexFloat decodes a JSON number or a decimal string. Missing or
// unparseable values decode to NaN so callers can filter defensively.
type MFlexFloat struct {
	Value float64
	Set   bool
}

func (f *MFlexFloat) UnmarshalJSON(data []byte) error {
	f.Value = math.NaN()
	f.Set = false

	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	s = strings.Trim(s, `"`)

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Tolerate malformed numerics rather than failing the whole message
		return nil
	}
	f.Value = v
	f.Set = true
	return nil
}

func (f MFlexFloat) MarshalJSON() ([]byte, error) {
	if !f.Set || math.IsNaN(f.Value) {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// -----------------------------------------------------------------------------

// MFlexInt decodes a JSON integer or the string "spot".
type MFlexInt struct {
	Value  int
	IsSpot bool
}

func (i *MFlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		unquoted := strings.Trim(s, `"`)
		if strings.EqualFold(unquoted, "spot") {
			i.IsSpot = true
			i.Value = SpotMarket
			return nil
		}
		v, err := strconv.Atoi(unquoted)
		if err != nil {
			return fmt.Errorf("invalid market value %s", s)
		}
		i.Value = v
		i.IsSpot = v == SpotMarket
		return nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid market value %s", s)
	}
	i.Value = v
	i.IsSpot = v == SpotMarket
	return nil
}

func (i MFlexInt) MarshalJSON() ([]byte, error) {
	if i.IsSpot {
		return []byte(`"spot"`), nil
	}
	return json.Marshal(i.Value)
}

// -----------------------------------------------------------------------------

// MFlexTime decodes an ISO8601 string or an epoch-millis number into
// epoch milliseconds.
type MFlexTime struct {
	Millis int64
	Set    bool
}

func (t *MFlexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		unquoted := strings.Trim(s, `"`)
		parsed, err := time.Parse(time.RFC3339, unquoted)
		if err != nil {
			// Some origins omit the timezone suffix
			parsed, err = time.Parse("2006-01-02T15:04:05", unquoted)
			if err != nil {
				return nil
			}
		}
		t.Millis = parsed.UnixMilli()
		t.Set = true
		return nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Fractional epoch seconds
		fv, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return nil
		}
		v = int64(fv)
	}

	// Heuristic: values before ~2001 in millis are epoch seconds
	if v < 1e12 {
		v *= 1000
	}
	t.Millis = v
	t.Set = true
	return nil
}

func (t MFlexTime) MarshalJSON() ([]byte, error) {
	if !t.Set {
		return []byte("null"), nil
	}
	return json.Marshal(t.Millis)
}
