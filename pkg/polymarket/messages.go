package polymarket

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// ChannelMarket is the subscription type of the public market channel.
	ChannelMarket = "market"

	// HeartbeatPayload is the application-level keepalive text frame.
	HeartbeatPayload = "PING"
)

// AuthPayload carries API credentials for authenticated channels.
type AuthPayload struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// IsZero reports whether no credential field is set.
func (a AuthPayload) IsZero() bool {
	return a.APIKey == "" && a.Secret == "" && a.Passphrase == ""
}

// SubscriptionEnvelope is the first frame sent on a session.
// Empty sequences and a nil Auth are omitted from the wire form.
type SubscriptionEnvelope struct {
	Kind     string       `json:"type"`
	AssetIDs []string     `json:"assets_ids,omitempty"`
	Markets  []string     `json:"markets,omitempty"`
	Auth     *AuthPayload `json:"auth,omitempty"`
}

// NewMarketSubscription builds a "market" envelope. A zero auth is dropped.
func NewMarketSubscription(assetIDs, markets []string, auth AuthPayload) SubscriptionEnvelope {
	env := SubscriptionEnvelope{
		Kind:     ChannelMarket,
		AssetIDs: assetIDs,
		Markets:  markets,
	}
	if !auth.IsZero() {
		a := auth
		env.Auth = &a
	}
	return env
}

// Encode serializes the envelope into a single text frame.
func (e SubscriptionEnvelope) Encode() (Frame, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: subscription: %w", ErrEncode, err)
	}
	return TextFrame(string(b)), nil
}

// MarketUpdate is a decoded price update for one market outcome.
type MarketUpdate struct {
	MarketID  string  `json:"marketId"`
	Price     float64 `json:"price"`
	Outcome   string  `json:"outcome"`
	Timestamp uint64  `json:"timestamp"`
}

// wireMarketUpdate uses pointers so absent fields are distinguishable from zero values.
type wireMarketUpdate struct {
	MarketID  *string  `json:"marketId"`
	Price     *float64 `json:"price"`
	Outcome   *string  `json:"outcome"`
	Timestamp *uint64  `json:"timestamp"`
}

// DecodeMarketUpdate parses an inbound text frame. All four fields are required.
func DecodeMarketUpdate(text string) (MarketUpdate, error) {
	var w wireMarketUpdate
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return MarketUpdate{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	var missing []string
	if w.MarketID == nil {
		missing = append(missing, "marketId")
	}
	if w.Price == nil {
		missing = append(missing, "price")
	}
	if w.Outcome == nil {
		missing = append(missing, "outcome")
	}
	if w.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return MarketUpdate{}, fmt.Errorf("%w: missing field(s): %s", ErrDecode, strings.Join(missing, ", "))
	}

	return MarketUpdate{
		MarketID:  *w.MarketID,
		Price:     *w.Price,
		Outcome:   *w.Outcome,
		Timestamp: *w.Timestamp,
	}, nil
}
