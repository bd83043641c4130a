package noren

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"papertrader/internal/domain"
)

// Frame types exchanged on the stream.
const (
	frameConnect     = "c"
	frameConnectAck  = "ck"
	frameSubscribe   = "t"
	frameUnsubscribe = "u"
	frameTouchAck    = "tk"
	frameTouchFeed   = "tf"
	frameDepthAck    = "dk"
	frameDepthFeed   = "df"
)

// flexDecimal accepts numbers encoded either as JSON numbers or as strings.
type flexDecimal struct {
	decimal.Decimal
	set bool
}

func (d *flexDecimal) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(data, `"`))
	if raw == "" || raw == "null" {
		return nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse decimal %q: %w", raw, err)
	}
	d.Decimal, d.set = v, true
	return nil
}

// flexInt accepts integers encoded either as JSON numbers or as strings.
type flexInt struct {
	value int64
	set   bool
}

func (n *flexInt) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(data, `"`))
	if raw == "" || raw == "null" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse int %q: %w", raw, err)
	}
	n.value, n.set = v, true
	return nil
}

// authFrame authenticates the stream.
type authFrame struct {
	Type       string `json:"t"`
	UserID     string `json:"uid"`
	AccountID  string `json:"actid"`
	SUserToken string `json:"susertoken"`
	Source     string `json:"source"`
}

func newAuthFrame(userID, accountID, sessionToken string) authFrame {
	return authFrame{
		Type:       frameConnect,
		UserID:     userID,
		AccountID:  accountID,
		SUserToken: hashToken(sessionToken),
		Source:     "API",
	}
}

// hashToken returns hex(sha256(hex(sha256(token)))).
func hashToken(token string) string {
	first := sha256.Sum256([]byte(token))
	second := sha256.Sum256([]byte(hex.EncodeToString(first[:])))
	return hex.EncodeToString(second[:])
}

// channelFrame subscribes or unsubscribes one or more channels.
type channelFrame struct {
	Type string `json:"t"`
	Keys string `json:"k"`
}

func newChannelFrame(frameType string, keys []domain.InstrumentKey) channelFrame {
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key.String())
	}
	return channelFrame{Type: frameType, Keys: strings.Join(parts, "#")}
}

// feedMessage is any inbound frame. Tick frames carry only the fields that changed.
type feedMessage struct {
	Type          string      `json:"t"`
	Status        string      `json:"s"`
	Exchange      string      `json:"e"`
	Token         string      `json:"tk"`
	LastPrice     flexDecimal `json:"lp"`
	PercentChange flexDecimal `json:"pc"`
	Open          flexDecimal `json:"o"`
	High          flexDecimal `json:"h"`
	Low           flexDecimal `json:"l"`
	Close         flexDecimal `json:"c"`
	BidPrice      flexDecimal `json:"bp1"`
	AskPrice      flexDecimal `json:"sp1"`
	Volume        flexInt     `json:"v"`
	FeedTime      flexInt     `json:"ft"`
}

func (m *feedMessage) isTick() bool {
	switch m.Type {
	case frameTouchAck, frameTouchFeed, frameDepthAck, frameDepthFeed:
		return true
	}
	return false
}

func (m *feedMessage) isAck() bool {
	return m.Type == frameTouchAck || m.Type == frameDepthAck
}

func (m *feedMessage) hasPrice() bool {
	return m.LastPrice.set || m.BidPrice.set || m.AskPrice.set
}

func (m *feedMessage) key() domain.InstrumentKey {
	return domain.InstrumentKey{Exchange: m.Exchange, Token: m.Token}
}

// mergeInto applies the fields carried by m on top of prev.
// Until a traded last price is seen, LastPrice tracks the bid/offer mid.
func (m *feedMessage) mergeInto(prev domain.PriceTick, now time.Time) domain.PriceTick {
	tick := prev
	tick.Exchange, tick.Token = m.Exchange, m.Token

	apply := func(dst *decimal.Decimal, src flexDecimal) {
		if src.set {
			*dst = src.Decimal
		}
	}
	apply(&tick.LastPrice, m.LastPrice)
	apply(&tick.PercentChange, m.PercentChange)
	apply(&tick.Open, m.Open)
	apply(&tick.High, m.High)
	apply(&tick.Low, m.Low)
	apply(&tick.Close, m.Close)
	apply(&tick.BidPrice, m.BidPrice)
	apply(&tick.AskPrice, m.AskPrice)
	if m.Volume.set {
		tick.Volume = m.Volume.value
	}

	if m.LastPrice.set && m.LastPrice.IsPositive() {
		tick.Traded = true
	}
	if !tick.Traded {
		switch {
		case tick.BidPrice.IsPositive() && tick.AskPrice.IsPositive():
			tick.LastPrice = tick.BidPrice.Add(tick.AskPrice).Div(decimal.NewFromInt(2))
		case tick.BidPrice.IsPositive():
			tick.LastPrice = tick.BidPrice
		case tick.AskPrice.IsPositive():
			tick.LastPrice = tick.AskPrice
		}
	}

	tick.Timestamp = now
	if m.FeedTime.set {
		tick.Timestamp = time.Unix(m.FeedTime.value, 0)
	}
	return tick
}

func decodeMessage(data []byte) (*feedMessage, error) {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &msg, nil
}
