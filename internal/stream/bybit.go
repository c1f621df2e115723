package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

const bybitURL = "wss://stream.bybit.com/v5/public/spot"

// Bybit consumes v5 spot tickers.
type Bybit struct{}

func (Bybit) Kind() market.SourceKind { return market.SourceBybit }

func (Bybit) URL() string { return bybitURL }

// Subscriptions batches by ten, the spot endpoint's per-request arg limit.
func (Bybit) Subscriptions(externalIDs []string) [][]byte {
	var frames [][]byte
	for _, batch := range chunk(externalIDs, 10) {
		args := make([]string, 0, len(batch))
		for _, id := range batch {
			args = append(args, "tickers."+strings.ToUpper(id))
		}
		frame, _ := json.Marshal(map[string]any{"op": "subscribe", "args": args})
		frames = append(frames, frame)
	}
	return frames
}

func (Bybit) Heartbeat() (int, []byte) {
	return websocket.TextMessage, []byte(`{"op":"ping"}`)
}

type bybitFrame struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
	TS      int64  `json:"ts"`
	Data    *struct {
		Symbol       string `json:"symbol"`
		LastPrice    string `json:"lastPrice"`
		Volume24h    string `json:"volume24h"`
		Price24hPcnt string `json:"price24hPcnt"`
	} `json:"data"`
}

func (Bybit) Parse(raw []byte, _ time.Time) ([]Tick, error) {
	var frame bybitFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("bybit: decode frame: %w", err)
	}
	if frame.Op != "" {
		if frame.Success != nil && !*frame.Success {
			return nil, fmt.Errorf("bybit: %s rejected: %s", frame.Op, frame.RetMsg)
		}
		return nil, nil
	}
	if frame.Data == nil || !strings.HasPrefix(frame.Topic, "tickers.") {
		return nil, nil
	}

	price, err := parseDecimal(frame.Data.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("bybit: %s price %q: %w", frame.Data.Symbol, frame.Data.LastPrice, err)
	}
	tick := Tick{
		ExternalID: frame.Data.Symbol,
		Price:      price,
		Volume:     optionalDecimal(frame.Data.Volume24h),
		ObservedAt: millis(frame.TS),
	}
	if ratio := optionalDecimal(frame.Data.Price24hPcnt); ratio != nil {
		change := ratio.Mul(decimal.NewFromInt(100))
		tick.Change = &change
	}
	return []Tick{tick}, nil
}
