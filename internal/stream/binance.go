package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"coinwatch/internal/market"
)

const binanceURL = "wss://stream.binance.com:9443/ws"

// Binance consumes <symbol>@ticker streams.
type Binance struct{}

func (Binance) Kind() market.SourceKind { return market.SourceBinance }

func (Binance) URL() string { return binanceURL }

func (Binance) Subscriptions(externalIDs []string) [][]byte {
	var frames [][]byte
	for i, batch := range chunk(externalIDs, 100) {
		params := make([]string, 0, len(batch))
		for _, id := range batch {
			params = append(params, strings.ToLower(id)+"@ticker")
		}
		frame, _ := json.Marshal(map[string]any{"method": "SUBSCRIBE", "params": params, "id": i + 1})
		frames = append(frames, frame)
	}
	return frames
}

// binanceTicker declares the upper and lower case twins of each key it reads,
// since encoding/json otherwise folds "C" into "c".
type binanceTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Change    string `json:"p"`
	ChangePct string `json:"P"`
	Close     string `json:"c"`
	CloseTime int64  `json:"C"`
	Volume    string `json:"v"`
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

func (b Binance) Parse(raw []byte, _ time.Time) ([]Tick, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	if raw[0] == '[' {
		var tickers []binanceTicker
		if err := json.Unmarshal(raw, &tickers); err != nil {
			return nil, fmt.Errorf("binance: decode ticker array: %w", err)
		}
		return b.ticks(tickers)
	}

	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("binance: decode frame: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("binance: error %d: %s", env.Error.Code, env.Error.Msg)
	}
	if len(env.Data) > 0 {
		return b.Parse(env.Data, time.Time{})
	}
	if env.ID != nil {
		// subscription ack
		return nil, nil
	}

	var t binanceTicker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("binance: decode ticker: %w", err)
	}
	if t.Event != "24hrTicker" {
		return nil, nil
	}
	return b.ticks([]binanceTicker{t})
}

func (Binance) ticks(tickers []binanceTicker) ([]Tick, error) {
	out := make([]Tick, 0, len(tickers))
	for _, t := range tickers {
		if t.Symbol == "" {
			continue
		}
		price, err := parseDecimal(t.Close)
		if err != nil {
			return nil, fmt.Errorf("binance: %s price %q: %w", t.Symbol, t.Close, err)
		}
		out = append(out, Tick{
			ExternalID: t.Symbol,
			Price:      price,
			Volume:     optionalDecimal(t.Volume),
			Change:     optionalDecimal(t.ChangePct),
			ObservedAt: millis(t.EventTime),
		})
	}
	return out, nil
}
