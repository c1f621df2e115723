package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"coinwatch/internal/market"
)

const okxURL = "wss://ws.okx.com:8443/ws/v5/public"

// OKX consumes the public tickers channel.
type OKX struct{}

func (OKX) Kind() market.SourceKind { return market.SourceOKX }

func (OKX) URL() string { return okxURL }

func (OKX) Subscriptions(externalIDs []string) [][]byte {
	var frames [][]byte
	for _, batch := range chunk(externalIDs, 100) {
		args := make([]map[string]string, 0, len(batch))
		for _, id := range batch {
			args = append(args, map[string]string{"channel": "tickers", "instId": id})
		}
		frame, _ := json.Marshal(map[string]any{"op": "subscribe", "args": args})
		frames = append(frames, frame)
	}
	return frames
}

// Heartbeat sends the literal "ping"; OKX drops idle connections after 30s.
func (OKX) Heartbeat() (int, []byte) {
	return websocket.TextMessage, []byte("ping")
}

type okxFrame struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Data  []struct {
		InstID  string `json:"instId"`
		Last    string `json:"last"`
		Open24h string `json:"open24h"`
		Vol24h  string `json:"vol24h"`
		TS      string `json:"ts"`
	} `json:"data"`
}

func (OKX) Parse(raw []byte, _ time.Time) ([]Tick, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "pong" {
		return nil, nil
	}

	var frame okxFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("okx: decode frame: %w", err)
	}
	switch frame.Event {
	case "":
	case "error":
		return nil, fmt.Errorf("okx: error %s: %s", frame.Code, frame.Msg)
	default:
		return nil, nil
	}

	out := make([]Tick, 0, len(frame.Data))
	for _, d := range frame.Data {
		price, err := parseDecimal(d.Last)
		if err != nil {
			return nil, fmt.Errorf("okx: %s price %q: %w", d.InstID, d.Last, err)
		}
		tick := Tick{
			ExternalID: d.InstID,
			Price:      price,
			Volume:     optionalDecimal(d.Vol24h),
			ObservedAt: millisString(d.TS),
		}
		if open := optionalDecimal(d.Open24h); open != nil && open.IsPositive() {
			change := price.Sub(*open).Div(*open).Mul(decimal.NewFromInt(100))
			tick.Change = &change
		}
		out = append(out, tick)
	}
	return out, nil
}
