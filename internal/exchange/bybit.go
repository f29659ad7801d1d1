package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"zeus/internal/instrument"
	"zeus/internal/model"
)

const bybitLinearURL = "wss://stream.bybit.com/v5/public/linear"

type bybitAdapter struct {
	nextID atomic.Int64
}

func newBybit() *bybitAdapter {
	return &bybitAdapter{}
}

func (b *bybitAdapter) Name() string { return "bybit" }

func (b *bybitAdapter) Endpoint([]instrument.Ref) string { return bybitLinearURL }

func (b *bybitAdapter) MessageRate() rate.Limit { return rate.Limit(10) }

func bybitTopics(symbol string) []string {
	return []string{
		"tickers." + symbol,
		"publicTrade." + symbol,
		"orderbook.50." + symbol,
	}
}

type bybitRequest struct {
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
	ReqID string   `json:"req_id"`
}

func (b *bybitAdapter) EncodeSubscribe(instruments []instrument.Ref) ([][]byte, error) {
	frames := make([][]byte, 0, len(instruments))
	for _, ins := range instruments {
		frame, err := json.Marshal(bybitRequest{
			Op:    "subscribe",
			Args:  bybitTopics(ins.Symbol),
			ReqID: strconv.FormatInt(b.nextID.Add(1), 10),
		})
		if err != nil {
			return nil, fmt.Errorf("encode subscribe for %s: %w", ins, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// EncodePing sends Bybit's op ping; the payload becomes the request id so
// the reply can be matched in logs.
func (b *bybitAdapter) EncodePing(payload []byte) []byte {
	frame, _ := json.Marshal(bybitRequest{Op: "ping", ReqID: string(payload)})
	return frame
}

type bybitFrame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

func (b *bybitAdapter) Decode(frame []byte) (Decoded, error) {
	var msg bybitFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			return Decoded{}, fmt.Errorf("%w: %s: %s", ErrRejected, msg.Op, msg.RetMsg)
		}
		return Decoded{Kind: KindAck}, nil
	}
	if msg.Topic == "" {
		return Decoded{Kind: KindIgnore}, nil
	}

	dot := strings.LastIndexByte(msg.Topic, '.')
	if dot < 0 || dot == len(msg.Topic)-1 {
		return Decoded{}, fmt.Errorf("%w: topic %q has no symbol", ErrMalformedFrame, msg.Topic)
	}
	symbol := msg.Topic[dot+1:]

	var kind model.StreamKind
	switch {
	case strings.HasPrefix(msg.Topic, "tickers."):
		kind = model.StreamBookTicker
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		kind = model.StreamTrade
	case strings.HasPrefix(msg.Topic, "orderbook."):
		kind = model.StreamDepth
	default:
		kind = model.StreamUnknown
	}

	ev := model.MarketEvent{
		Instrument: instrument.New(b.Name(), symbol),
		Market:     model.MarketTypeFuture,
		Stream:     kind,
	}
	if msg.Ts > 0 {
		ev.ExchangeTime = time.UnixMilli(msg.Ts)
	}
	return Decoded{Kind: KindEvent, Event: ev}, nil
}
