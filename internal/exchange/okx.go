package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"zeus/internal/instrument"
	"zeus/internal/model"
	"zeus/internal/symbols"
)

const okxPublicURL = "wss://ws.okx.com:8443/ws/v5/public"

type okxAdapter struct {
	mu     sync.RWMutex
	byInst map[string]instrument.Ref
}

func newOkx() *okxAdapter {
	return &okxAdapter{byInst: make(map[string]instrument.Ref)}
}

func (o *okxAdapter) Name() string { return "okx" }

// EncodePing returns the literal text ping OKX expects; it answers "pong".
func (o *okxAdapter) EncodePing([]byte) []byte { return []byte("ping") }

func (o *okxAdapter) Endpoint([]instrument.Ref) string { return okxPublicURL }

// OKX allows 3 requests per second per connection.
func (o *okxAdapter) MessageRate() rate.Limit { return rate.Limit(3) }

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxRequest struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

func isOkxDerivative(instID string) bool {
	return strings.HasSuffix(instID, "-SWAP") || strings.HasSuffix(instID, "-FUTURES")
}

// EncodeSubscribe sends one request per instrument. Configured symbols may
// use either OKX notation (BTC-USDT-SWAP) or the compact form (BTCUSDT).
func (o *okxAdapter) EncodeSubscribe(instruments []instrument.Ref) ([][]byte, error) {
	frames := make([][]byte, 0, len(instruments))
	for _, ins := range instruments {
		instID := symbols.FromBinance(o.Name(), ins.Symbol)

		o.mu.Lock()
		o.byInst[instID] = ins
		o.mu.Unlock()

		args := []okxArg{
			{Channel: "tickers", InstID: instID},
			{Channel: "trades", InstID: instID},
			{Channel: "books5", InstID: instID},
		}
		if isOkxDerivative(instID) {
			args = append(args, okxArg{Channel: "mark-price", InstID: instID})
		}
		frame, err := json.Marshal(okxRequest{Op: "subscribe", Args: args})
		if err != nil {
			return nil, fmt.Errorf("encode subscribe for %s: %w", ins, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

type okxFrame struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   *okxArg         `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

func (o *okxAdapter) Decode(frame []byte) (Decoded, error) {
	if bytes.Equal(bytes.TrimSpace(frame), []byte("pong")) {
		return Decoded{Kind: KindAck}, nil
	}

	var msg okxFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch msg.Event {
	case "":
	case "error":
		return Decoded{}, fmt.Errorf("%w: code %s: %s", ErrRejected, msg.Code, msg.Msg)
	case "subscribe":
		return Decoded{Kind: KindAck}, nil
	default:
		return Decoded{Kind: KindIgnore}, nil
	}

	if msg.Arg == nil || msg.Arg.InstID == "" {
		return Decoded{Kind: KindIgnore}, nil
	}

	var kind model.StreamKind
	switch {
	case msg.Arg.Channel == "tickers":
		kind = model.StreamBookTicker
	case msg.Arg.Channel == "trades":
		kind = model.StreamTrade
	case strings.HasPrefix(msg.Arg.Channel, "books"):
		kind = model.StreamDepth
	case msg.Arg.Channel == "mark-price":
		kind = model.StreamMarkPrice
	default:
		kind = model.StreamUnknown
	}

	market := model.MarketTypeSpot
	if isOkxDerivative(msg.Arg.InstID) {
		market = model.MarketTypeFuture
	}

	ev := model.MarketEvent{
		Instrument: o.resolve(msg.Arg.InstID),
		Market:     market,
		Stream:     kind,
	}
	if ts := okxTimestamp(msg.Data); ts > 0 {
		ev.ExchangeTime = time.UnixMilli(ts)
	}
	return Decoded{Kind: KindEvent, Event: ev}, nil
}

func (o *okxAdapter) resolve(instID string) instrument.Ref {
	o.mu.RLock()
	ref, ok := o.byInst[instID]
	o.mu.RUnlock()
	if ok {
		return ref
	}
	return instrument.New(o.Name(), instID)
}

// okxTimestamp reads the "ts" field of the first data entry. OKX sends it as
// a string of unix milliseconds.
func okxTimestamp(data json.RawMessage) int64 {
	var entries []struct {
		Ts string `json:"ts"`
	}
	if len(data) == 0 || json.Unmarshal(data, &entries) != nil || len(entries) == 0 {
		return 0
	}
	ts, err := strconv.ParseInt(entries[0].Ts, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
