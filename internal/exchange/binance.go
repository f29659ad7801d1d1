package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"zeus/internal/instrument"
	"zeus/internal/model"
)

const (
	binanceSpotHost    = "stream.binance.com"
	binanceFuturesHost = "fstream.binance.com"

	// Binance drops connections that send more than 5 (spot) or 10 (futures)
	// messages per second.
	binanceSpotRate    = rate.Limit(5)
	binanceFuturesRate = rate.Limit(10)
)

type binanceAdapter struct {
	futures bool
	nextID  atomic.Int64
}

func newBinance(futures bool) *binanceAdapter {
	return &binanceAdapter{futures: futures}
}

func (b *binanceAdapter) Name() string {
	if b.futures {
		return "binance-futures"
	}
	return "binance"
}

func (b *binanceAdapter) market() model.MarketType {
	if b.futures {
		return model.MarketTypeFuture
	}
	return model.MarketTypeSpot
}

// Endpoint returns the combined stream base; streams are attached with
// SUBSCRIBE requests so they can be replayed after a reconnect.
func (b *binanceAdapter) Endpoint([]instrument.Ref) string {
	host := binanceSpotHost
	if b.futures {
		host = binanceFuturesHost
	}
	return "wss://" + host + ":443/stream"
}

func (b *binanceAdapter) MessageRate() rate.Limit {
	if b.futures {
		return binanceFuturesRate
	}
	return binanceSpotRate
}

// streams lists the stream names recorded for one symbol.
func (b *binanceAdapter) streams(symbol string) []string {
	s := strings.ToLower(symbol)
	out := []string{s + "@bookTicker", s + "@trade", s + "@depth@100ms"}
	if b.futures {
		out = append(out, s+"@markPrice@1s")
	}
	return out
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// EncodeSubscribe emits one SUBSCRIBE request per instrument.
func (b *binanceAdapter) EncodeSubscribe(instruments []instrument.Ref) ([][]byte, error) {
	frames := make([][]byte, 0, len(instruments))
	for _, ins := range instruments {
		frame, err := json.Marshal(binanceRequest{
			Method: "SUBSCRIBE",
			Params: b.streams(ins.Symbol),
			ID:     b.nextID.Add(1),
		})
		if err != nil {
			return nil, fmt.Errorf("encode subscribe for %s: %w", ins, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// binanceDepthHeader reads only the attribution fields of a diff depth event;
// the price levels stay in the raw payload.
type binanceDepthHeader struct {
	Event  string `json:"e"`
	Time   int64  `json:"E"`
	Symbol string `json:"s"`
}

func (b *binanceAdapter) Decode(frame []byte) (Decoded, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if env.Error != nil {
		return Decoded{}, fmt.Errorf("%w: code %d: %s", ErrRejected, env.Error.Code, env.Error.Msg)
	}
	if env.Stream == "" {
		if env.ID != nil {
			return Decoded{Kind: KindAck}, nil
		}
		return Decoded{Kind: KindIgnore}, nil
	}
	if len(bytes.TrimSpace(env.Data)) == 0 {
		return Decoded{}, fmt.Errorf("%w: stream %s without data", ErrMalformedFrame, env.Stream)
	}

	kind, symbol, eventTime, err := b.decodeStream(env.Stream, env.Data)
	if err != nil {
		return Decoded{}, err
	}
	if symbol == "" {
		symbol, _, _ = strings.Cut(env.Stream, "@")
	}

	ev := model.MarketEvent{
		Instrument: instrument.New(b.Name(), symbol),
		Market:     b.market(),
		Stream:     kind,
	}
	if eventTime > 0 {
		ev.ExchangeTime = time.UnixMilli(eventTime)
	}
	return Decoded{Kind: KindEvent, Event: ev}, nil
}

func (b *binanceAdapter) decodeStream(stream string, data []byte) (model.StreamKind, string, int64, error) {
	_, name, _ := strings.Cut(stream, "@")
	switch {
	case name == "bookTicker":
		if b.futures {
			var ev futures.WsBookTickerEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return "", "", 0, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, stream, err)
			}
			return model.StreamBookTicker, ev.Symbol, ev.Time, nil
		}
		var ev binance.WsBookTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", "", 0, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, stream, err)
		}
		return model.StreamBookTicker, ev.Symbol, 0, nil

	case name == "trade":
		var ev binance.WsTradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", "", 0, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, stream, err)
		}
		return model.StreamTrade, ev.Symbol, ev.Time, nil

	case strings.HasPrefix(name, "depth"):
		var ev binanceDepthHeader
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", "", 0, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, stream, err)
		}
		return model.StreamDepth, ev.Symbol, ev.Time, nil

	case strings.HasPrefix(name, "markPrice"):
		var ev futures.WsMarkPriceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", "", 0, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, stream, err)
		}
		return model.StreamMarkPrice, ev.Symbol, ev.Time, nil
	}
	return model.StreamUnknown, "", 0, nil
}
