// internal/model/common.go
// @tag models, data_structure, core
package model

import (
	"time"

	"zeus/internal/instrument"
)

// ───────────────────────────────────────────────────────────────
// 🚀 Core Data Structures
// ───────────────────────────────────────────────────────────────

// MarketType defines the type of market (e.g., spot, future).
type MarketType string

const (
	MarketTypeSpot   MarketType = "spot"
	MarketTypeFuture MarketType = "future"
)

// StreamKind names the exchange stream a payload was received on.
type StreamKind string

const (
	StreamBookTicker StreamKind = "book_ticker"
	StreamTrade      StreamKind = "trade"
	StreamDepth      StreamKind = "depth"
	StreamMarkPrice  StreamKind = "mark_price"
	StreamUnknown    StreamKind = "unknown"
)

// MarketEvent is one decoded unit of market data handed from a session to the
// recorder. Payload is the raw frame as received; once the event is recorded
// the session must not touch it again.
type MarketEvent struct {
	Instrument   instrument.Ref
	Market       MarketType
	Stream       StreamKind
	ReceivedAt   time.Time
	ExchangeTime time.Time
	Payload      []byte
}
