// Package exchange holds the per-venue wire knowledge a session needs: which
// endpoint to dial, which subscription frames to send and how to attribute an
// inbound frame to an instrument.
package exchange

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"zeus/internal/instrument"
	"zeus/internal/model"
)

var (
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrRejected        = errors.New("request rejected by exchange")
)

// Kind classifies a decoded frame.
type Kind int

const (
	// KindIgnore frames carry nothing worth recording (heartbeats, info).
	KindIgnore Kind = iota
	// KindEvent frames carry market data for one instrument.
	KindEvent
	// KindAck frames acknowledge a subscription or an application ping.
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindAck:
		return "ack"
	default:
		return "ignore"
	}
}

// Decoded is the result of Adapter.Decode. Event is only set for KindEvent;
// the caller fills ReceivedAt and Payload.
type Decoded struct {
	Kind  Kind
	Event model.MarketEvent
}

// Adapter is the fixed capability set every venue implements. An adapter
// instance belongs to a single session and may keep per-connection state
// such as request ids.
type Adapter interface {
	Name() string
	Endpoint(instruments []instrument.Ref) string
	EncodeSubscribe(instruments []instrument.Ref) ([][]byte, error)
	Decode(frame []byte) (Decoded, error)
	// MessageRate is the outbound message budget the venue enforces per
	// connection; subscription frames are paced to stay under it.
	MessageRate() rate.Limit
}

// Pinger is implemented by venues whose heartbeat is an application
// message rather than a websocket control ping. The reply decodes as
// KindAck.
type Pinger interface {
	EncodePing(payload []byte) []byte
}

// Factory creates a fresh adapter for one session.
type Factory func() Adapter

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"binance":         func() Adapter { return newBinance(false) },
		"binance-futures": func() Adapter { return newBinance(true) },
		"bybit":           func() Adapter { return newBybit() },
		"okx":             func() Adapter { return newOkx() },
	}
)

// Register adds or replaces the factory used for name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Lookup returns a new adapter for the named exchange.
func Lookup(name string) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
	}
	return factory(), nil
}

// Names lists the registered exchanges in lexical order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
