// Package trader wires configuration, sessions and the recorder together and
// supervises them for the lifetime of the process.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"zeus/config"
	"zeus/internal/exchange"
	"zeus/internal/recorder"
	"zeus/internal/session"
	"zeus/internal/transport"
)

var ErrUnknownTrader = errors.New("unknown trader")

// Trader runs until ctx is cancelled or a fatal condition occurs. A nil
// return means a clean shutdown.
type Trader interface {
	Run(ctx context.Context) error
}

// Options replaces the collaborators a trader builds by default.
type Options struct {
	// Dialer builds the dialer for one session.
	Dialer func(cfg session.Config) (session.Dialer, error)
	// Adapter resolves an exchange name to its adapter.
	Adapter func(name string) (exchange.Adapter, error)
	// Sink receives recorded batches instead of the configured sinks.
	Sink recorder.Sink
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = func(cfg session.Config) (session.Dialer, error) {
			return session.NewTransportDialer(transport.Options{SourceIP: cfg.SourceIP})
		}
	}
	if o.Adapter == nil {
		o.Adapter = exchange.Lookup
	}
	return o
}

type Factory func(cfg *config.Config, opts Options) (Trader, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"prometheus": NewPrometheus,
	}
)

func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(name))] = f
}

// New builds the trader registered under name.
func New(name string, cfg *config.Config, opts Options) (Trader, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownTrader, name, strings.Join(Names(), ", "))
	}
	if cfg == nil {
		return nil, errors.New("trader: configuration is required")
	}
	return f(cfg, opts.withDefaults())
}

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
