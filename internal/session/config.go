package session

import (
	"errors"
	"fmt"
	"time"

	"zeus/config"
	"zeus/internal/instrument"
)

// Config is the immutable per-session slice of the trader configuration.
type Config struct {
	Name        string
	Exchange    string
	Instruments []instrument.Ref
	SourceIP    string

	CreateConnectionTimeout time.Duration
	SSLHandshakeTimeout     time.Duration
	SSLShutdownTimeout      time.Duration
	CheckPingInterval       time.Duration
	CheckRecvInterval       time.Duration
	ReconnectCooldown       time.Duration

	MaximumReconnectTries int
	// MaxDecodeErrors forces a reconnect once more than this many frames in
	// a row fail to decode. Zero skips bad frames forever.
	MaxDecodeErrors int
}

// ConfigFromTrader derives the configuration of the session serving g.
func ConfigFromTrader(tc config.TraderConfig, g instrument.Group) Config {
	return Config{
		Name:                    g.Name,
		Exchange:                g.Exchange,
		Instruments:             append([]instrument.Ref(nil), g.Instruments...),
		SourceIP:                g.SourceIP,
		CreateConnectionTimeout: tc.CreateConnectionTimeout.Duration(),
		SSLHandshakeTimeout:     tc.SSLHandshakeTimeout.Duration(),
		SSLShutdownTimeout:      tc.SSLShutdownTimeout.Duration(),
		CheckPingInterval:       tc.CheckPingInterval.Duration(),
		CheckRecvInterval:       tc.CheckRecvInterval.Duration(),
		ReconnectCooldown:       tc.ReconnectCooldown.Duration(),
		MaximumReconnectTries:   tc.MaximumReconnectTries,
		MaxDecodeErrors:         tc.MaxDecodeErrors,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Exchange == "" {
		errs = append(errs, errors.New("exchange is required"))
	}
	for _, ins := range c.Instruments {
		if ins.Exchange != c.Exchange {
			errs = append(errs, fmt.Errorf("instrument %s does not belong to exchange %s", ins, c.Exchange))
		}
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"create_connection_timeout", c.CreateConnectionTimeout},
		{"ssl_handshake_timeout", c.SSLHandshakeTimeout},
		{"ssl_shutdown_timeout", c.SSLShutdownTimeout},
		{"check_ping_interval", c.CheckPingInterval},
		{"check_recv_interval", c.CheckRecvInterval},
		{"reconnect_cooldown", c.ReconnectCooldown},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.MaximumReconnectTries < 0 {
		errs = append(errs, errors.New("maximum_reconnect_tries must be >= 0"))
	}
	if c.MaxDecodeErrors < 0 {
		errs = append(errs, errors.New("max_decode_errors must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("session %q: %w", c.Name, errors.Join(errs...))
	}
	return nil
}
