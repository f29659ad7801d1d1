package config

import (
	"fmt"
	"net"
	"strings"
)

// NormalizeInstrumentName lower-cases the exchange part and upper-cases the
// symbol part of an "exchange.SYMBOL" name.
func NormalizeInstrumentName(name string) string {
	name = strings.TrimSpace(name)
	exchange, symbol, ok := strings.Cut(name, ".")
	if !ok {
		return name
	}
	return strings.ToLower(strings.TrimSpace(exchange)) + "." + strings.ToUpper(strings.TrimSpace(symbol))
}

// validateShards checks that every shard names known instruments, that no
// instrument is assigned twice and that source addresses parse.
func validateShards(shards []ShardConfig, known map[string]struct{}) error {
	assigned := make(map[string]string)
	names := make(map[string]struct{}, len(shards))

	for i, shard := range shards {
		name := strings.TrimSpace(shard.Name)
		if name == "" {
			name = fmt.Sprintf("shard-%d", i)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("trader.shards[%d].name '%s' is duplicated", i, name)
		}
		names[name] = struct{}{}

		if ip := strings.TrimSpace(shard.SourceIP); ip != "" && net.ParseIP(ip) == nil {
			return fmt.Errorf("trader.shards[%d].source_ip '%s' is invalid", i, ip)
		}
		if len(shard.Instruments) == 0 {
			return fmt.Errorf("trader.shards[%d].instruments must contain at least one entry", i)
		}

		for _, raw := range shard.Instruments {
			ins := NormalizeInstrumentName(raw)
			if _, ok := known[ins]; !ok {
				return fmt.Errorf("trader.shards[%d] references unknown instrument '%s'", i, raw)
			}
			if owner, ok := assigned[ins]; ok {
				return fmt.Errorf("instrument '%s' assigned to both shard '%s' and '%s'", ins, owner, name)
			}
			assigned[ins] = name
		}
	}
	return nil
}
