package symbols

import "strings"

// ToBinance converts exchange-specific symbol formats to Binance spot style so
// recordings from different venues share one symbol column. Symbols are
// upper-cased without separators, contract suffixes are trimmed and the
// 1000x multiplier contracts map to their base asset.
func ToBinance(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "binance", "binance-futures":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		sym = strings.NewReplacer("-", "", "/", "", "_", "").Replace(sym)
	}
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	return sym
}

// FromBinance is the inverse used when building subscriptions: a canonical
// symbol is rendered in the venue's own notation.
func FromBinance(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "okx":
		if strings.Contains(sym, "-") {
			return sym
		}
		for _, quote := range []string{"USDT", "USDC", "USD", "BTC", "ETH"} {
			if base, ok := strings.CutSuffix(sym, quote); ok && base != "" {
				return base + "-" + quote
			}
		}
	}
	return sym
}
