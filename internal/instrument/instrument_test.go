package instrument

import (
	"testing"

	"github.com/stretchr/testify/require"

	"zeus/config"
)

func entries(pairs ...string) []config.InstrumentConfig {
	out := make([]config.InstrumentConfig, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, config.InstrumentConfig{Exchange: pairs[i], Symbol: pairs[i+1]})
	}
	return out
}

func TestRefNormalisation(t *testing.T) {
	ref := New("binance-FUTURES", "BTCusdt")
	require.Equal(t, "binance-futures", ref.Exchange)
	require.Equal(t, "BTCUSDT", ref.Symbol)
	require.Equal(t, "binance-futures.BTCUSDT", ref.Name())
	require.Len(t, ref.Hash(), 8)
	require.Equal(t, ref.Hash(), New("BINANCE-futures", "btcUSDT").Hash())
	require.Equal(t, ref, New(" binance-futures ", "btcusdt"))
}

func TestRegistryDeduplicatesAndKeepsOrder(t *testing.T) {
	reg, err := NewRegistry(entries("binance", "ethusdt", "bybit", "BTCUSDT", "BINANCE", "ETHUSDT", "binance", "btcusdt"))
	require.NoError(t, err)
	require.Equal(t, 3, reg.Len())
	require.Equal(t, []Ref{
		{Exchange: "binance", Symbol: "ETHUSDT"},
		{Exchange: "bybit", Symbol: "BTCUSDT"},
		{Exchange: "binance", Symbol: "BTCUSDT"},
	}, reg.All())
	require.Equal(t, []string{"binance", "bybit"}, reg.Exchanges())
}

func TestRegistryRejectsEmpty(t *testing.T) {
	_, err := NewRegistry(entries("binance", " "))
	require.Error(t, err)
}

func TestGroupsByExchange(t *testing.T) {
	reg, err := NewRegistry(entries("binance", "BTCUSDT", "bybit", "BTCUSDT", "binance", "ETHUSDT"))
	require.NoError(t, err)

	groups := reg.Groups(config.GroupingExchange, nil)
	require.Len(t, groups, 2)
	require.Equal(t, "binance", groups[0].Exchange)
	require.Equal(t, []Ref{New("binance", "BTCUSDT"), New("binance", "ETHUSDT")}, groups[0].Instruments)
	require.Equal(t, "bybit", groups[1].Exchange)
}

func TestGroupsByInstrument(t *testing.T) {
	reg, err := NewRegistry(entries("binance", "BTCUSDT", "binance", "ETHUSDT"))
	require.NoError(t, err)

	groups := reg.Groups(config.GroupingInstrument, nil)
	require.Len(t, groups, 2)
	require.Equal(t, "binance.BTCUSDT", groups[0].Name)
	require.Equal(t, []Ref{New("binance", "ETHUSDT")}, groups[1].Instruments)
}

func TestGroupsHonourShards(t *testing.T) {
	reg, err := NewRegistry(entries("binance", "BTCUSDT", "binance", "ETHUSDT", "bybit", "BTCUSDT", "binance", "SOLUSDT"))
	require.NoError(t, err)

	shards := []config.ShardConfig{{
		Name:        "east",
		SourceIP:    "10.0.0.2",
		Instruments: []string{"binance.solusdt", "bybit.BTCUSDT", "binance.BTCUSDT"},
	}}
	groups := reg.Groups(config.GroupingExchange, shards)
	require.Len(t, groups, 3)

	require.Equal(t, "east/binance", groups[0].Name)
	require.Equal(t, "10.0.0.2", groups[0].SourceIP)
	require.Equal(t, []Ref{New("binance", "BTCUSDT"), New("binance", "SOLUSDT")}, groups[0].Instruments)

	require.Equal(t, "east/bybit", groups[1].Name)

	require.Equal(t, "binance", groups[2].Name)
	require.Equal(t, []Ref{New("binance", "ETHUSDT")}, groups[2].Instruments)
}

func TestGroupsCoverEveryInstrumentOnce(t *testing.T) {
	reg, err := NewRegistry(entries("binance", "A", "binance", "B", "okx", "C", "bybit", "D"))
	require.NoError(t, err)

	shards := []config.ShardConfig{{Name: "s", Instruments: []string{"binance.B", "okx.C"}}}
	for _, grouping := range []string{config.GroupingExchange, config.GroupingInstrument} {
		seen := make(map[Ref]int)
		for _, g := range reg.Groups(grouping, shards) {
			for _, ref := range g.Instruments {
				require.Equal(t, g.Exchange, ref.Exchange)
				seen[ref]++
			}
		}
		require.Len(t, seen, reg.Len())
		for ref, n := range seen {
			require.Equalf(t, 1, n, "%s assigned %d times", ref, n)
		}
	}
}
