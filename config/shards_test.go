package config

import (
	"strings"
	"testing"
)

func TestNormalizeInstrumentName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Binance.btcusdt", "binance.BTCUSDT"},
		{" binance-futures.ethusdt ", "binance-futures.ETHUSDT"},
		{"okx.btc-usdt", "okx.BTC-USDT"},
		{"nodot", "nodot"},
	}
	for _, tt := range tests {
		if got := NormalizeInstrumentName(tt.in); got != tt.want {
			t.Errorf("NormalizeInstrumentName(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateShards(t *testing.T) {
	known := map[string]struct{}{
		"binance.BTCUSDT": {},
		"binance.ETHUSDT": {},
	}

	ok := []ShardConfig{
		{Name: "a", SourceIP: "10.0.0.2", Instruments: []string{"binance.btcusdt"}},
		{Name: "b", Instruments: []string{"binance.ETHUSDT"}},
	}
	if err := validateShards(ok, known); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		shards  []ShardConfig
		wantErr string
	}{
		{"unknown instrument", []ShardConfig{{Name: "a", Instruments: []string{"bybit.BTCUSDT"}}}, "unknown instrument"},
		{"double assignment", []ShardConfig{
			{Name: "a", Instruments: []string{"binance.BTCUSDT"}},
			{Name: "b", Instruments: []string{"binance.btcusdt"}},
		}, "assigned to both"},
		{"bad ip", []ShardConfig{{Name: "a", SourceIP: "10.0.0", Instruments: []string{"binance.BTCUSDT"}}}, "source_ip"},
		{"empty shard", []ShardConfig{{Name: "a"}}, "at least one"},
		{"duplicate name", []ShardConfig{
			{Name: "a", Instruments: []string{"binance.BTCUSDT"}},
			{Name: "a", Instruments: []string{"binance.ETHUSDT"}},
		}, "duplicated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateShards(tt.shards, known)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
