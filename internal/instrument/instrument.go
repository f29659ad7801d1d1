// Package instrument holds the immutable set of (exchange, symbol) pairs a
// trader subscribes to and the rules that split them into sessions.
package instrument

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"zeus/config"
)

// Ref identifies one subscription target. It is a value type and is compared
// with ==.
type Ref struct {
	Exchange string
	Symbol   string
}

// New normalises exchange to lower case and symbol to upper case.
func New(exchange, symbol string) Ref {
	return Ref{
		Exchange: strings.ToLower(strings.TrimSpace(exchange)),
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

// Name returns "exchange.SYMBOL".
func (r Ref) Name() string {
	return r.Exchange + "." + r.Symbol
}

func (r Ref) String() string {
	return r.Name()
}

// Hash returns the first 8 hex characters of the SHA-256 of Name.
func (r Ref) Hash() string {
	sum := sha256.Sum256([]byte(r.Name()))
	return hex.EncodeToString(sum[:])[:8]
}

// Registry is the ordered, de-duplicated instrument list loaded from
// configuration. It is not modified after construction.
type Registry struct {
	refs  []Ref
	index map[Ref]int
}

// NewRegistry builds a registry from configuration entries. Duplicate
// entries keep their first position.
func NewRegistry(entries []config.InstrumentConfig) (*Registry, error) {
	r := &Registry{index: make(map[Ref]int, len(entries))}
	for i, e := range entries {
		ref := New(e.Exchange, e.Symbol)
		if ref.Exchange == "" || ref.Symbol == "" {
			return nil, fmt.Errorf("instrument %d: exchange and symbol are required", i)
		}
		if _, dup := r.index[ref]; dup {
			continue
		}
		r.index[ref] = len(r.refs)
		r.refs = append(r.refs, ref)
	}
	return r, nil
}

// All returns a copy of the registered instruments in configuration order.
func (r *Registry) All() []Ref {
	out := make([]Ref, len(r.refs))
	copy(out, r.refs)
	return out
}

func (r *Registry) Len() int {
	return len(r.refs)
}

func (r *Registry) Contains(ref Ref) bool {
	_, ok := r.index[ref]
	return ok
}

// Exchanges returns the distinct exchanges in first-seen order.
func (r *Registry) Exchanges() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ref := range r.refs {
		if _, ok := seen[ref.Exchange]; ok {
			continue
		}
		seen[ref.Exchange] = struct{}{}
		out = append(out, ref.Exchange)
	}
	return out
}

// Group is the set of instruments served by one connection session.
type Group struct {
	Name        string
	Exchange    string
	SourceIP    string
	Instruments []Ref
}

// Groups splits the registry into session groups. Shards are honoured first
// (split further by exchange, since a session talks to a single endpoint);
// the remaining instruments are grouped per exchange or per instrument.
func (r *Registry) Groups(grouping string, shards []config.ShardConfig) []Group {
	var groups []Group
	taken := make(map[Ref]bool)

	for i, shard := range shards {
		name := strings.TrimSpace(shard.Name)
		if name == "" {
			name = fmt.Sprintf("shard-%d", i)
		}
		byExchange := make(map[string][]Ref)
		var order []string
		for _, raw := range shard.Instruments {
			exchange, symbol, _ := strings.Cut(config.NormalizeInstrumentName(raw), ".")
			ref := New(exchange, symbol)
			if !r.Contains(ref) || taken[ref] {
				continue
			}
			taken[ref] = true
			if _, ok := byExchange[ref.Exchange]; !ok {
				order = append(order, ref.Exchange)
			}
			byExchange[ref.Exchange] = append(byExchange[ref.Exchange], ref)
		}
		for _, exchange := range order {
			groups = append(groups, Group{
				Name:        name + "/" + exchange,
				Exchange:    exchange,
				SourceIP:    strings.TrimSpace(shard.SourceIP),
				Instruments: r.ordered(byExchange[exchange]),
			})
		}
	}

	switch grouping {
	case config.GroupingInstrument:
		for _, ref := range r.refs {
			if taken[ref] {
				continue
			}
			groups = append(groups, Group{
				Name:        ref.Name(),
				Exchange:    ref.Exchange,
				Instruments: []Ref{ref},
			})
		}
	default:
		for _, exchange := range r.Exchanges() {
			var refs []Ref
			for _, ref := range r.refs {
				if ref.Exchange == exchange && !taken[ref] {
					refs = append(refs, ref)
				}
			}
			if len(refs) == 0 {
				continue
			}
			groups = append(groups, Group{
				Name:        exchange,
				Exchange:    exchange,
				Instruments: refs,
			})
		}
	}

	return groups
}

// ordered sorts refs by their registry position.
func (r *Registry) ordered(refs []Ref) []Ref {
	sort.SliceStable(refs, func(i, j int) bool {
		return r.index[refs[i]] < r.index[refs[j]]
	})
	return refs
}
