package session

import (
	"strconv"
	"time"
)

// Snapshot is the liveness state of a session.
type Snapshot struct {
	LastRecvAt                time.Time
	LastPingSentAt            time.Time
	ConsecutiveReconnectCount int
}

// Verdict is what the monitor asks the session to do after a check.
type Verdict int

const (
	VerdictHealthy Verdict = iota
	VerdictPing
	VerdictStale
)

func (v Verdict) String() string {
	switch v {
	case VerdictPing:
		return "ping"
	case VerdictStale:
		return "stale"
	default:
		return "healthy"
	}
}

// Monitor decides when a connected session should ping and when it has gone
// stale. It holds no state of its own; the session passes its snapshot in.
type Monitor struct {
	PingInterval time.Duration
	RecvInterval time.Duration
}

// Tick is how often the session should call Evaluate.
func (m Monitor) Tick() time.Duration {
	tick := m.PingInterval
	if m.RecvInterval > 0 && (tick <= 0 || m.RecvInterval < tick) {
		tick = m.RecvInterval
	}
	if tick <= 0 {
		tick = time.Second
	}
	return tick
}

// Evaluate checks snap at now. Staleness wins over a due ping: there is no
// point pinging a link that has been silent for the whole receive window.
func (m Monitor) Evaluate(snap Snapshot, now time.Time) Verdict {
	if m.RecvInterval > 0 && now.Sub(snap.LastRecvAt) >= m.RecvInterval {
		return VerdictStale
	}
	if m.PingInterval > 0 && now.Sub(snap.LastPingSentAt) >= m.PingInterval {
		return VerdictPing
	}
	return VerdictHealthy
}

// PingPayload is the unix millisecond timestamp of now.
func PingPayload(now time.Time) []byte {
	return []byte(strconv.FormatInt(now.UnixMilli(), 10))
}
