package metrics

import (
	"sync"
	"time"
)

// sessionTTL bounds how long an idle session's counters are retained. It
// matches the hour-granularity session window with slack for requests that
// straddle the boundary.
const sessionTTL = 2 * time.Hour

// SessionTotals are the running counters for one session.
type SessionTotals struct {
	Queries   int64
	CostUSD   float64
	CacheHits int64
}

type sessionEntry struct {
	totals   SessionTotals
	lastSeen time.Time
}

// SessionTable accumulates per-session counters in memory. Idle sessions are
// evicted lazily on write.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	now      func() time.Time
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*sessionEntry),
		now:      time.Now,
	}
}

// Record folds one finished request into the session's counters and returns
// the updated totals, including this request.
func (t *SessionTable) Record(sessionID string, costUSD float64, cacheHit bool) SessionTotals {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.sessions[sessionID]
	if !ok {
		t.evictStaleLocked(now)
		e = &sessionEntry{}
		t.sessions[sessionID] = e
	}
	e.lastSeen = now
	e.totals.Queries++
	e.totals.CostUSD += costUSD
	if cacheHit {
		e.totals.CacheHits++
	}
	return e.totals
}

func (t *SessionTable) evictStaleLocked(now time.Time) {
	for id, e := range t.sessions {
		if now.Sub(e.lastSeen) > sessionTTL {
			delete(t.sessions, id)
		}
	}
}
