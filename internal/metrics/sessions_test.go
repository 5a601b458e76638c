package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionTableRecord(t *testing.T) {
	table := NewSessionTable()

	totals := table.Record("s1", 0.01, false)
	assert.Equal(t, SessionTotals{Queries: 1, CostUSD: 0.01}, totals)

	totals = table.Record("s1", 0.02, true)
	assert.Equal(t, int64(2), totals.Queries)
	assert.InDelta(t, 0.03, totals.CostUSD, 1e-9)
	assert.Equal(t, int64(1), totals.CacheHits)

	totals = table.Record("s2", 0, true)
	assert.Equal(t, int64(1), totals.Queries)
}

func TestSessionTableEvictsIdleSessions(t *testing.T) {
	table := NewSessionTable()
	base := time.Now()
	table.now = func() time.Time { return base }

	table.Record("stale", 0.01, false)

	// A new session created past the TTL sweeps the stale one out.
	table.now = func() time.Time { return base.Add(sessionTTL + time.Minute) }
	table.Record("fresh", 0, false)
	assert.NotContains(t, table.sessions, "stale")

	// The stale session starts over if it comes back.
	totals := table.Record("stale", 0, false)
	assert.Equal(t, int64(1), totals.Queries)
}
