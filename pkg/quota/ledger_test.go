package quota

import (
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(10000, 0))
	return NewLedger(clk, nil, time.Minute), clk
}

func TestReserveCommit(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Configure("p1", []Limit{{SubKey: "key-a", Limit: 10, Window: time.Hour}})

	res, err := l.TryReserve("p1", "key-a", 3)
	require.NoError(t, err)
	assert.Equal(t, "key-a", res.SubKey)
	assert.False(t, l.HasHeadroom("p1", 8), "reserved units count against headroom")

	require.NoError(t, l.Commit(res))
	recs := l.Snapshot("p1")
	require.Len(t, recs, 1)
	assert.Equal(t, int64(3), recs[0].Used)

	// Double settle is rejected
	assert.ErrorIs(t, l.Commit(res), ErrUnknownReservation)
	assert.ErrorIs(t, l.Refund(res), ErrUnknownReservation)
}

func TestRefundReleasesHeadroom(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Configure("p1", []Limit{{SubKey: "key-a", Limit: 5, Window: time.Hour}})

	res, err := l.TryReserve("p1", "", 5)
	require.NoError(t, err)
	assert.False(t, l.HasHeadroom("p1", 1))

	require.NoError(t, l.Refund(res))
	assert.True(t, l.HasHeadroom("p1", 5))
	recs := l.Snapshot("p1")
	assert.Equal(t, int64(0), recs[0].Used, "refund never consumes quota")
}

func TestReserveExhausted(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Configure("p1", []Limit{{SubKey: "key-a", Limit: 2, Window: time.Hour}})

	res, err := l.TryReserve("p1", "", 2)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res))

	_, err = l.TryReserve("p1", "", 1)
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	_, err = l.TryReserve("nope", "", 1)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestWindowRollover(t *testing.T) {
	l, clk := newTestLedger(t)
	l.Configure("p1", []Limit{{SubKey: "key-a", Limit: 2, Window: time.Minute}})

	res, err := l.TryReserve("p1", "", 2)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res))
	assert.False(t, l.HasHeadroom("p1", 1))

	clk.Advance(time.Minute)
	assert.True(t, l.HasHeadroom("p1", 2), "window resets after its duration")

	res, err = l.TryReserve("p1", "", 2)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res))
}

func TestSubKeyPickLeastRecentlyUsed(t *testing.T) {
	l, clk := newTestLedger(t)
	l.Configure("p1", []Limit{
		{SubKey: "key-a", Limit: 100, Window: time.Hour},
		{SubKey: "key-b", Limit: 100, Window: time.Hour},
	})

	// Use key-a so its lastUsed advances past key-b's
	res, err := l.TryReserve("p1", "key-a", 1)
	require.NoError(t, err)
	clk.Advance(time.Second)
	require.NoError(t, l.Commit(res))

	res, err = l.TryReserve("p1", "", 1)
	require.NoError(t, err)
	assert.Equal(t, "key-b", res.SubKey, "least-recently-used sub-key is picked")
}

func TestSubKeyPickHeadroomOnTie(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Configure("p1", []Limit{
		{SubKey: "small", Limit: 5, Window: time.Hour},
		{SubKey: "large", Limit: 50, Window: time.Hour},
	})

	// Neither key has been used; the tie breaks on remaining headroom
	res, err := l.TryReserve("p1", "", 1)
	require.NoError(t, err)
	assert.Equal(t, "large", res.SubKey)
}

func TestSubKeySkipsFullKeys(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Configure("p1", []Limit{
		{SubKey: "full", Limit: 1, Window: time.Hour},
		{SubKey: "open", Limit: 10, Window: time.Hour},
	})

	res, err := l.TryReserve("p1", "full", 1)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res))

	res, err = l.TryReserve("p1", "", 1)
	require.NoError(t, err)
	assert.Equal(t, "open", res.SubKey)
}

func TestNearestReset(t *testing.T) {
	l, clk := newTestLedger(t)
	l.Configure("p1", []Limit{
		{SubKey: "hourly", Limit: 1, Window: time.Hour},
		{SubKey: "minute", Limit: 1, Window: time.Minute},
	})

	reset, ok := l.NearestReset("p1")
	require.True(t, ok)
	assert.Equal(t, clk.Now().Add(time.Minute), reset)

	_, ok = l.NearestReset("nope")
	assert.False(t, ok)
}

func TestJanitorRefundsExpiredReservations(t *testing.T) {
	l, clk := newTestLedger(t)
	l.Configure("p1", []Limit{{SubKey: "key-a", Limit: 2, Window: time.Hour}})

	res, err := l.TryReserve("p1", "", 2)
	require.NoError(t, err)
	assert.False(t, l.HasHeadroom("p1", 1))

	// Reservation outlives the TTL without being settled
	clk.Advance(2 * time.Minute)
	l.sweepExpired()

	assert.True(t, l.HasHeadroom("p1", 2))
	assert.ErrorIs(t, l.Commit(res), ErrUnknownReservation)
}

func TestConfigureReplacesLimits(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Configure("p1", []Limit{{SubKey: "key-a", Limit: 1, Window: time.Hour}})

	res, err := l.TryReserve("p1", "", 1)
	require.NoError(t, err)
	require.NoError(t, l.Commit(res))
	assert.False(t, l.HasHeadroom("p1", 1))

	l.Configure("p1", []Limit{{SubKey: "key-a", Limit: 10, Window: time.Hour}})
	assert.True(t, l.HasHeadroom("p1", 10), "reconfiguration restarts windows")

	l.Remove("p1")
	assert.False(t, l.HasHeadroom("p1", 1))
}
