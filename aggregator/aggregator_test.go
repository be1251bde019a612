package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/errors"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return t0.Add(time.Duration(seconds) * time.Second)
}

func field(t *testing.T, c catalog.Composite, name string) any {
	t.Helper()
	v, ok := c.Get(name)
	require.True(t, ok, "field %s missing", name)
	return v
}

func TestGauge64(t *testing.T) {
	g := NewGauge64()
	require.NoError(t, g.Update(int64(5), at(0)))
	require.NoError(t, g.Update(int64(1), at(2)))
	require.NoError(t, g.Update(int64(9), at(4)))

	c := g.Read()
	assert.Equal(t, catalog.Gauge64, c.Type())
	assert.Equal(t, int64(9), field(t, c, "value"))
	assert.Equal(t, int64(1), field(t, c, "min"))
	assert.Equal(t, int64(9), field(t, c, "max"))
	assert.Equal(t, 5.0, field(t, c, "mean"))
	assert.Equal(t, int64(3), field(t, c, "count"))
	assert.InDelta(t, 0.75, field(t, c, "rate"), 1e-9)

	err := g.Update(1.5, at(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnexpectedValue)
	assert.Equal(t, int64(3), field(t, g.Read(), "count"), "failed update leaves state unchanged")
}

func TestGaugeFP_RateFloorsSpan(t *testing.T) {
	g := NewGaugeFP()
	require.NoError(t, g.Update(0.5, at(0)))
	require.NoError(t, g.Update(1.5, at(0)))

	c := g.Read()
	assert.Equal(t, 2.0, field(t, c, "rate"))
	assert.Equal(t, 1.0, field(t, c, "mean"))
}

func TestFlag(t *testing.T) {
	f := NewFlag()
	for i, v := range []bool{true, true, false, true} {
		require.NoError(t, f.Update(v, at(i)))
	}

	c := f.Read()
	assert.Equal(t, true, field(t, c, "value"))
	assert.Equal(t, int64(3), field(t, c, "trueCount"))
	assert.Equal(t, int64(1), field(t, c, "falseCount"))
	assert.Equal(t, 0.75, field(t, c, "ratio"))
}

func TestStringGauge(t *testing.T) {
	g := NewStringGauge()
	require.NoError(t, g.Update("starting", at(0)))
	require.NoError(t, g.Update("running", at(1)))

	c := g.Read()
	assert.Equal(t, "running", field(t, c, "value"))
	assert.Equal(t, "starting", field(t, c, "first"))
	assert.Equal(t, int64(2), field(t, c, "count"))
}

func TestTimer(t *testing.T) {
	tm := NewTimer()
	require.NoError(t, tm.Update(100*time.Millisecond, at(0)))
	require.NoError(t, tm.Update(300*time.Millisecond, at(1)))

	c := tm.Read()
	assert.Equal(t, 300*time.Millisecond, field(t, c, "last"))
	assert.Equal(t, 100*time.Millisecond, field(t, c, "min"))
	assert.Equal(t, 300*time.Millisecond, field(t, c, "max"))
	assert.Equal(t, 200*time.Millisecond, field(t, c, "mean"))
}

func TestRangedFP(t *testing.T) {
	r := NewRangedFP(10, 20)
	for i, v := range []float64{5, 10, 15, 20, 25} {
		require.NoError(t, r.Update(v, at(i)))
	}

	c := r.Read()
	assert.Equal(t, 25.0, field(t, c, "value"))
	assert.InDelta(t, 0.2, field(t, c, "lessThanRange"), 1e-9)
	assert.InDelta(t, 0.6, field(t, c, "inRange"), 1e-9)
	assert.InDelta(t, 0.2, field(t, c, "greaterThanRange"), 1e-9)

	r.Reset()
	lower, upper := r.Bounds()
	assert.Equal(t, 10.0, lower)
	assert.Equal(t, 20.0, upper)
	assert.Equal(t, int64(0), field(t, r.Read(), "count"))
}

func TestRangedTimer(t *testing.T) {
	r := NewRangedTimer(time.Second, 2*time.Second)
	require.NoError(t, r.Update(500*time.Millisecond, at(0)))
	require.NoError(t, r.Update(1500*time.Millisecond, at(1)))

	c := r.Read()
	assert.Equal(t, 1500*time.Millisecond, field(t, c, "last"))
	assert.Equal(t, 0.5, field(t, c, "lessThanRange"))
	assert.Equal(t, 0.5, field(t, c, "inRange"))
}

func TestArrivals(t *testing.T) {
	a := NewArrivals(2)
	require.NoError(t, a.Update(nil, at(0)))
	require.NoError(t, a.Update(nil, at(2)))
	require.NoError(t, a.Update(nil, at(6)))

	c := a.Read()
	assert.Equal(t, int64(3), field(t, c, "count"))
	assert.Equal(t, 3*time.Second, field(t, c, "meanInterval"))
	assert.Equal(t, 2*time.Second, field(t, c, "minInterval"))
	assert.Equal(t, 4*time.Second, field(t, c, "maxInterval"))
	assert.Equal(t, int64(2), field(t, c, "channels"))
	assert.InDelta(t, 0.25, field(t, c, "ratePerChannel"), 1e-9)
}

func TestNotificationRate(t *testing.T) {
	n := NewNotificationRate()
	for i := 0; i < 10; i++ {
		require.NoError(t, n.Update("ignored", at(i)))
	}
	c := n.Read()
	assert.Equal(t, int64(10), field(t, c, "count"))
	assert.InDelta(t, 10.0/9.0, field(t, c, "rate"), 1e-9)
}

func TestNew(t *testing.T) {
	for _, typ := range catalog.Types() {
		t.Run(string(typ), func(t *testing.T) {
			agg, err := New(typ, Params{Upper: 1, UpperDuration: time.Second})
			require.NoError(t, err)
			assert.Equal(t, typ, agg.Type())
			assert.Equal(t, typ, agg.Read().Type())
		})
	}

	_, err := New("histogram", Params{})
	assert.ErrorIs(t, err, errors.ErrUnrecognizedAttributeType)

	_, err = New(catalog.RangedFP, Params{Lower: 2, Upper: 1})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsInvalid(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	samples := map[catalog.Type]any{
		catalog.Gauge64:          int64(7),
		catalog.GaugeFP:          2.5,
		catalog.Flag:             true,
		catalog.StringGauge:      "up",
		catalog.Timer:            40 * time.Millisecond,
		catalog.RangedFP:         0.5,
		catalog.RangedTimer:      300 * time.Millisecond,
		catalog.Arrivals:         nil,
		catalog.NotificationRate: nil,
	}

	for typ, sample := range samples {
		t.Run(string(typ), func(t *testing.T) {
			agg, err := New(typ, Params{Upper: 1, UpperDuration: time.Second, Channels: 3})
			require.NoError(t, err)
			require.NoError(t, agg.Update(sample, at(0)))
			require.NoError(t, agg.Update(sample, at(3)))

			payload, err := agg.MarshalBinary()
			require.NoError(t, err)

			restored, err := Decode(string(typ), payload)
			require.NoError(t, err)
			assert.True(t, agg.Read().Equal(restored.Read()), "want %v got %v", agg.Read(), restored.Read())

			again, err := restored.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, payload, again, "encoding is deterministic")
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode("histogram", []byte{0xa0})
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)

	_, err = Decode(string(catalog.Timer), []byte{0xff, 0x01})
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)
	assert.True(t, errors.IsFatal(err))
}

func TestClone_IsIndependent(t *testing.T) {
	g := NewGauge64()
	require.NoError(t, g.Update(int64(1), at(0)))

	c := g.Clone()
	require.NoError(t, g.Update(int64(100), at(1)))

	assert.Equal(t, int64(1), field(t, c.Read(), "value"))
	assert.Equal(t, int64(100), field(t, g.Read(), "value"))
}

func TestConcurrentUpdates(t *testing.T) {
	g := NewGauge64()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_ = g.Update(int64(i), at(i))
				_ = g.Read()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2000), field(t, g.Read(), "count"))
	assert.Equal(t, int64(249), field(t, g.Read(), "max"))
}
