package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/event"
)

func TestLookup_AllTypes(t *testing.T) {
	for _, typ := range Types() {
		t.Run(string(typ), func(t *testing.T) {
			entry, ok := Lookup(string(typ))
			require.True(t, ok)
			assert.Equal(t, typ, entry.Type)
			assert.NotEmpty(t, entry.Schema)
			assert.True(t, entry.Schema.Has("rate"), "every type is rated")
			assert.True(t, entry.Schema.Has("count"))
		})
	}

	_, ok := Lookup("histogram")
	assert.False(t, ok)
}

func TestEntry_Parameters(t *testing.T) {
	assert.True(t, MustLookup(RangedFP).Ranged())
	assert.True(t, MustLookup(RangedTimer).Ranged())
	assert.False(t, MustLookup(Timer).Ranged())
	assert.Equal(t, ParamsChannels, MustLookup(Arrivals).Params)
	assert.Equal(t, event.KindAny, MustLookup(NotificationRate).Accepts)
	assert.Equal(t, event.KindDuration, MustLookup(RangedTimer).Accepts)
}

func TestSchema_OrderIsStable(t *testing.T) {
	assert.Equal(t,
		[]string{"last", "min", "max", "mean", "rate", "count"},
		MustLookup(Timer).Schema.Names())
}

func TestComposite(t *testing.T) {
	values := map[string]any{
		"last": time.Second, "min": time.Millisecond, "max": 2 * time.Second,
		"mean": time.Second, "rate": 1.0, "count": int64(3),
	}

	c, err := NewComposite(Timer, values)
	require.NoError(t, err)

	v, ok := c.Get("max")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, v)
	assert.Equal(t, MustLookup(Timer).Schema.Names(), c.Fields())

	other, err := NewComposite(Timer, c.Map())
	require.NoError(t, err)
	assert.True(t, c.Equal(other))

	values["count"] = int64(4)
	changed, err := NewComposite(Timer, values)
	require.NoError(t, err)
	assert.False(t, c.Equal(changed))

	delete(values, "count")
	_, err = NewComposite(Timer, values)
	assert.Error(t, err)
}

func TestComposite_MarshalJSON(t *testing.T) {
	c := MustComposite(NotificationRate, map[string]any{"rate": 0.5, "count": int64(1)})
	data, err := c.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"rate":0.5,"count":1}`, string(data))
}
