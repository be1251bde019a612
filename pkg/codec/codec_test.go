package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Count int64
	First time.Time
	Last  time.Time
	Value float64
}

func TestMarshal_Deterministic(t *testing.T) {
	s := sample{Count: 3, Value: 1.5, First: time.Unix(100, 5).UTC(), Last: time.Unix(200, 7).UTC()}

	a, err := Marshal(s)
	require.NoError(t, err)
	b, err := Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMarshal_PreservesNanoseconds(t *testing.T) {
	in := sample{Count: 1, First: time.Unix(1700000000, 123456789).UTC()}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.True(t, in.First.Equal(out.First), "want %v got %v", in.First, out.First)
	assert.Equal(t, in.Count, out.Count)
}

func TestValid(t *testing.T) {
	data, err := Marshal(map[string]int{"a": 1})
	require.NoError(t, err)

	assert.NoError(t, Valid(data))
	assert.Error(t, Valid(data[:len(data)-1]))
}
